package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

type ValidationError struct {
	Problems []string
}

func (v *ValidationError) Add(format string, args ...any) {
	v.Problems = append(v.Problems, fmt.Sprintf(format, args...))
}

// Merge appends the problems of err when it is a *ValidationError and
// reports whether it was.
func (v *ValidationError) Merge(err error) bool {
	var other *ValidationError
	if !errors.As(err, &other) {
		return false
	}
	v.Problems = append(v.Problems, other.Problems...)
	return true
}

// Err returns v with sorted problems, or nil when there are none.
func (v *ValidationError) Err() error {
	if len(v.Problems) == 0 {
		return nil
	}
	sort.Strings(v.Problems)
	return v
}

func (v *ValidationError) Error() string {
	return fmt.Sprintf("%d validation error(s)", len(v.Problems))
}

func (c *Config) Validate() error {
	v := &ValidationError{}

	if c.ConfigVersion != 1 {
		v.Add("configVersion must be 1")
	}

	for i, p := range c.Profiles {
		if strings.TrimSpace(p) == "" {
			v.Add("profiles[%d] is empty", i)
			continue
		}
		if _, err := os.Stat(c.resolvePath(p)); err != nil {
			v.Add("profiles[%d] invalid: %v", i, err)
		}
	}

	if c.Transport.Timeout < 0 {
		v.Add("transport.timeout must be >= 0")
	}
	if c.Transport.RPS < 0 {
		v.Add("transport.rps must be >= 0")
	}
	if c.Transport.RPS > 0 && c.Transport.Burst <= 0 {
		v.Add("transport.burst must be > 0 when transport.rps is set")
	}

	if c.OOB.Enabled {
		if c.OOB.ServerURL == "" {
			v.Add("oob.serverURL required when oob.enabled is true")
		} else if err := validateURL(c.OOB.ServerURL); err != nil {
			v.Add("oob.serverURL invalid: %v", err)
		}
		if c.OOB.PollInterval <= 0 {
			v.Add("oob.pollInterval must be > 0")
		}
	}

	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil || c.Logging.Level == "" {
		v.Add("logging.level must be trace|debug|info|warn|error")
	}
	switch c.Logging.Format {
	case FormatJSON, FormatConsole:
	default:
		v.Add("logging.format must be json|console")
	}
	if c.Logging.File != "" {
		if err := ensureWritable(c.resolvePath(c.Logging.File)); err != nil {
			v.Add("logging.file invalid: %v", err)
		}
	}
	if c.Logging.FindingsLog != "" {
		if err := ensureWritable(c.resolvePath(c.Logging.FindingsLog)); err != nil {
			v.Add("logging.findingsLog invalid: %v", err)
		}
	}

	if c.Metrics.Enabled {
		if err := validateListen(c.Metrics.Listen); err != nil {
			v.Add("metrics.listen invalid: %v", err)
		}
	}

	if c.Proxy.Listen != "" {
		if err := validateListen(c.Proxy.Listen); err != nil {
			v.Add("proxy.listen invalid: %v", err)
		}
		if c.Proxy.Upstream == "" {
			v.Add("proxy.upstream required when proxy.listen is set")
		}
	}
	if c.Proxy.Upstream != "" {
		if err := validateURL(c.Proxy.Upstream); err != nil {
			v.Add("proxy.upstream invalid: %v", err)
		}
	}

	return v.Err()
}

func validateListen(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("address is required")
	}
	if _, err := net.ResolveTCPAddr("tcp", addr); err != nil {
		return err
	}
	return nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("must include scheme and host")
	}
	return nil
}

func ensureWritable(path string) error {
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	file, err := os.CreateTemp(dir, "klyrscan-validate-*")
	if err != nil {
		return err
	}
	name := file.Name()
	if err := file.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}
