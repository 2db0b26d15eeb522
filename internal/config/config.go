package config

import "time"

type Config struct {
	ConfigVersion int             `yaml:"configVersion"`
	Profiles      []string        `yaml:"profiles"`
	Transport     TransportConfig `yaml:"transport"`
	OOB           OOBConfig       `yaml:"oob"`
	Logging       LoggingConfig   `yaml:"logging"`
	Metrics       MetricsConfig   `yaml:"metrics"`
	Proxy         ProxyConfig     `yaml:"proxy"`

	baseDir string `yaml:"-"`
}

type TransportConfig struct {
	Timeout            time.Duration `yaml:"timeout"`
	RPS                float64       `yaml:"rps"`
	Burst              int           `yaml:"burst"`
	InsecureSkipVerify bool          `yaml:"insecureSkipVerify"`
}

type OOBConfig struct {
	Enabled      bool          `yaml:"enabled"`
	ServerURL    string        `yaml:"serverURL"`
	SecretKey    string        `yaml:"secretKey"`
	PollInterval time.Duration `yaml:"pollInterval"`
	// Expiry drops registrations that saw no interaction in time.
	Expiry time.Duration `yaml:"expiry"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"maxSizeMB"`
	MaxBackups  int    `yaml:"maxBackups"`
	FindingsLog string `yaml:"findingsLog"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type ProxyConfig struct {
	Listen   string `yaml:"listen"`
	Upstream string `yaml:"upstream"`
	// MaxBodyBytes caps how much of each body is captured for scanning.
	MaxBodyBytes int64 `yaml:"maxBodyBytes"`
}

const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Default returns a configuration usable without a file.
func Default() *Config {
	cfg := &Config{ConfigVersion: 1}
	cfg.ApplyDefaults()
	return cfg
}

func (c *Config) ApplyDefaults() {
	if c.Transport.Timeout <= 0 {
		c.Transport.Timeout = 10 * time.Second
	}
	if c.Transport.RPS > 0 && c.Transport.Burst <= 0 {
		c.Transport.Burst = 1
	}
	if c.OOB.PollInterval <= 0 {
		c.OOB.PollInterval = 5 * time.Second
	}
	if c.OOB.Expiry <= 0 {
		c.OOB.Expiry = 10 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = FormatJSON
	}
	if c.Proxy.MaxBodyBytes <= 0 {
		c.Proxy.MaxBodyBytes = 1 << 20
	}
}

func (c *Config) BaseDir() string {
	return c.baseDir
}

func (c *Config) ResolvePath(path string) string {
	return c.resolvePath(path)
}

// ProfilePaths returns the configured profile locations resolved against the
// config file directory.
func (c *Config) ProfilePaths() []string {
	out := make([]string, 0, len(c.Profiles))
	for _, p := range c.Profiles {
		out = append(out, c.resolvePath(p))
	}
	return out
}
