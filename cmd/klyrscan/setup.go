package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/klyr/klyrscan/internal/config"
	"github.com/klyr/klyrscan/internal/httpmsg"
	"github.com/klyr/klyrscan/internal/issue"
	"github.com/klyr/klyrscan/internal/logging"
	"github.com/klyr/klyrscan/internal/observability"
	"github.com/klyr/klyrscan/internal/policy"
	"github.com/klyr/klyrscan/internal/profile"
	"github.com/klyr/klyrscan/internal/rules"
	"github.com/klyr/klyrscan/internal/scan"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type commonOptions struct {
	configPath string
	profiles   []string
}

func (o *commonOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringSliceVarP(&o.profiles, "profile", "p", nil, "Profile file or directory, overrides the config (repeatable)")
}

func (o *commonOptions) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		cfg, err = config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadProfiles loads, validates and compiles every profile. All problems are
// reported together.
func (o *commonOptions) loadProfiles(cfg *config.Config) ([]*profile.Profile, *rules.Engine, error) {
	paths := o.profiles
	if len(paths) == 0 {
		paths = cfg.ProfilePaths()
	}
	if len(paths) == 0 {
		return nil, nil, errors.New("no profiles configured: use --profile or the profiles config key")
	}

	profiles, err := profile.LoadAll(paths)
	if err != nil {
		return nil, nil, err
	}

	engine := rules.NewEngine()
	v := &config.ValidationError{}
	for _, p := range profiles {
		if err := profile.Validate(p); err != nil {
			if !v.Merge(err) {
				return nil, nil, err
			}
			continue
		}
		if err := engine.CompileProfile(p); err != nil && !v.Merge(err) {
			return nil, nil, err
		}
	}
	if err := v.Err(); err != nil {
		return nil, nil, err
	}
	return profiles, engine, nil
}

// app holds what every scanning command sets up from the configuration.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	profiles []*profile.Profile
	engine   *rules.Engine
	metrics  *observability.Metrics
	findings *logging.FindingLogger

	mu      sync.Mutex
	emitted []*issue.Finding

	closers []func() error
}

func newApp(cmd *cobra.Command, opts *commonOptions) (*app, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}

	logCfg := cfg.Logging
	logCfg.File = cfg.ResolvePath(logCfg.File)
	logger, closeLog, err := logging.New(logCfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, closers: []func() error{closeLog}}

	a.profiles, a.engine, err = opts.loadProfiles(cfg)
	if err != nil {
		_ = a.close()
		return nil, err
	}

	if cfg.Logging.FindingsLog != "" {
		findings, closeFindings, err := logging.OpenFindingLog(cfg.ResolvePath(cfg.Logging.FindingsLog))
		if err != nil {
			_ = a.close()
			return nil, err
		}
		a.findings = findings
		a.closers = append(a.closers, closeFindings)
	} else {
		a.findings = logging.NewFindingLogger(cmd.OutOrStdout())
	}

	if cfg.Metrics.Enabled {
		a.startMetricsServer()
	}

	logger.Debug().Int("profiles", len(a.profiles)).Msg("profiles loaded")
	return a, nil
}

func (a *app) startMetricsServer() {
	reg := prometheus.NewRegistry()
	a.metrics = observability.NewMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler(reg))

	srv := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Str("listen", a.cfg.Metrics.Listen).Msg("metrics server stopped")
		}
	}()
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}

func (a *app) scanner(transport scan.Transport) *scan.Scanner {
	s := scan.New(a.engine, nil, transport)
	s.SetLogger(a.logger)
	s.SetMetrics(a.metrics)
	return s
}

// emit appends f to the findings log. Out-of-band findings arrive from the
// polling goroutine.
func (a *app) emit(f *issue.Finding) {
	a.mu.Lock()
	a.emitted = append(a.emitted, f)
	a.mu.Unlock()
	if err := a.findings.Write(f); err != nil {
		a.logger.Error().Err(err).Str("finding", f.Name).Msg("write finding")
	}
}

func (a *app) gate(g policy.Gate) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return g.Check(a.emitted)
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// exchangeOptions names the captured request/response files and the service
// they were sent to.
type exchangeOptions struct {
	requestPath  string
	responsePath string
	target       string
}

func (o *exchangeOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.requestPath, "request", "", "Path to the raw HTTP request")
	cmd.Flags().StringVar(&o.responsePath, "response", "", "Path to the raw HTTP response")
	cmd.Flags().StringVar(&o.target, "target", "", "Service the request was sent to (e.g. https://shop.example)")
}

func (o *exchangeOptions) load(requireResponse bool) (httpmsg.Service, []byte, []byte, error) {
	if o.requestPath == "" {
		return httpmsg.Service{}, nil, nil, errors.New("request path is required")
	}
	if o.target == "" {
		return httpmsg.Service{}, nil, nil, errors.New("target is required")
	}
	if requireResponse && o.responsePath == "" {
		return httpmsg.Service{}, nil, nil, errors.New("response path is required")
	}

	svc, err := httpmsg.ParseService(o.target)
	if err != nil {
		return httpmsg.Service{}, nil, nil, fmt.Errorf("invalid target: %w", err)
	}
	request, err := os.ReadFile(o.requestPath)
	if err != nil {
		return httpmsg.Service{}, nil, nil, fmt.Errorf("read request: %w", err)
	}
	var response []byte
	if o.responsePath != "" {
		response, err = os.ReadFile(o.responsePath)
		if err != nil {
			return httpmsg.Service{}, nil, nil, fmt.Errorf("read response: %w", err)
		}
	}
	return svc, request, response, nil
}
