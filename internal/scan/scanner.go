// Package scan runs profiles against exchanges: passively on captured
// traffic, actively by mutating a base request at an insertion point.
package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klyr/klyrscan/internal/httpmsg"
	"github.com/klyr/klyrscan/internal/issue"
	"github.com/klyr/klyrscan/internal/observability"
	"github.com/klyr/klyrscan/internal/payload"
	"github.com/klyr/klyrscan/internal/profile"
	"github.com/klyr/klyrscan/internal/resolve"
	"github.com/klyr/klyrscan/internal/rules"
	"github.com/rs/zerolog"
)

var ErrNoTransport = errors.New("scan: active scan requires a transport")

// Transport sends raw request bytes and returns the raw response with the
// round-trip latency.
type Transport interface {
	Send(ctx context.Context, svc httpmsg.Service, request []byte) ([]byte, time.Duration, error)
}

// OOBRegistrar receives findings that are only confirmed once their token
// calls back.
type OOBRegistrar interface {
	Register(token string, pending *issue.Finding)
}

type Scanner struct {
	engine    *rules.Engine
	resolver  resolve.Resolver
	pipeline  *payload.Pipeline
	builder   *issue.Builder
	transport Transport
	oob       OOBRegistrar
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// New returns a scanner. transport may be nil for passive-only use.
func New(engine *rules.Engine, resolver resolve.Resolver, transport Transport) *Scanner {
	if engine == nil {
		engine = rules.NewEngine()
	}
	if resolver == nil {
		resolver = resolve.NewTemplateResolver()
	}
	return &Scanner{
		engine:    engine,
		resolver:  resolver,
		pipeline:  payload.NewPipeline(resolver, nil),
		builder:   issue.NewBuilder(nil),
		transport: transport,
		logger:    zerolog.Nop(),
	}
}

func (s *Scanner) SetLogger(logger zerolog.Logger) {
	s.logger = logger.With().Str("component", "scan").Logger()
}

func (s *Scanner) SetMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

func (s *Scanner) SetAnnotator(annotator issue.Annotator) {
	s.builder = issue.NewBuilder(annotator)
}

// SetOOB enables oob payloads. Without it such payload values are skipped.
func (s *Scanner) SetOOB(registrar OOBRegistrar, tokens payload.Tokens) {
	s.oob = registrar
	s.pipeline = payload.NewPipeline(s.resolver, tokens)
}

// variables resolves the profile's variables on top of the exchange
// builtins.
func (s *Scanner) variables(p *profile.Profile, ex *httpmsg.Exchange) map[string]any {
	vars := resolve.Variables(s.resolver, p.Variables, resolve.Builtins(ex))
	if len(p.Variables) > 0 && s.logger.GetLevel() <= zerolog.DebugLevel {
		resolved := zerolog.Dict()
		for name := range p.Variables {
			resolved.Interface(name, vars[name])
		}
		s.logger.Debug().Str("profile", p.Name).Dict("variables", resolved).Msg("variables resolved")
	}
	return vars
}

// match evaluates matchers against ex under cond. Matcher values are
// resolved first; values that do not resolve are dropped.
func (s *Scanner) match(p *profile.Profile, ex *httpmsg.Exchange, matchers []profile.Matcher, cond profile.Condition, greedy bool, vars map[string]any) (bool, error) {
	return rules.Evaluate(cond, matchers, greedy, func(m profile.Matcher) (bool, error) {
		values := resolve.All(s.resolver, m.Values, vars)
		ok, err := s.engine.Match(ex, &m, values)
		if err != nil {
			return false, fmt.Errorf("%s: %s %s matcher: %w", p.Name, m.Part, m.Type, err)
		}
		return ok, nil
	})
}

func (s *Scanner) report(p *profile.Profile, f *issue.Finding) *issue.Finding {
	s.metrics.ObserveFinding(p.Name, string(f.Severity))
	s.logger.Info().
		Str("profile", p.Name).
		Str("url", f.URL).
		Str("severity", string(f.Severity)).
		Str("insertion_point", f.InsertionPoint).
		Msg("finding")
	return f
}
