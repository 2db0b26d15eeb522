package scan

import (
	"context"
	"errors"
	"fmt"

	"github.com/klyr/klyrscan/internal/httpmsg"
	"github.com/klyr/klyrscan/internal/issue"
	"github.com/klyr/klyrscan/internal/profile"
	"github.com/klyr/klyrscan/internal/rules"
	"github.com/rs/zerolog"
)

// Passive evaluates a passive profile against ex. It returns nil when the
// profile does not fire or is not passive. Markers are recorded on ex.
func (s *Scanner) Passive(ctx context.Context, p *profile.Profile, ex *httpmsg.Exchange) (*issue.Finding, error) {
	if p.Kind != profile.Passive {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.metrics.ObserveScan(p.Name, string(p.Kind))
	s.dumpPassive(p, ex)

	vars := s.variables(p, ex)
	pass, err := rules.Evaluate(p.RulesCondition, p.Rules, p.Greedy, func(r profile.Rule) (bool, error) {
		return s.match(p, ex, r.Matchers, r.MatchersCondition, r.Greedy, vars)
	})
	if err != nil || !pass {
		return nil, err
	}

	f, err := s.builder.Build(p, ex, issue.BuildOptions{})
	if err != nil {
		return nil, err
	}
	return s.report(p, f), nil
}

// ScanPassive runs every passive profile against one captured exchange,
// each on its own copy of the messages. A failing profile does not stop the
// others; its error is returned joined with the rest.
func (s *Scanner) ScanPassive(ctx context.Context, profiles []*profile.Profile, svc httpmsg.Service, request, response []byte, responseTime int64) ([]*issue.Finding, error) {
	var findings []*issue.Finding
	var errs []error
	for _, p := range profiles {
		if p.Kind != profile.Passive {
			continue
		}
		ex := httpmsg.NewExchange(svc, request, response)
		ex.ResponseTime = responseTime

		f, err := s.Passive(ctx, p, ex)
		if err != nil {
			if ctx.Err() != nil {
				return issue.Consolidate(findings), err
			}
			errs = append(errs, fmt.Errorf("passive %s: %w", p.Name, err))
			continue
		}
		if f != nil {
			findings = append(findings, f)
		}
	}
	return issue.Consolidate(findings), errors.Join(errs...)
}

func (s *Scanner) dumpPassive(p *profile.Profile, ex *httpmsg.Exchange) {
	if s.logger.GetLevel() > zerolog.DebugLevel {
		return
	}
	s.logger.Debug().
		Str("profile", p.Name).
		Int("request_size", ex.Request.Len()).
		Int("response_size", ex.Response.Len()).
		Str("content_type", ex.Request.ContentType()).
		Str("url", ex.URL()).
		Str("method", ex.Request.Method).
		Int("status", ex.Response.StatusCode).
		Str("response_type", ex.ResponseType()).
		Msg("passive scan")
}
