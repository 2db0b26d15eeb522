package scan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klyr/klyrscan/internal/httpmsg"
	"github.com/klyr/klyrscan/internal/issue"
	"github.com/klyr/klyrscan/internal/observability"
	"github.com/klyr/klyrscan/internal/payload"
	"github.com/klyr/klyrscan/internal/profile"
	"github.com/klyr/klyrscan/internal/rules"
	"github.com/rs/zerolog"
)

// activeRun is the state of one Active call.
type activeRun struct {
	s     *Scanner
	ctx   context.Context
	p     *profile.Profile
	base  *httpmsg.Exchange
	point payload.InsertionPoint
	vars  map[string]any

	// evidence is the last variant whose response matched.
	evidence *httpmsg.Exchange
}

// Active evaluates an active profile at one insertion point of base. For
// each rule the request-side matchers run against base first; only then are
// the payload variants sent, and the rule holds when any variant's
// response-side matchers hold. It returns nil when the profile does not fire
// or is not active.
func (s *Scanner) Active(ctx context.Context, p *profile.Profile, base *httpmsg.Exchange, point payload.InsertionPoint) (*issue.Finding, error) {
	if p.Kind != profile.Active {
		return nil, nil
	}
	if s.transport == nil {
		return nil, ErrNoTransport
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.metrics.ObserveScan(p.Name, string(p.Kind))
	s.dumpActive(p, base, point)

	run := &activeRun{s: s, ctx: ctx, p: p, base: base, point: point, vars: s.variables(p, base)}
	pass, err := rules.Evaluate(p.RulesCondition, p.Rules, p.Greedy, run.rule)
	if err != nil || !pass {
		return nil, err
	}

	ex := run.evidence
	if ex == nil {
		ex = base
	}
	f, err := s.builder.Build(p, ex, issue.BuildOptions{InsertionPoint: point.Name()})
	if err != nil {
		return nil, err
	}
	return s.report(p, f), nil
}

func (r *activeRun) rule(rule profile.Rule) (bool, error) {
	request, response := rule.SplitMatchers()

	pre, err := r.s.match(r.p, r.base, request, rule.MatchersCondition, rule.Greedy, r.vars)
	if err != nil {
		return false, err
	}
	if !pre && len(request) > 0 {
		return false, nil
	}

	checks, ok := r.s.pipeline.Expand(rule.Payload, r.point, r.vars, rule.Headers)
	if !ok {
		return false, nil
	}

	return rules.Evaluate(profile.Or, checks, false, func(check payload.CheckRequest) (bool, error) {
		return r.variant(rule, response, check)
	})
}

// variant sends one check request and evaluates the response-side matchers
// against the new exchange. Transport failures make the variant false, but an
// oob token in the request is still registered: the payload may have reached
// the target before the failure.
func (r *activeRun) variant(rule profile.Rule, response []profile.Matcher, check payload.CheckRequest) (bool, error) {
	s := r.s
	if err := r.ctx.Err(); err != nil {
		return false, err
	}

	raw, latency, err := s.transport.Send(r.ctx, r.base.Service, check.Bytes)
	if err != nil {
		if r.ctx.Err() != nil {
			return false, r.ctx.Err()
		}
		s.metrics.ObserveCheckRequest(r.p.Name, observability.OutcomeError, latency)
		s.logger.Debug().Err(err).Str("profile", r.p.Name).Str("insertion_point", r.point.Name()).
			Str("payload", check.Payload).Msg("check request failed")
		return false, r.register(check, r.exchange(check, nil, latency))
	}

	ex := r.exchange(check, raw, latency)
	if err := r.register(check, ex); err != nil {
		return false, err
	}

	var ok bool
	if len(response) == 0 {
		// Callback-only payloads are confirmed by the oob registry.
		ok = check.OOBID == ""
	} else {
		ok, err = s.match(r.p, ex, response, rule.MatchersCondition, rule.Greedy, r.vars)
		if err != nil {
			return false, err
		}
	}

	outcome := observability.OutcomeNoMatch
	switch {
	case ok:
		outcome = observability.OutcomeMatched
		r.evidence = ex
	case check.OOBID != "":
		outcome = observability.OutcomeDeferred
	}
	s.metrics.ObserveCheckRequest(r.p.Name, outcome, latency)
	s.logger.Debug().Str("profile", r.p.Name).Str("insertion_point", r.point.Name()).
		Str("payload", check.Payload).Int("status", ex.Response.StatusCode).
		Int64("response_time_ms", ex.ResponseTime).Bool("matched", ok).Msg("check request")
	return ok, nil
}

// exchange pairs a check request with its response. The payload is marked and
// the base request's markers are moved to where their bytes ended up.
func (r *activeRun) exchange(check payload.CheckRequest, raw []byte, latency time.Duration) *httpmsg.Exchange {
	ex := httpmsg.NewExchange(r.base.Service, check.Bytes, raw)
	ex.ResponseTime = latency.Milliseconds()
	ex.Request.AddMarker(check.PayloadOffset)
	for _, m := range relocateMarkers(r.base.Request.Bytes(), check.Bytes, r.base.Request.Markers(), r.point.Span(), check.PayloadOffset) {
		ex.Request.AddMarker(m)
	}
	return ex
}

func (r *activeRun) register(check payload.CheckRequest, ex *httpmsg.Exchange) error {
	if check.OOBID == "" || r.s.oob == nil {
		return nil
	}
	pending, err := r.s.builder.Build(r.p, ex, issue.BuildOptions{InsertionPoint: r.point.Name(), OOBID: check.OOBID})
	if err != nil {
		return err
	}
	r.s.oob.Register(check.OOBID, pending)
	r.s.metrics.ObserveOOBRegistration(r.p.Name)
	return nil
}

// relocateMarkers maps markers of base onto mutated, where span of base was
// replaced by injected. Markers after span move by the size change; markers
// overlapping span are dropped, as are any whose bytes differ after the move
// (a header override changed them).
func relocateMarkers(base, mutated []byte, markers []httpmsg.Range, span, injected httpmsg.Range) []httpmsg.Range {
	shift := injected.End - span.End
	var out []httpmsg.Range
	for _, m := range markers {
		moved := m
		switch {
		case m.End <= span.Start:
		case m.Start >= span.End:
			moved = httpmsg.Range{Start: m.Start + shift, End: m.End + shift}
		default:
			continue
		}
		if moved.Start < 0 || moved.End > len(mutated) || !bytes.Equal(base[m.Start:m.End], mutated[moved.Start:moved.End]) {
			continue
		}
		out = append(out, moved)
	}
	return out
}

// ScanActive runs every active profile against each insertion point of the
// base request, or only the named one when pointName is set. Each
// (profile, insertion point) pair gets a fresh base exchange.
func (s *Scanner) ScanActive(ctx context.Context, profiles []*profile.Profile, svc httpmsg.Service, request, response []byte, pointName string) ([]*issue.Finding, error) {
	var points []payload.InsertionPoint
	if pointName != "" {
		point, err := payload.Lookup(request, pointName)
		if err != nil {
			return nil, err
		}
		points = []payload.InsertionPoint{point}
	} else {
		points = payload.Points(request, profile.PayloadAny)
	}

	var findings []*issue.Finding
	var errs []error
	for _, p := range profiles {
		if p.Kind != profile.Active {
			continue
		}
		for _, point := range points {
			f, err := s.Active(ctx, p, httpmsg.NewExchange(svc, request, response), point)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, ErrNoTransport) {
					return issue.Consolidate(findings), err
				}
				errs = append(errs, fmt.Errorf("active %s at %s: %w", p.Name, point.Name(), err))
				break
			}
			if f != nil {
				findings = append(findings, f)
			}
		}
	}
	return issue.Consolidate(findings), errors.Join(errs...)
}

func (s *Scanner) dumpActive(p *profile.Profile, base *httpmsg.Exchange, point payload.InsertionPoint) {
	if s.logger.GetLevel() > zerolog.DebugLevel {
		return
	}
	s.logger.Debug().
		Str("profile", p.Name).
		Str("url", base.URL()).
		Int("status", base.Response.StatusCode).
		Str("base_value", point.BaseValue()).
		Str("insertion_point", point.Name()).
		Str("insertion_point_type", string(point.Part())).
		Msg("active scan")
}
