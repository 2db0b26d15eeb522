package payload

import (
	"strings"

	"github.com/klyr/klyrscan/internal/httpmsg"
	"github.com/klyr/klyrscan/internal/profile"
	"github.com/klyr/klyrscan/internal/resolve"
)

// Tokens issues out-of-band correlation tokens.
type Tokens interface {
	// NewToken returns a unique token and the callback domain that embeds it.
	NewToken() (token, domain string)
}

// CheckRequest is one mutated request ready to send.
type CheckRequest struct {
	Bytes         []byte
	PayloadOffset httpmsg.Range
	Payload       string
	OOBID         string
}

type Pipeline struct {
	resolver resolve.Resolver
	tokens   Tokens
}

// NewPipeline returns a pipeline. tokens may be nil, in which case values of
// oob payloads are skipped.
func NewPipeline(resolver resolve.Resolver, tokens Tokens) *Pipeline {
	return &Pipeline{resolver: resolver, tokens: tokens}
}

// Expand builds the check requests for spec at point. ok is false when spec
// does not apply to the point, which means no request is sent.
func (p *Pipeline) Expand(spec *profile.PayloadSpec, point InsertionPoint, vars map[string]any, headers []profile.HeaderOverride) ([]CheckRequest, bool) {
	if spec == nil || point == nil {
		return nil, false
	}
	if spec.Part != profile.PayloadAny && spec.Part != point.Part() {
		return nil, false
	}

	base := point.BaseValue()
	var out []CheckRequest
	for _, value := range spec.Values {
		local := resolve.With(vars, map[string]any{"base": base})

		var token string
		if spec.OOB {
			if p.tokens == nil {
				continue
			}
			var domain string
			token, domain = p.tokens.NewToken()
			local["oob"] = domain
			local["oob_id"] = token
		}

		resolved, ok := p.resolver.Resolve(value, local)
		if !ok {
			continue
		}
		resolved = strings.ReplaceAll(resolved, "{}", base)

		injected := resolved
		switch spec.Mode {
		case profile.ModeAppend:
			injected = base + resolved
		case profile.ModePrepend:
			injected = resolved + base
		}

		request, offset := point.Build([]byte(injected))
		request, offset = ApplyHeaders(request, p.resolveHeaders(headers, local), offset)

		out = append(out, CheckRequest{
			Bytes:         request,
			PayloadOffset: offset,
			Payload:       injected,
			OOBID:         token,
		})
	}
	return out, true
}

func (p *Pipeline) resolveHeaders(headers []profile.HeaderOverride, vars map[string]any) []profile.HeaderOverride {
	if len(headers) == 0 {
		return nil
	}
	out := make([]profile.HeaderOverride, 0, len(headers))
	for _, h := range headers {
		value, ok := p.resolver.Resolve(h.Value, vars)
		if !ok {
			continue
		}
		out = append(out, profile.HeaderOverride{Name: h.Name, Value: value})
	}
	return out
}
