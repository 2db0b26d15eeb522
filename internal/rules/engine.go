package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klyr/klyrscan/internal/config"
	"github.com/klyr/klyrscan/internal/httpmsg"
	"github.com/klyr/klyrscan/internal/profile"
)

var (
	ErrUnsupportedMatcherType = errors.New("rules: unsupported matcher type")
	ErrInvalidPattern         = errors.New("rules: invalid regex")
	ErrInvalidDSL             = errors.New("rules: invalid dsl expression")
)

// Engine evaluates matchers against exchanges. It is safe for concurrent use;
// the exchanges it marks are not.
type Engine struct {
	regexes regexCache
	dsl     dslCache
}

func NewEngine() *Engine {
	return &Engine{}
}

// Match evaluates m against ex for each resolved value under the matcher's
// own condition. Markers are recorded on the exchange as a side effect and
// are kept even when negation flips the result.
func (e *Engine) Match(ex *httpmsg.Exchange, m *profile.Matcher, values []string) (bool, error) {
	return Evaluate(m.Condition, values, m.Greedy, func(value string) (bool, error) {
		ok, err := e.matchValue(ex, m, value)
		if err != nil {
			return false, err
		}
		if m.Negative {
			return !ok, nil
		}
		return ok, nil
	})
}

func (e *Engine) matchValue(ex *httpmsg.Exchange, m *profile.Matcher, value string) (bool, error) {
	switch m.Type {
	case profile.Word:
		return e.matchWord(ex, m.Part, value, m.CaseSensitive)
	case profile.Regex:
		return e.matchRegex(ex, m.Part, value, m.CaseSensitive)
	case profile.DSL:
		return e.matchDSL(ex, value)
	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedMatcherType, m.Type)
	}
}

func (e *Engine) matchWord(ex *httpmsg.Exchange, part profile.Part, value string, caseSensitive bool) (bool, error) {
	switch part {
	case profile.PartPort, profile.PartStatus:
		return partText(ex, part) == value, nil
	case profile.PartContentLength, profile.PartResponseTime:
		return httpmsg.CheckRange(partNumber(ex, part), value)
	}
	if view, scope, ok := partView(ex, part); ok {
		return view.Mark(value, caseSensitive, scope), nil
	}
	if text, ok := textPart(ex, part); ok {
		return contains(text, value, caseSensitive), nil
	}
	return false, fmt.Errorf("unknown part %q", part)
}

func (e *Engine) matchRegex(ex *httpmsg.Exchange, part profile.Part, value string, caseSensitive bool) (bool, error) {
	// ranges are never treated as patterns
	if part.IsRange() {
		return httpmsg.CheckRange(partNumber(ex, part), value)
	}
	re, err := e.regexes.get(value, caseSensitive)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	if view, scope, ok := partView(ex, part); ok {
		return view.MarkRegex(re, scope), nil
	}
	if text, ok := textPart(ex, part); ok {
		return re.MatchString(text), nil
	}
	if part == profile.PartPort || part == profile.PartStatus {
		return re.MatchString(partText(ex, part)), nil
	}
	return false, fmt.Errorf("unknown part %q", part)
}

// CompileProfile compiles every literal regex and dsl value of p so that
// configuration errors surface before scanning.
func (e *Engine) CompileProfile(p *profile.Profile) error {
	v := &config.ValidationError{}
	for i, rule := range p.Rules {
		for j, m := range rule.Matchers {
			for _, value := range m.Values {
				if strings.Contains(value, "{{") {
					continue
				}
				var err error
				switch {
				case m.Type == profile.Regex && !m.Part.IsRange():
					_, err = e.regexes.get(value, m.CaseSensitive)
				case m.Type == profile.DSL:
					_, err = e.dsl.get(value)
				}
				if err != nil {
					v.Add("%s: rules[%d].matchers[%d] %q: %v", p.Name, i, j, value, err)
				}
			}
		}
	}
	return v.Err()
}

func textPart(ex *httpmsg.Exchange, part profile.Part) (string, bool) {
	switch part {
	case profile.PartURL, profile.PartHost, profile.PartPath, profile.PartQuery,
		profile.PartMethod, profile.PartContentType, profile.PartResponseType:
		return partText(ex, part), true
	}
	return "", false
}

func partText(ex *httpmsg.Exchange, part profile.Part) string {
	switch part {
	case profile.PartURL:
		return ex.URL()
	case profile.PartHost:
		return ex.Host()
	case profile.PartPort:
		return ex.Port()
	case profile.PartPath:
		return ex.Request.Path()
	case profile.PartQuery:
		return ex.Request.Query()
	case profile.PartMethod:
		return ex.Request.Method
	case profile.PartContentType:
		return ex.Request.ContentType()
	case profile.PartStatus:
		return ex.Status()
	case profile.PartResponseType:
		return ex.ResponseType()
	}
	return ""
}

func partNumber(ex *httpmsg.Exchange, part profile.Part) int64 {
	switch part {
	case profile.PartContentLength:
		return ex.Request.ContentLength()
	case profile.PartResponseTime:
		return ex.ResponseTime
	}
	return 0
}

func partView(ex *httpmsg.Exchange, part profile.Part) (*httpmsg.View, httpmsg.Scope, bool) {
	switch part {
	case profile.PartRequest:
		return ex.Request.View, httpmsg.ScopeAll, true
	case profile.PartRequestHeader:
		return ex.Request.View, httpmsg.ScopeHeader, true
	case profile.PartRequestBody:
		return ex.Request.View, httpmsg.ScopeBody, true
	case profile.PartResponse:
		return ex.Response.View, httpmsg.ScopeAll, true
	case profile.PartResponseHeader:
		return ex.Response.View, httpmsg.ScopeHeader, true
	case profile.PartResponseBody:
		return ex.Response.View, httpmsg.ScopeBody, true
	}
	return nil, 0, false
}

func contains(text, value string, caseSensitive bool) bool {
	if caseSensitive {
		return strings.Contains(text, value)
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(value))
}
