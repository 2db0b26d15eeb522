package profile

import (
	"errors"
	"regexp"
	"strings"

	"github.com/klyr/klyrscan/internal/config"
	"github.com/klyr/klyrscan/internal/httpmsg"
)

// Validate checks a profile before it is used. Dsl expressions are checked by
// the rules package when they are compiled.
func Validate(p *Profile) error {
	v := &config.ValidationError{}
	name := p.Name
	if name == "" {
		name = "<unnamed>"
		v.Add("%s: name is required", p.source)
	}

	switch p.Kind {
	case Passive, Active:
	default:
		v.Add("%s: type must be passive|active", name)
	}
	if !p.Detail.Severity.IsValid() {
		v.Add("%s: detail.severity must be critical|high|medium|low|info", name)
	}
	if !p.Detail.Confidence.IsValid() {
		v.Add("%s: detail.confidence must be certain|firm|tentative", name)
	}
	if !validCondition(p.RulesCondition) {
		v.Add("%s: rulesCondition must be and|or", name)
	}
	if len(p.Rules) == 0 {
		v.Add("%s: at least one rule is required", name)
	}

	for i, rule := range p.Rules {
		validateRule(v, name, i, p.Kind, rule)
	}

	return v.Err()
}

func validateRule(v *config.ValidationError, name string, i int, kind Kind, rule Rule) {
	if !validCondition(rule.MatchersCondition) {
		v.Add("%s: rules[%d].matchersCondition must be and|or", name, i)
	}
	if len(rule.Matchers) == 0 && (rule.Payload == nil || !rule.Payload.OOB) {
		v.Add("%s: rules[%d] needs matchers or an oob payload", name, i)
	}

	switch {
	case kind == Active && rule.Payload == nil:
		v.Add("%s: rules[%d].payload is required for active profiles", name, i)
	case kind == Passive && rule.Payload != nil:
		v.Add("%s: rules[%d].payload is only allowed on active profiles", name, i)
	case rule.Payload != nil:
		validatePayload(v, name, i, rule.Payload)
	}

	for j, h := range rule.Headers {
		if strings.TrimSpace(h.Name) == "" || strings.ContainsAny(h.Name, ":\r\n") {
			v.Add("%s: rules[%d].headers[%d].name is invalid", name, i, j)
		}
	}

	for j, m := range rule.Matchers {
		validateMatcher(v, name, i, j, m)
	}
}

func validatePayload(v *config.ValidationError, name string, i int, spec *PayloadSpec) {
	switch spec.Part {
	case PayloadAny, PayloadPath, PayloadQuery, PayloadJSON:
	default:
		v.Add("%s: rules[%d].payload.part must be any|path|query|json", name, i)
	}
	switch spec.Mode {
	case ModeReplace, ModeAppend, ModePrepend:
	default:
		v.Add("%s: rules[%d].payload.mode must be replace|append|prepend", name, i)
	}
	if len(spec.Values) == 0 {
		v.Add("%s: rules[%d].payload.values is required", name, i)
	}
}

func validateMatcher(v *config.ValidationError, name string, i, j int, m Matcher) {
	if !m.Part.IsValid() {
		v.Add("%s: rules[%d].matchers[%d].part %q is unknown", name, i, j, m.Part)
	}
	if !validCondition(m.Condition) {
		v.Add("%s: rules[%d].matchers[%d].condition must be and|or", name, i, j)
	}
	if len(m.Values) == 0 {
		v.Add("%s: rules[%d].matchers[%d].values is required", name, i, j)
	}

	switch m.Type {
	case Word, Regex, DSL:
	default:
		v.Add("%s: rules[%d].matchers[%d].type must be word|regex|dsl", name, i, j)
		return
	}

	for k, value := range m.Values {
		if isTemplate(value) {
			continue
		}
		switch {
		case m.Type != DSL && m.Part.IsRange():
			if _, err := httpmsg.CheckRange(0, value); err != nil && errors.Is(err, httpmsg.ErrMalformedRange) {
				v.Add("%s: rules[%d].matchers[%d].values[%d] must be a range like 10-100", name, i, j, k)
			}
		case m.Type == Regex:
			if _, err := regexp.Compile(value); err != nil {
				v.Add("%s: rules[%d].matchers[%d].values[%d] invalid: %v", name, i, j, k, err)
			}
		}
	}
}

func validCondition(c Condition) bool {
	return c == And || c == Or
}

func isTemplate(value string) bool {
	return strings.Contains(value, "{{")
}
