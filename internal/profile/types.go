package profile

// Kind selects the scan entry point a profile runs under.
type Kind string

const (
	Passive Kind = "passive"
	Active  Kind = "active"
)

// Condition combines a list of operands.
type Condition string

const (
	And Condition = "and"
	Or  Condition = "or"
)

// Part names the message location a matcher inspects.
type Part string

const (
	PartURL            Part = "url"
	PartHost           Part = "host"
	PartPort           Part = "port"
	PartPath           Part = "path"
	PartQuery          Part = "query"
	PartMethod         Part = "method"
	PartContentType    Part = "content_type"
	PartContentLength  Part = "content_length"
	PartRequest        Part = "request"
	PartRequestBody    Part = "request_body"
	PartRequestHeader  Part = "request_header"
	PartStatus         Part = "status"
	PartResponseTime   Part = "response_time"
	PartResponseType   Part = "response_type"
	PartResponse       Part = "response"
	PartResponseBody   Part = "response_body"
	PartResponseHeader Part = "response_header"
)

var requestParts = map[Part]bool{
	PartURL:           true,
	PartHost:          true,
	PartPort:          true,
	PartPath:          true,
	PartQuery:         true,
	PartMethod:        true,
	PartContentType:   true,
	PartContentLength: true,
	PartRequest:       true,
	PartRequestBody:   true,
	PartRequestHeader: true,
}

var responseParts = map[Part]bool{
	PartStatus:         true,
	PartResponseTime:   true,
	PartResponseType:   true,
	PartResponse:       true,
	PartResponseBody:   true,
	PartResponseHeader: true,
}

// IsRequest reports whether the part is read from the request side.
func (p Part) IsRequest() bool {
	return requestParts[p]
}

func (p Part) IsValid() bool {
	return requestParts[p] || responseParts[p]
}

// IsRange reports whether matcher values for the part are "i-j" ranges.
func (p Part) IsRange() bool {
	return p == PartContentLength || p == PartResponseTime
}

type MatcherType string

const (
	Word  MatcherType = "word"
	Regex MatcherType = "regex"
	DSL   MatcherType = "dsl"
)

// PayloadPart restricts which insertion points a payload applies to.
type PayloadPart string

const (
	PayloadAny   PayloadPart = "any"
	PayloadPath  PayloadPart = "path"
	PayloadQuery PayloadPart = "query"
	PayloadJSON  PayloadPart = "json"
)

type PayloadMode string

const (
	ModeReplace PayloadMode = "replace"
	ModeAppend  PayloadMode = "append"
	ModePrepend PayloadMode = "prepend"
)

type Profile struct {
	Name           string            `yaml:"name"`
	Kind           Kind              `yaml:"type"`
	Detail         Detail            `yaml:"detail"`
	Variables      map[string]string `yaml:"variables"`
	Rules          []Rule            `yaml:"rules"`
	RulesCondition Condition         `yaml:"rulesCondition"`
	// Greedy evaluates every rule even after the outcome is known.
	Greedy bool `yaml:"greedy"`

	source string `yaml:"-"`
}

type Detail struct {
	Description string     `yaml:"description"`
	Severity    Severity   `yaml:"severity"`
	Confidence  Confidence `yaml:"confidence"`
	Links       []string   `yaml:"links"`
}

type Rule struct {
	Payload           *PayloadSpec     `yaml:"payload"`
	Headers           []HeaderOverride `yaml:"headers"`
	Matchers          []Matcher        `yaml:"matchers"`
	MatchersCondition Condition        `yaml:"matchersCondition"`
	Greedy            bool             `yaml:"greedy"`
}

type HeaderOverride struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

type Matcher struct {
	Part          Part        `yaml:"part"`
	Type          MatcherType `yaml:"type"`
	Values        []string    `yaml:"values"`
	Greedy        bool        `yaml:"greedy"`
	Negative      bool        `yaml:"negative"`
	CaseSensitive bool        `yaml:"caseSensitive"`
	Condition     Condition   `yaml:"condition"`
}

// PayloadSpec describes the values injected at an insertion point. Inside a
// value "{}" stands for the insertion point's original value.
type PayloadSpec struct {
	Part   PayloadPart `yaml:"part"`
	Mode   PayloadMode `yaml:"mode"`
	OOB    bool        `yaml:"oob"`
	Values []string    `yaml:"values"`
}

// Source is the file the profile was loaded from, if any.
func (p *Profile) Source() string {
	return p.source
}

// SplitMatchers partitions matchers into request-side and response-side lists.
func (r *Rule) SplitMatchers() (request, response []Matcher) {
	for _, m := range r.Matchers {
		if m.Part.IsRequest() {
			request = append(request, m)
		} else {
			response = append(response, m)
		}
	}
	return request, response
}

func (p *Profile) applyDefaults() {
	if p.RulesCondition == "" {
		p.RulesCondition = And
	}
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.MatchersCondition == "" {
			r.MatchersCondition = And
		}
		for j := range r.Matchers {
			m := &r.Matchers[j]
			if m.Type == "" {
				m.Type = Word
			}
			if m.Condition == "" {
				m.Condition = Or
			}
		}
		if r.Payload != nil {
			if r.Payload.Part == "" {
				r.Payload.Part = PayloadAny
			}
			if r.Payload.Mode == "" {
				r.Payload.Mode = ModeReplace
			}
		}
	}
	if p.Detail.Confidence == "" {
		p.Detail.Confidence = Tentative
	}
}
