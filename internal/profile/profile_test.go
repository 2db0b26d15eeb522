package profile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klyr/klyrscan/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const phpProfile = `
name: php-powered-by
type: passive
detail:
  description: The server discloses its PHP version.
  severity: low
  confidence: firm
  links: [https://owasp.org/www-project-web-security-testing-guide/]
rules:
  - matchers:
      - part: response_header
        values: [X-Powered-By]
      - part: response_time
        values: ["0-5000"]
`

const sqliProfile = `
name: sqli-error
type: active
detail:
  severity: high
variables:
  marker: "{{ .host }}"
rules:
  - payload:
      part: path
      values: ["' OR 1=1"]
    headers:
      - name: X-Scan
        value: "{{ .marker }}"
    matchersCondition: or
    matchers:
      - part: response_body
        type: regex
        values: ["SQL syntax.*?(MySQL|MariaDB)"]
`

func TestParseAppliesDefaults(t *testing.T) {
	profiles, err := Parse([]byte(phpProfile), "php.yaml")
	require.NoError(t, err)
	require.Len(t, profiles, 1)

	p := profiles[0]
	assert.Equal(t, "php-powered-by", p.Name)
	assert.Equal(t, Passive, p.Kind)
	assert.Equal(t, "php.yaml", p.Source())
	assert.Equal(t, And, p.RulesCondition)
	require.Len(t, p.Rules, 1)
	assert.Equal(t, And, p.Rules[0].MatchersCondition)
	assert.Equal(t, Word, p.Rules[0].Matchers[0].Type)
	assert.Equal(t, Or, p.Rules[0].Matchers[0].Condition)
	assert.False(t, p.Rules[0].Matchers[0].CaseSensitive)
	assert.NoError(t, Validate(p))
}

func TestParseMultipleDocuments(t *testing.T) {
	profiles, err := Parse([]byte(phpProfile+"\n---\n"+sqliProfile), "all.yaml")
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	sqli := profiles[1]
	assert.Equal(t, Active, sqli.Kind)
	assert.Equal(t, Tentative, sqli.Detail.Confidence)
	require.NotNil(t, sqli.Rules[0].Payload)
	assert.Equal(t, PayloadPath, sqli.Rules[0].Payload.Part)
	assert.Equal(t, ModeReplace, sqli.Rules[0].Payload.Mode)
	assert.NoError(t, Validate(sqli))
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("name: x\nbogus: 1\n"), "x.yaml")
	assert.Error(t, err)
}

func TestLoadAllReadsDirectoriesInOrder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(sqliProfile), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yml"), []byte(phpProfile), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	profiles, err := LoadAll([]string{dir})
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, "php-powered-by", profiles[0].Name)
	assert.Equal(t, "sqli-error", profiles[1].Name)

	_, err = LoadAll([]string{filepath.Join(dir, "missing.yaml")})
	assert.Error(t, err)
}

func TestValidateReportsProblems(t *testing.T) {
	p := &Profile{
		Name: "broken",
		Kind: Passive,
		Detail: Detail{
			Severity:   "urgent",
			Confidence: Firm,
		},
		RulesCondition: And,
		Rules: []Rule{{
			MatchersCondition: "xor",
			Payload:           &PayloadSpec{Part: PayloadPath, Mode: ModeReplace, Values: []string{"x"}},
			Matchers: []Matcher{
				{Part: PartContentLength, Type: Word, Condition: Or, Values: []string{"bad-range"}},
				{Part: PartResponseBody, Type: Regex, Condition: Or, Values: []string{"("}},
				{Part: "cookie", Type: Word, Condition: Or, Values: []string{"x"}},
				{Part: PartStatus, Type: "fuzzy", Condition: Or, Values: []string{"200"}},
			},
		}},
	}

	err := Validate(p)
	var verr *config.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Problems, 7)
	assert.Contains(t, verr.Problems, "broken: detail.severity must be critical|high|medium|low|info")
	assert.Contains(t, verr.Problems, "broken: rules[0].matchersCondition must be and|or")
	assert.Contains(t, verr.Problems, "broken: rules[0].payload is only allowed on active profiles")
	assert.Contains(t, verr.Problems, "broken: rules[0].matchers[0].values[0] must be a range like 10-100")
	assert.Contains(t, verr.Problems, `broken: rules[0].matchers[2].part "cookie" is unknown`)
	assert.Contains(t, verr.Problems, "broken: rules[0].matchers[3].type must be word|regex|dsl")
}

func TestValidateSkipsTemplatedValues(t *testing.T) {
	p := &Profile{
		Name:           "templated",
		Kind:           Passive,
		Detail:         Detail{Severity: Info, Confidence: Firm},
		RulesCondition: Or,
		Rules: []Rule{{
			MatchersCondition: And,
			Matchers: []Matcher{
				{Part: PartContentLength, Type: Word, Condition: Or, Values: []string{"{{ .range }}"}},
			},
		}},
	}
	assert.NoError(t, Validate(p))
}

func TestPartClassification(t *testing.T) {
	request := []Part{PartURL, PartHost, PartPort, PartPath, PartQuery, PartMethod, PartContentType,
		PartContentLength, PartRequest, PartRequestBody, PartRequestHeader}
	response := []Part{PartStatus, PartResponseTime, PartResponseType, PartResponse, PartResponseBody, PartResponseHeader}

	for _, p := range request {
		assert.True(t, p.IsRequest(), p)
		assert.True(t, p.IsValid(), p)
	}
	for _, p := range response {
		assert.False(t, p.IsRequest(), p)
		assert.True(t, p.IsValid(), p)
	}
	assert.Len(t, append(request, response...), 17)

	rule := Rule{Matchers: []Matcher{{Part: PartPath}, {Part: PartStatus}, {Part: PartHost}}}
	req, resp := rule.SplitMatchers()
	assert.Len(t, req, 2)
	assert.Len(t, resp, 1)
}

func TestBundledProfilesValidate(t *testing.T) {
	profiles, err := LoadAll([]string{filepath.Join("..", "..", "profiles")})
	require.NoError(t, err)
	require.Len(t, profiles, 3)
	for _, p := range profiles {
		assert.NoError(t, Validate(p), p.Name)
	}
}
