package rules

import (
	"errors"
	"testing"

	"github.com/klyr/klyrscan/internal/config"
	"github.com/klyr/klyrscan/internal/httpmsg"
	"github.com/klyr/klyrscan/internal/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRequest = "GET /shop/item?id=7 HTTP/1.1\r\n" +
		"Host: shop.example\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"hello"
	testResponse = "HTTP/1.1 500 Internal Server Error\r\n" +
		"Content-Type: text/html\r\n" +
		"x-powered-by: PHP/7.4\r\n" +
		"\r\n" +
		"<b>You have an error in your SQL syntax; check the manual that corresponds to your MySQL server</b>"
)

func newExchange(t *testing.T) *httpmsg.Exchange {
	t.Helper()
	ex := httpmsg.NewExchange(httpmsg.Service{Host: "shop.example", Port: 8080}, []byte(testRequest), []byte(testResponse))
	ex.ResponseTime = 120
	return ex
}

func matcher(part profile.Part, typ profile.MatcherType, values ...string) *profile.Matcher {
	return &profile.Matcher{Part: part, Type: typ, Values: values, Condition: profile.Or}
}

func TestWordMatcherParts(t *testing.T) {
	cases := []struct {
		part  profile.Part
		value string
		want  bool
	}{
		{profile.PartURL, "shop.example:8080/shop", true},
		{profile.PartHost, "SHOP", true},
		{profile.PartPort, "8080", true},
		{profile.PartPort, "80", false},
		{profile.PartPath, "/item", true},
		{profile.PartQuery, "id=7", true},
		{profile.PartMethod, "get", true},
		{profile.PartContentType, "text/plain", true},
		{profile.PartContentLength, "1-10", true},
		{profile.PartContentLength, "6-10", false},
		{profile.PartStatus, "500", true},
		{profile.PartStatus, "50", false},
		{profile.PartResponseTime, "100-200", true},
		{profile.PartResponseType, "html", true},
		{profile.PartRequestBody, "hello", true},
		{profile.PartRequestHeader, "hello", false},
		{profile.PartResponseBody, "MySQL", true},
		{profile.PartResponseHeader, "MySQL", false},
		{profile.PartResponse, "php/7.4", true},
		{profile.PartRequest, "Host:", true},
	}

	e := NewEngine()
	for _, tc := range cases {
		ex := newExchange(t)
		m := matcher(tc.part, profile.Word, tc.value)
		got, err := e.Match(ex, m, m.Values)
		require.NoError(t, err, "%s %s", tc.part, tc.value)
		assert.Equal(t, tc.want, got, "%s %s", tc.part, tc.value)
	}
}

func TestWordMatcherMarksResponseHeader(t *testing.T) {
	e := NewEngine()
	ex := newExchange(t)
	m := matcher(profile.PartResponseHeader, profile.Word, "X-Powered-By")

	ok, err := e.Match(ex, m, m.Values)
	require.NoError(t, err)
	require.True(t, ok)

	markers := ex.Response.Markers()
	require.Len(t, markers, 1)
	assert.Equal(t, "x-powered-by", ex.Response.Full()[markers[0].Start:markers[0].End])
	assert.Empty(t, ex.Request.Markers())
}

func TestWordMatcherCaseSensitive(t *testing.T) {
	e := NewEngine()
	ex := newExchange(t)
	m := matcher(profile.PartResponseHeader, profile.Word, "X-Powered-By")
	m.CaseSensitive = true

	ok, err := e.Match(ex, m, m.Values)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegexPortAndStatusUseContainment(t *testing.T) {
	e := NewEngine()
	ex := newExchange(t)

	word := matcher(profile.PartStatus, profile.Word, "50")
	ok, err := e.Match(ex, word, word.Values)
	require.NoError(t, err)
	assert.False(t, ok)

	re := matcher(profile.PartStatus, profile.Regex, "50")
	ok, err = e.Match(ex, re, re.Values)
	require.NoError(t, err)
	assert.True(t, ok)

	port := matcher(profile.PartPort, profile.Regex, "^80")
	ok, err = e.Match(ex, port, port.Values)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRegexMatcherMarksFirstGroup(t *testing.T) {
	e := NewEngine()
	ex := newExchange(t)
	m := matcher(profile.PartResponseBody, profile.Regex, `SQL syntax.*?(mysql|mariadb)`)

	ok, err := e.Match(ex, m, m.Values)
	require.NoError(t, err)
	require.True(t, ok)

	markers := ex.Response.Markers()
	require.Len(t, markers, 1)
	assert.Equal(t, "MySQL", ex.Response.Full()[markers[0].Start:markers[0].End])
}

func TestRegexMatcherRangeStaysLiteral(t *testing.T) {
	e := NewEngine()
	ex := newExchange(t)
	m := matcher(profile.PartResponseTime, profile.Regex, "100-200")

	ok, err := e.Match(ex, m, m.Values)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMatcherGreedyCollectsEveryValue(t *testing.T) {
	e := NewEngine()

	lazy := newExchange(t)
	m := matcher(profile.PartResponseBody, profile.Word, "error", "MySQL")
	ok, err := e.Match(lazy, m, m.Values)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, lazy.Response.Markers(), 1)

	greedy := newExchange(t)
	m.Greedy = true
	ok, err = e.Match(greedy, m, m.Values)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, greedy.Response.Markers(), 2)
}

func TestNegativeMatcherKeepsMarkers(t *testing.T) {
	e := NewEngine()
	ex := newExchange(t)
	m := matcher(profile.PartResponseBody, profile.Word, "MySQL")
	m.Negative = true

	ok, err := e.Match(ex, m, m.Values)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, ex.Response.Markers(), 1)

	absent := matcher(profile.PartResponseBody, profile.Word, "Oracle")
	absent.Negative = true
	ok, err = e.Match(ex, absent, absent.Values)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMatcherAndOverValues(t *testing.T) {
	e := NewEngine()
	ex := newExchange(t)
	m := matcher(profile.PartResponseBody, profile.Word, "MySQL", "Oracle")
	m.Condition = profile.And

	ok, err := e.Match(ex, m, m.Values)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMalformedRangePropagates(t *testing.T) {
	e := NewEngine()
	ex := newExchange(t)
	m := matcher(profile.PartContentLength, profile.Word, "bad-range")

	_, err := e.Match(ex, m, m.Values)
	assert.True(t, errors.Is(err, httpmsg.ErrMalformedRange))
}

func TestUnsupportedMatcherType(t *testing.T) {
	e := NewEngine()
	ex := newExchange(t)
	m := matcher(profile.PartStatus, profile.MatcherType("binary"), "00")

	_, err := e.Match(ex, m, m.Values)
	assert.True(t, errors.Is(err, ErrUnsupportedMatcherType))
}

func TestDSLMatcher(t *testing.T) {
	cases := []struct {
		expr string
		want bool
	}{
		{"status == 500 && contains(response_body, 'SQL syntax')", true},
		{"method == 'POST'", false},
		{"response_time < 100", false},
		{"icontains(response_header, 'X-POWERED-BY') && port == 8080", true},
		{"len(request_body) == 5", true},
		{"path =~ '^/shop/'", true},
	}

	e := NewEngine()
	for _, tc := range cases {
		ex := newExchange(t)
		m := matcher(profile.PartResponse, profile.DSL, tc.expr)
		got, err := e.Match(ex, m, m.Values)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
		assert.Empty(t, ex.Response.Markers(), tc.expr)
	}
}

func TestDSLMatcherErrors(t *testing.T) {
	e := NewEngine()
	for _, expr := range []string{"status ==", "status + 1", "unknown_field == 1"} {
		ex := newExchange(t)
		m := matcher(profile.PartResponse, profile.DSL, expr)
		_, err := e.Match(ex, m, m.Values)
		assert.True(t, errors.Is(err, ErrInvalidDSL), expr)
	}
}

func TestCompileProfile(t *testing.T) {
	p := &profile.Profile{
		Name: "compile",
		Rules: []profile.Rule{{
			Matchers: []profile.Matcher{
				{Part: profile.PartResponseBody, Type: profile.Regex, Values: []string{"ok", "(", "{{ .dynamic }}"}},
				{Part: profile.PartResponse, Type: profile.DSL, Values: []string{"status == 200", "status =="}},
				{Part: profile.PartResponseTime, Type: profile.Regex, Values: []string{"1-2"}},
			},
		}},
	}

	err := NewEngine().CompileProfile(p)
	var verr *config.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Problems, 2)
}

func TestCompileCacheIsBounded(t *testing.T) {
	var c regexCache
	c.limit = 2

	first, err := c.get("a+", true)
	require.NoError(t, err)
	_, err = c.get("b+", true)
	require.NoError(t, err)
	extra, err := c.get("c+", true)
	require.NoError(t, err)
	assert.True(t, extra.MatchString("ccc"))
	assert.Equal(t, 2, c.size())

	again, err := c.get("a+", true)
	require.NoError(t, err)
	assert.Same(t, first, again)

	_, err = c.get("(", true)
	assert.Error(t, err)
	assert.Equal(t, 2, c.size())
}

func TestMatchRegexCacheStaysBounded(t *testing.T) {
	e := NewEngine()
	e.regexes.limit = 1
	m := &profile.Matcher{Type: profile.Regex, Part: profile.PartResponseBody, Condition: profile.Or}

	for _, value := range []string{"SQL", "MySQL", "syntax"} {
		ok, err := e.Match(newExchange(t), m, []string{value})
		require.NoError(t, err)
		assert.True(t, ok, value)
	}
	assert.Equal(t, 1, e.regexes.size())
}
