package logging

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klyr/klyrscan/internal/config"
	"github.com/klyr/klyrscan/internal/httpmsg"
	"github.com/klyr/klyrscan/internal/issue"
	"github.com/klyr/klyrscan/internal/profile"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finding() *issue.Finding {
	resp := []byte("HTTP/1.1 200 OK\r\nX-Powered-By: PHP/7.4\r\n\r\n" + strings.Repeat("a", 100))
	return &issue.Finding{
		ID:         "f-1",
		Name:       "PHP version disclosure",
		URL:        "http://shop.example/",
		Service:    httpmsg.Service{Host: "shop.example", Port: 80},
		Severity:   profile.Low,
		Confidence: profile.Firm,
		Timestamp:  time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC),
		Evidence: issue.Evidence{
			Request:         []byte("GET /?token=abc123 HTTP/1.1\r\n\r\n"),
			Response:        resp,
			RequestMarkers:  []httpmsg.Range{{Start: 4, End: 18}},
			ResponseMarkers: []httpmsg.Range{{Start: 40, End: len(resp)}},
		},
	}
}

func TestFindingLoggerWritesJSONL(t *testing.T) {
	var buf bytes.Buffer
	logger := NewFindingLogger(&buf)

	require.NoError(t, logger.Write(finding()))
	require.NoError(t, logger.Write(finding()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var parsed FindingRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &parsed))
	assert.Equal(t, "f-1", parsed.ID)
	assert.Equal(t, "shop.example", parsed.Host)
	assert.Equal(t, profile.Low, parsed.Severity)
	assert.Equal(t, []string{"/?token=<redacted>"}, parsed.RequestEvidence)
	require.Len(t, parsed.ResponseEvidence, 1)
	assert.Len(t, parsed.ResponseEvidence[0], maxEvidence)
}

func TestNilFindingLogger(t *testing.T) {
	var l *FindingLogger
	assert.NoError(t, l.Write(finding()))
}

func TestOpenFindingLogCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "findings.jsonl")
	logger, closeFn, err := OpenFindingLog(path)
	require.NoError(t, err)
	require.NoError(t, logger.Write(finding()))
	require.NoError(t, closeFn())
	assert.FileExists(t, path)
}

func TestRedactSecrets(t *testing.T) {
	cases := map[string]string{
		"password=hunter2&x=1":                  "password=<redacted>&x=1",
		"Authorization: Bearer abc.def\r\nX: 1": "Authorization: <redacted>\r\nX: 1",
		"Cookie: sid=1; theme=dark":             "Cookie: <redacted>",
		"api-key = 42":                          "api-key=<redacted>",
		"plain text":                            "plain text",
	}
	for in, want := range cases {
		assert.Equal(t, want, RedactSecrets(in), in)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := New(config.LoggingConfig{Level: "warn", Format: config.FormatJSON}, &buf)
	require.NoError(t, err)
	defer closeFn()

	logger.Info().Msg("hidden")
	logger.Warn().Str("k", "v").Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"k":"v"`)
	assert.Contains(t, out, `"service":"klyrscan"`)
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())

	_, _, err = New(config.LoggingConfig{Level: "loud"}, &buf)
	assert.Error(t, err)
}

func TestNewLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.log")
	logger, closeFn, err := New(config.LoggingConfig{Level: "info", Format: config.FormatConsole, File: path}, nil)
	require.NoError(t, err)
	logger.Info().Msg("to file")
	require.NoError(t, closeFn())
	assert.FileExists(t, path)
}
