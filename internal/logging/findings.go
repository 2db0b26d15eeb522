package logging

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/klyr/klyrscan/internal/issue"
	"github.com/klyr/klyrscan/internal/profile"
)

const maxEvidence = 64

// FindingRecord is written as a single JSON object per finding.
type FindingRecord struct {
	Timestamp        time.Time          `json:"ts"`
	ID               string             `json:"id"`
	Name             string             `json:"name"`
	Source           string             `json:"source,omitempty"`
	URL              string             `json:"url"`
	Host             string             `json:"host"`
	Severity         profile.Severity   `json:"severity"`
	Confidence       profile.Confidence `json:"confidence"`
	InsertionPoint   string             `json:"insertion_point,omitempty"`
	OOBID            string             `json:"oob_id,omitempty"`
	ResponseTimeMS   int64              `json:"response_time_ms"`
	RequestEvidence  []string           `json:"request_evidence"`
	ResponseEvidence []string           `json:"response_evidence"`
}

// NewFindingRecord flattens f, truncating and redacting evidence.
func NewFindingRecord(f *issue.Finding) FindingRecord {
	return FindingRecord{
		Timestamp:        f.Timestamp,
		ID:               f.ID,
		Name:             f.Name,
		Source:           f.Source,
		URL:              f.URL,
		Host:             f.Service.Host,
		Severity:         f.Severity,
		Confidence:       f.Confidence,
		InsertionPoint:   f.InsertionPoint,
		OOBID:            f.OOBID,
		ResponseTimeMS:   f.ResponseTime,
		RequestEvidence:  sanitizeEvidence(f.Evidence.RequestSnippets()),
		ResponseEvidence: sanitizeEvidence(f.Evidence.ResponseSnippets()),
	}
}

type FindingLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func NewFindingLogger(w io.Writer) *FindingLogger {
	return &FindingLogger{w: w}
}

func OpenFindingLog(path string) (*FindingLogger, func() error, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return NewFindingLogger(file), file.Close, nil
}

// Write appends f. Safe for concurrent use; OOB findings arrive from the
// polling goroutine.
func (l *FindingLogger) Write(f *issue.Finding) error {
	if l == nil {
		return nil
	}
	data, err := json.Marshal(NewFindingRecord(f))
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(append(data, '\n'))
	return err
}

func sanitizeEvidence(snippets []string) []string {
	if len(snippets) == 0 {
		return nil
	}
	out := make([]string, len(snippets))
	for i, s := range snippets {
		s = RedactSecrets(s)
		if len(s) > maxEvidence {
			s = s[:maxEvidence]
		}
		out[i] = s
	}
	return out
}

var (
	secretKVPattern     = regexp.MustCompile(`(?i)\b(password|passwd|token|api[_-]?key|secret)\s*=\s*([^\s&]+)`) // key=value
	secretBearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]+=*`)
	secretCookiePattern = regexp.MustCompile(`(?im)^((?:set-)?cookie|authorization):[^\r\n]*`)
)

// RedactSecrets masks credentials in evidence before it is written anywhere.
func RedactSecrets(input string) string {
	if input == "" {
		return input
	}
	redacted := secretKVPattern.ReplaceAllString(input, `$1=<redacted>`)
	redacted = secretBearerPattern.ReplaceAllString(redacted, "bearer <redacted>")
	redacted = secretCookiePattern.ReplaceAllString(redacted, "$1: <redacted>")
	return redacted
}
