// Package policy decides whether the findings of a run should fail it.
package policy

import (
	"errors"
	"fmt"

	"github.com/klyr/klyrscan/internal/issue"
	"github.com/klyr/klyrscan/internal/profile"
)

var ErrThresholdExceeded = errors.New("finding severity threshold exceeded")

// Gate fails a run when a finding reaches Threshold. The zero Gate never
// fails.
type Gate struct {
	Threshold profile.Severity
}

func ParseGate(threshold string) (Gate, error) {
	if threshold == "" {
		return Gate{}, nil
	}
	sev := profile.Severity(threshold)
	if !sev.IsValid() {
		return Gate{}, fmt.Errorf("unknown severity %q", threshold)
	}
	return Gate{Threshold: sev}, nil
}

// Check returns ErrThresholdExceeded, naming how many findings reached the
// threshold, or nil.
func (g Gate) Check(findings []*issue.Finding) error {
	if g.Threshold == "" {
		return nil
	}
	min := g.Threshold.Score()
	n := 0
	for _, f := range findings {
		if f.Severity.Score() >= min {
			n++
		}
	}
	if n == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d finding(s) at or above %s", ErrThresholdExceeded, n, g.Threshold)
}
