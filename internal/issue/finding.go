// Package issue assembles findings from matched exchanges.
package issue

import (
	"sort"
	"time"

	"github.com/klyr/klyrscan/internal/httpmsg"
	"github.com/klyr/klyrscan/internal/profile"
)

// Finding is the result of a profile firing on an exchange. It is not
// modified after Build returns it.
type Finding struct {
	ID             string             `json:"id"`
	Source         string             `json:"source,omitempty"`
	Name           string             `json:"name"`
	URL            string             `json:"url"`
	DetailHTML     string             `json:"detail_html"`
	BackgroundHTML string             `json:"background_html"`
	Severity       profile.Severity   `json:"severity"`
	Confidence     profile.Confidence `json:"confidence"`
	Service        httpmsg.Service    `json:"service"`
	InsertionPoint string             `json:"insertion_point,omitempty"`
	OOBID          string             `json:"oob_id,omitempty"`
	ResponseTime   int64              `json:"response_time_ms"`
	Timestamp      time.Time          `json:"ts"`
	Evidence       Evidence           `json:"evidence"`
}

// Evidence is the annotated exchange attached to a finding.
type Evidence struct {
	Request         []byte          `json:"request"`
	Response        []byte          `json:"response"`
	RequestMarkers  []httpmsg.Range `json:"request_markers"`
	ResponseMarkers []httpmsg.Range `json:"response_markers"`
}

// RequestSnippets returns the marked request text, one entry per range.
func (e Evidence) RequestSnippets() []string {
	return snippets(e.Request, e.RequestMarkers)
}

func (e Evidence) ResponseSnippets() []string {
	return snippets(e.Response, e.ResponseMarkers)
}

func snippets(raw []byte, ranges []httpmsg.Range) []string {
	out := make([]string, 0, len(ranges))
	for _, r := range ranges {
		if r.Start < 0 || r.End > len(raw) || r.Start > r.End {
			continue
		}
		out = append(out, string(raw[r.Start:r.End]))
	}
	return out
}

// Merge sorts ranges by start and joins ranges that overlap or touch.
func Merge(ranges []httpmsg.Range) []httpmsg.Range {
	if len(ranges) == 0 {
		return nil
	}
	sorted := make([]httpmsg.Range, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start == sorted[j].Start {
			return sorted[i].End < sorted[j].End
		}
		return sorted[i].Start < sorted[j].Start
	})

	out := []httpmsg.Range{sorted[0]}
	for _, r := range sorted[1:] {
		cur := &out[len(out)-1]
		if r.Start <= cur.End {
			if r.End > cur.End {
				cur.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Duplicate reports whether b repeats a: same name and same detail.
func Duplicate(a, b *Finding) bool {
	return a.Name == b.Name && a.DetailHTML == b.DetailHTML
}

// Consolidate drops findings that duplicate an earlier one for the same
// service, keeping order.
func Consolidate(findings []*Finding) []*Finding {
	out := make([]*Finding, 0, len(findings))
	for _, f := range findings {
		dup := false
		for _, kept := range out {
			if kept.Service == f.Service && Duplicate(kept, f) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, f)
		}
	}
	return out
}
