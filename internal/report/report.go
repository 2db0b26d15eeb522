// Package report summarizes a findings log.
package report

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/klyr/klyrscan/internal/logging"
	"github.com/klyr/klyrscan/internal/normalize"
	"github.com/klyr/klyrscan/internal/profile"
)

var severityOrder = []profile.Severity{profile.Critical, profile.High, profile.Medium, profile.Low, profile.Info}

type Summary struct {
	Total        int            `json:"total"`
	BySeverity   []CountItem    `json:"by_severity"`
	OOBConfirmed int            `json:"oob_confirmed"`
	Start        time.Time      `json:"start"`
	End          time.Time      `json:"end"`
	TopFindings  []CountItem    `json:"top_findings"`
	TopHosts     []CountItem    `json:"top_hosts"`
	TopEndpoints []CountItem    `json:"top_endpoints"`
	TopPoints    []CountItem    `json:"top_insertion_points"`
	ResponseTime LatencySummary `json:"response_time"`
}

type CountItem struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

type LatencySummary struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type Reader struct {
	Since       time.Time
	MinSeverity profile.Severity
}

func (r *Reader) Read(path string) ([]logging.FindingRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var records []logging.FindingRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var rec logging.FindingRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if !r.Since.IsZero() && rec.Timestamp.Before(r.Since) {
			continue
		}
		if r.MinSeverity != "" && rec.Severity.Score() < r.MinSeverity.Score() {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func Summarize(records []logging.FindingRecord) Summary {
	var summary Summary
	if len(records) == 0 {
		return summary
	}

	summary.Start = records[0].Timestamp
	summary.End = records[0].Timestamp

	severityCounts := map[profile.Severity]int{}
	findingCounts := map[string]int{}
	hostCounts := map[string]int{}
	endpointCounts := map[string]int{}
	pointCounts := map[string]int{}
	latencies := make([]int64, 0, len(records))

	for _, rec := range records {
		summary.Total++
		if rec.Timestamp.Before(summary.Start) {
			summary.Start = rec.Timestamp
		}
		if rec.Timestamp.After(summary.End) {
			summary.End = rec.Timestamp
		}

		severityCounts[rec.Severity]++
		findingCounts[rec.Name]++
		hostCounts[rec.Host]++
		if rec.URL != "" {
			endpointCounts[normalize.Endpoint(rec.URL)]++
		}
		if rec.InsertionPoint != "" {
			pointCounts[rec.InsertionPoint]++
		}
		if rec.OOBID != "" {
			summary.OOBConfirmed++
		}
		latencies = append(latencies, rec.ResponseTimeMS)
	}

	for _, sev := range severityOrder {
		if n := severityCounts[sev]; n > 0 {
			summary.BySeverity = append(summary.BySeverity, CountItem{Key: string(sev), Count: n})
		}
	}
	summary.TopFindings = topCounts(findingCounts, 5)
	summary.TopHosts = topCounts(hostCounts, 5)
	summary.TopEndpoints = topCounts(endpointCounts, 5)
	summary.TopPoints = topCounts(pointCounts, 5)
	summary.ResponseTime = latencySummary(latencies)

	return summary
}

func topCounts(counts map[string]int, n int) []CountItem {
	items := make([]CountItem, 0, len(counts))
	for key, count := range counts {
		items = append(items, CountItem{Key: key, Count: count})
	}
	if len(items) == 0 {
		return nil
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Count == items[j].Count {
			return items[i].Key < items[j].Key
		}
		return items[i].Count > items[j].Count
	})

	if len(items) > n {
		items = items[:n]
	}
	return items
}

func latencySummary(values []int64) LatencySummary {
	if len(values) == 0 {
		return LatencySummary{}
	}
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return LatencySummary{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
		P99: percentile(sorted, 0.99),
	}
}

func percentile(values []int64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	idx := int(float64(len(values)-1) * p)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return float64(values[idx])
}

func RenderText(summary Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Findings: %d\n", summary.Total)
	fmt.Fprintf(&b, "Confirmed out-of-band: %d\n", summary.OOBConfirmed)
	fmt.Fprintf(&b, "Response time p50/p95/p99 (ms): %.0f/%.0f/%.0f\n", summary.ResponseTime.P50, summary.ResponseTime.P95, summary.ResponseTime.P99)

	writeCounts(&b, "By severity", summary.BySeverity)
	writeCounts(&b, "Top findings", summary.TopFindings)
	writeCounts(&b, "Top hosts", summary.TopHosts)
	writeCounts(&b, "Top endpoints", summary.TopEndpoints)
	writeCounts(&b, "Top insertion points", summary.TopPoints)

	return b.String()
}

func RenderMarkdown(summary Summary) string {
	var b strings.Builder
	b.WriteString("# Klyrscan Report\n\n")
	b.WriteString("## Totals\n\n")
	fmt.Fprintf(&b, "- Findings: %d\n", summary.Total)
	fmt.Fprintf(&b, "- Confirmed out-of-band: %d\n", summary.OOBConfirmed)
	if !summary.Start.IsZero() {
		fmt.Fprintf(&b, "- Window: %s to %s\n", summary.Start.Format(time.RFC3339), summary.End.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "- Response time p50/p95/p99 (ms): %.0f/%.0f/%.0f\n\n", summary.ResponseTime.P50, summary.ResponseTime.P95, summary.ResponseTime.P99)

	writeCountsMarkdown(&b, "By severity", summary.BySeverity)
	writeCountsMarkdown(&b, "Top findings", summary.TopFindings)
	writeCountsMarkdown(&b, "Top hosts", summary.TopHosts)
	writeCountsMarkdown(&b, "Top endpoints", summary.TopEndpoints)
	writeCountsMarkdown(&b, "Top insertion points", summary.TopPoints)

	return b.String()
}

func RenderJSON(summary Summary) ([]byte, error) {
	return json.MarshalIndent(summary, "", "  ")
}

func writeCounts(b *strings.Builder, title string, items []CountItem) {
	if len(items) == 0 {
		fmt.Fprintf(b, "%s: none\n", title)
		return
	}
	fmt.Fprintf(b, "%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s: %d\n", item.Key, item.Count)
	}
}

func writeCountsMarkdown(b *strings.Builder, title string, items []CountItem) {
	b.WriteString("## ")
	b.WriteString(title)
	b.WriteString("\n\n")
	if len(items) == 0 {
		b.WriteString("- none\n\n")
		return
	}
	for _, item := range items {
		fmt.Fprintf(b, "- %s: %d\n", item.Key, item.Count)
	}
	b.WriteString("\n")
}

// WriteOutput writes content to path, or to w when path is empty.
func WriteOutput(w io.Writer, path string, content []byte) error {
	if path == "" {
		_, err := io.Copy(w, bytes.NewReader(content))
		return err
	}
	return os.WriteFile(path, content, 0o600)
}
