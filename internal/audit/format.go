package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a QueryResult as a human-readable run timeline.
func FormatTimeline(result *QueryResult) string {
	if len(result.Entries) == 0 {
		return "No runs found.\n"
	}

	var b strings.Builder

	first := formatDateTime(result.Summary.FirstTimestamp)
	last := formatDateTime(result.Summary.LastTimestamp)
	b.WriteString(fmt.Sprintf("Runs: %d | %s – %s UTC\n", result.Summary.Total, first, last))
	b.WriteString(separator + "\n")

	for _, e := range result.Entries {
		ts := formatDateTime(e.Timestamp)
		decision := strings.ToUpper(e.Decision)
		detail := fmt.Sprintf("%d violations (%d hard, %d soft, %d advisory)",
			e.Counts.Violations, e.Counts.HardMandatory, e.Counts.SoftMandatory, e.Counts.Advisory)
		if e.Error != "" {
			detail = truncate(e.Error, 50)
		}
		b.WriteString(fmt.Sprintf("%-19s %-8s %-20s %-16s %s\n",
			ts, truncate(e.RunID, 8), decision, truncate(e.RuleSet, 16), detail))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(result.Summary))

	return b.String()
}

// FormatJSON renders a QueryResult as indented JSON.
func FormatJSON(result *QueryResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal audit result: %w", err)
	}
	return string(data), nil
}

func formatDateTime(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatSummary(s QuerySummary) string {
	parts := []string{}
	if s.Pass > 0 {
		parts = append(parts, fmt.Sprintf("%d pass", s.Pass))
	}
	if s.PassWithWarnings > 0 {
		parts = append(parts, fmt.Sprintf("%d pass-with-warnings", s.PassWithWarnings))
	}
	if s.BlockedOverridable > 0 {
		parts = append(parts, fmt.Sprintf("%d blocked-overridable", s.BlockedOverridable))
	}
	if s.Blocked > 0 {
		parts = append(parts, fmt.Sprintf("%d blocked", s.Blocked))
	}
	if s.Errors > 0 {
		parts = append(parts, fmt.Sprintf("%d error", s.Errors))
	}
	return fmt.Sprintf("Summary: %s\n", strings.Join(parts, ", "))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
