package report

import (
	"encoding/json"
	"fmt"
	"strings"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatText renders a report for terminals.
func FormatText(r *Report) string {
	var b strings.Builder

	if len(r.Violations) == 0 {
		b.WriteString("No violations.\n")
	} else {
		current := ""
		for _, v := range r.Violations {
			if v.Address != current {
				if current != "" {
					b.WriteString("\n")
				}
				current = v.Address
				b.WriteString(fmt.Sprintf("%s (tier: %s)\n", v.Address, v.Tier))
			}
			b.WriteString(fmt.Sprintf("  [%s/%s] %s\n", strings.ToUpper(string(v.Enforcement)), v.Severity, v.RuleID))
			b.WriteString(fmt.Sprintf("    %s\n", v.Message))
		}
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(r))
	return b.String()
}

// FormatJSON renders a report as indented JSON.
func FormatJSON(r *Report) (string, error) {
	out := *r
	if out.Violations == nil {
		out.Violations = []Violation{}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	return string(data) + "\n", nil
}

// Format renders a report in the named format ("text" or "json").
func Format(r *Report, format string) (string, error) {
	switch format {
	case "", "text":
		return FormatText(r), nil
	case "json":
		return FormatJSON(r)
	}
	return "", fmt.Errorf("unknown output format %q (valid: text, json)", format)
}

func formatSummary(r *Report) string {
	parts := []string{}
	if r.Summary.HardMandatory > 0 {
		parts = append(parts, fmt.Sprintf("%d hard-mandatory", r.Summary.HardMandatory))
	}
	if r.Summary.SoftMandatory > 0 {
		parts = append(parts, fmt.Sprintf("%d soft-mandatory", r.Summary.SoftMandatory))
	}
	if r.Summary.Advisory > 0 {
		parts = append(parts, fmt.Sprintf("%d advisory", r.Summary.Advisory))
	}
	counts := "0 violations"
	if len(parts) > 0 {
		counts = strings.Join(parts, " | ")
	}
	return fmt.Sprintf("Decision: %s | %s\n", strings.ToUpper(string(r.Decision)), counts)
}
