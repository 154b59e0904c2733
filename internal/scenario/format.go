package scenario

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
)

// Totals sums results across scenario files.
type Totals struct {
	Files       int `json:"files"`
	FailedFiles int `json:"failed_files"`
	Cases       int `json:"cases"`
	PassedCases int `json:"passed_cases"`
}

// Summarize computes totals over results.
func Summarize(results []*RunResult) Totals {
	t := Totals{Files: len(results)}
	for _, r := range results {
		t.Cases += r.Total
		t.PassedCases += r.Passed
		if r.Failed > 0 {
			t.FailedFiles++
		}
	}
	return t
}

// FormatText renders one row per scenario file, followed by the failing
// cases and a totals line.
func FormatText(results []*RunResult) string {
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RESULT\tSCENARIO\tCASES")
	for _, r := range results {
		status := "PASS"
		if r.Failed > 0 {
			status = "FAIL"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\n", status, r.Name, r.Passed, r.Total)
	}
	tw.Flush()

	for _, r := range results {
		for _, c := range r.Cases {
			if c.Passed {
				continue
			}
			fmt.Fprintf(&b, "\n%s #%d %s: expected %s, got %s", r.Name, c.Index, c.Name, c.Expected, c.Actual)
			if c.Reason != "" {
				fmt.Fprintf(&b, "\n    %s", c.Reason)
			}
		}
	}

	t := Summarize(results)
	fmt.Fprintf(&b, "\n\n%d/%d cases passed, %d/%d scenario files failed\n", t.PassedCases, t.Cases, t.FailedFiles, t.Files)
	return b.String()
}

// FormatJSON renders results and their totals as indented JSON.
func FormatJSON(results []*RunResult) (string, error) {
	data, err := json.MarshalIndent(struct {
		Results []*RunResult `json:"results"`
		Totals  Totals       `json:"totals"`
	}{results, Summarize(results)}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal results: %w", err)
	}
	return string(data), nil
}
