package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ppiankov/plangate/internal/report"
)

// Filter holds selection criteria for Query. Zero fields do not filter.
type Filter struct {
	RunID    string
	RuleSet  string
	Decision string
	From     time.Time
	To       time.Time
}

// QuerySummary holds decision counts for the selected runs.
type QuerySummary struct {
	Total              int    `json:"total"`
	Pass               int    `json:"pass"`
	PassWithWarnings   int    `json:"pass_with_warnings"`
	BlockedOverridable int    `json:"blocked_overridable"`
	Blocked            int    `json:"blocked"`
	Errors             int    `json:"errors"`
	FirstTimestamp     string `json:"first_timestamp"`
	LastTimestamp      string `json:"last_timestamp"`
}

// QueryResult holds the selected entries in log order.
type QueryResult struct {
	Entries []Entry      `json:"entries"`
	Summary QuerySummary `json:"summary"`
}

// Query reads the audit log and returns entries matching the filter.
// Malformed lines are skipped; use Verify to detect them.
func Query(path string, filter Filter) (*QueryResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	result := &QueryResult{Entries: []Entry{}}
	err = eachLine(f, func(_ int, line []byte) error {
		var entry Entry
		if json.Unmarshal(line, &entry) != nil || !filter.match(entry) {
			return nil
		}
		result.Entries = append(result.Entries, entry)
		updateSummary(&result.Summary, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return result, nil
}

func (f Filter) match(e Entry) bool {
	switch {
	case f.RunID != "" && e.RunID != f.RunID:
		return false
	case f.RuleSet != "" && e.RuleSet != f.RuleSet:
		return false
	case f.Decision != "" && e.Decision != f.Decision:
		return false
	}
	if f.From.IsZero() && f.To.IsZero() {
		return true
	}
	ts, err := time.Parse(TimestampFormat, e.Timestamp)
	if err != nil {
		return false
	}
	if !f.From.IsZero() && ts.Before(f.From) {
		return false
	}
	return f.To.IsZero() || !ts.After(f.To)
}

func updateSummary(s *QuerySummary, entry Entry) {
	s.Total++

	switch report.Decision(entry.Decision) {
	case report.Pass:
		s.Pass++
	case report.PassWithWarnings:
		s.PassWithWarnings++
	case report.BlockedOverridable:
		s.BlockedOverridable++
	case report.Blocked:
		s.Blocked++
	default:
		s.Errors++
	}

	if s.FirstTimestamp == "" {
		s.FirstTimestamp = entry.Timestamp
	}
	s.LastTimestamp = entry.Timestamp
}

// Summarize counts decisions over entries given in chronological order.
func Summarize(entries []Entry) QuerySummary {
	var s QuerySummary
	for _, e := range entries {
		updateSummary(&s, e)
	}
	return s
}
