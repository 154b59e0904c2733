package audit

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ppiankov/plangate/internal/report"
)

// Counts are the per-enforcement violation counts of one run.
type Counts struct {
	Resources     int `json:"resources"`
	Violations    int `json:"violations"`
	HardMandatory int `json:"hard_mandatory"`
	SoftMandatory int `json:"soft_mandatory"`
	Advisory      int `json:"advisory"`
}

// Entry is one line in the hash-chained JSONL audit log: one evaluation run.
// All fields are structs (no map[string]any) to guarantee deterministic
// json.Marshal field order for reproducible hashing.
type Entry struct {
	Timestamp    string `json:"ts"`
	RunID        string `json:"run_id"`
	Source       string `json:"source"`
	RuleSet      string `json:"ruleset"`
	RuleSetHash  string `json:"ruleset_hash"`
	ReportDigest string `json:"report_digest,omitempty"`
	Decision     string `json:"decision"`
	Counts       Counts `json:"counts"`
	Error        string `json:"error,omitempty"`
	PrevHash     string `json:"prev_hash"`
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// NewEntry describes a completed run. source names where the plan came from
// (a path, "-" for stdin, or a transport such as "grpc").
func NewEntry(runID, source, ruleSet, ruleSetHash string, rep *report.Report) (Entry, error) {
	digest, err := rep.Digest()
	if err != nil {
		return Entry{}, fmt.Errorf("audit: digest report: %w", err)
	}
	return Entry{
		RunID:        runID,
		Source:       source,
		RuleSet:      ruleSet,
		RuleSetHash:  ruleSetHash,
		ReportDigest: digest,
		Decision:     string(rep.Decision),
		Counts: Counts{
			Resources:     rep.Summary.Resources,
			Violations:    len(rep.Violations),
			HardMandatory: rep.Summary.HardMandatory,
			SoftMandatory: rep.Summary.SoftMandatory,
			Advisory:      rep.Summary.Advisory,
		},
	}, nil
}

// NewErrorEntry describes a run that produced no report.
func NewErrorEntry(runID, source, ruleSet, ruleSetHash string, err error) Entry {
	return Entry{
		RunID:       runID,
		Source:      source,
		RuleSet:     ruleSet,
		RuleSetHash: ruleSetHash,
		Decision:    "error",
		Error:       err.Error(),
	}
}
