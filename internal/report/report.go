// Package report aggregates rule violations into a deterministic, gated report.
package report

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"
)

// Severity ranks how serious a violation is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity parses a severity name. Unknown names are rejected.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity %q (valid: low, medium, high, critical)", s)
}

// Rank orders severities, low = 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

// EnforcementLevel governs whether a violation blocks and whether the block is overridable.
type EnforcementLevel string

const (
	Advisory      EnforcementLevel = "advisory"
	SoftMandatory EnforcementLevel = "soft-mandatory"
	HardMandatory EnforcementLevel = "hard-mandatory"
)

// ParseEnforcement parses an enforcement level. Unknown names are rejected, never defaulted.
func ParseEnforcement(s string) (EnforcementLevel, error) {
	switch EnforcementLevel(s) {
	case Advisory, SoftMandatory, HardMandatory:
		return EnforcementLevel(s), nil
	}
	return "", fmt.Errorf("unknown enforcement level %q (valid: advisory, soft-mandatory, hard-mandatory)", s)
}

// Rank orders enforcement levels, advisory = 0.
func (e EnforcementLevel) Rank() int {
	switch e {
	case Advisory:
		return 0
	case SoftMandatory:
		return 1
	case HardMandatory:
		return 2
	}
	return -1
}

// Decision is the gating outcome of a run.
type Decision string

const (
	Pass               Decision = "pass"
	PassWithWarnings   Decision = "pass-with-warnings"
	BlockedOverridable Decision = "blocked-overridable"
	Blocked            Decision = "blocked"
)

// Exit codes for CLI wrapping.
const (
	ExitPass               = 0
	ExitError              = 1
	ExitBlockedOverridable = 2
	ExitBlocked            = 3
)

// ExitCode maps the decision to the CLI exit code convention.
func (d Decision) ExitCode() int {
	switch d {
	case Pass, PassWithWarnings:
		return ExitPass
	case BlockedOverridable:
		return ExitBlockedOverridable
	case Blocked:
		return ExitBlocked
	}
	return ExitError
}

// Blocking reports whether the decision stops the change.
func (d Decision) Blocking() bool {
	return d == Blocked || d == BlockedOverridable
}

// ParseDecision parses a decision name.
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case Pass, PassWithWarnings, BlockedOverridable, Blocked:
		return Decision(s), nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// Violation is one failed (rule, resource) evaluation. Immutable once built.
type Violation struct {
	RuleID      string           `json:"rule_id"`
	Address     string           `json:"address"`
	Tier        string           `json:"tier"`
	Severity    Severity         `json:"severity"`
	Enforcement EnforcementLevel `json:"enforcement"`
	Message     string           `json:"message"`
}

// Summary counts violations per enforcement level.
type Summary struct {
	Resources     int `json:"resources"`
	Rules         int `json:"rules"`
	Advisory      int `json:"advisory"`
	SoftMandatory int `json:"soft_mandatory"`
	HardMandatory int `json:"hard_mandatory"`
}

// Report is the output of one evaluation run.
type Report struct {
	Violations []Violation `json:"violations"`
	Decision   Decision    `json:"decision"`
	Summary    Summary     `json:"summary"`
}

// Aggregate deduplicates exact repeats, sorts by (address, rule id, message)
// and gates the result. Input order does not affect the output.
func Aggregate(vs []Violation) *Report {
	seen := make(map[Violation]struct{}, len(vs))
	out := make([]Violation, 0, len(vs))
	for _, v := range vs {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Address != b.Address {
			return a.Address < b.Address
		}
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		if a.Message != b.Message {
			return a.Message < b.Message
		}
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		if a.Enforcement != b.Enforcement {
			return a.Enforcement < b.Enforcement
		}
		return a.Severity < b.Severity
	})

	r := &Report{Violations: out}
	for _, v := range out {
		switch v.Enforcement {
		case HardMandatory:
			r.Summary.HardMandatory++
		case SoftMandatory:
			r.Summary.SoftMandatory++
		default:
			r.Summary.Advisory++
		}
	}
	r.Decision = gate(r.Summary)
	return r
}

func gate(s Summary) Decision {
	switch {
	case s.HardMandatory > 0:
		return Blocked
	case s.SoftMandatory > 0:
		return BlockedOverridable
	case s.Advisory > 0:
		return PassWithWarnings
	default:
		return Pass
	}
}

// Digest returns the SHA-256 of the report's RFC 8785 canonical JSON, as "sha256:<hex>".
func (r *Report) Digest() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	canon, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("canonicalize report: %w", err)
	}
	sum := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// ByRule returns the violations grouped by rule id.
func (r *Report) ByRule() map[string][]Violation {
	out := make(map[string][]Violation)
	for _, v := range r.Violations {
		out[v.RuleID] = append(out[v.RuleID], v)
	}
	return out
}

// Failed returns a blocked report for callers that must fail closed
// (remote evaluation unavailable, engine error).
func Failed(reason string) *Report {
	return &Report{
		Violations: []Violation{{
			RuleID:      "engine-error",
			Address:     "-",
			Tier:        "-",
			Severity:    SeverityCritical,
			Enforcement: HardMandatory,
			Message:     reason,
		}},
		Decision: Blocked,
		Summary:  Summary{HardMandatory: 1},
	}
}
