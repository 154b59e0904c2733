package alert

import (
	"time"

	"github.com/ppiankov/plangate/internal/report"
)

// Config defines a webhook alert destination.
type Config struct {
	URL       string            `yaml:"url"       json:"url"       mapstructure:"url"`
	Format    string            `yaml:"format"    json:"format"    mapstructure:"format"`    // "generic", "slack", "pagerduty"
	Decisions []string          `yaml:"decisions" json:"decisions" mapstructure:"decisions"` // ["blocked", "blocked-overridable"]
	Headers   map[string]string `yaml:"headers"   json:"headers"   mapstructure:"headers"`
}

// Finding is a condensed violation carried in alert payloads.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Address     string `json:"address"`
	Enforcement string `json:"enforcement"`
	Message     string `json:"message"`
}

// Event is the payload sent to webhook endpoints after a run.
type Event struct {
	Timestamp     string    `json:"timestamp"`
	RunID         string    `json:"run_id"`
	RuleSet       string    `json:"ruleset"`
	RuleSetHash   string    `json:"ruleset_hash"`
	Decision      string    `json:"decision"`
	Violations    int       `json:"violations"`
	HardMandatory int       `json:"hard_mandatory"`
	SoftMandatory int       `json:"soft_mandatory"`
	Advisory      int       `json:"advisory"`
	Findings      []Finding `json:"findings"`
}

// maxFindings bounds the violations copied into one event.
const maxFindings = 10

// NewEvent summarizes a report for alerting.
func NewEvent(runID, ruleSet, ruleSetHash string, rep *report.Report) Event {
	e := Event{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		RunID:         runID,
		RuleSet:       ruleSet,
		RuleSetHash:   ruleSetHash,
		Decision:      string(rep.Decision),
		Violations:    len(rep.Violations),
		HardMandatory: rep.Summary.HardMandatory,
		SoftMandatory: rep.Summary.SoftMandatory,
		Advisory:      rep.Summary.Advisory,
		Findings:      []Finding{},
	}
	for i, v := range rep.Violations {
		if i == maxFindings {
			break
		}
		e.Findings = append(e.Findings, Finding{
			RuleID:      v.RuleID,
			Address:     v.Address,
			Enforcement: string(v.Enforcement),
			Message:     v.Message,
		})
	}
	return e
}
