package alert

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event Event) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event Event) ([]byte, error) {
	return json.Marshal(event)
}

func formatSlack(event Event) ([]byte, error) {
	var lines []string
	for _, f := range event.Findings {
		lines = append(lines, fmt.Sprintf("• `%s` %s", f.RuleID, f.Message))
	}
	if more := event.Violations - len(event.Findings); more > 0 {
		lines = append(lines, fmt.Sprintf("… and %d more", more))
	}

	blocks := []any{
		map[string]any{
			"type": "header",
			"text": map[string]any{
				"type": "plain_text",
				"text": fmt.Sprintf("plangate: %s", event.Decision),
			},
		},
		map[string]any{
			"type": "section",
			"fields": []any{
				map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Rule-set:* %s", event.RuleSet)},
				map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Run:* %s", event.RunID)},
				map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Violations:* %d (%d hard, %d soft, %d advisory)",
					event.Violations, event.HardMandatory, event.SoftMandatory, event.Advisory)},
			},
		},
	}
	if len(lines) > 0 {
		blocks = append(blocks, map[string]any{
			"type": "section",
			"text": map[string]any{"type": "mrkdwn", "text": strings.Join(lines, "\n")},
		})
	}
	return json.Marshal(map[string]any{"blocks": blocks})
}

func formatPagerDuty(event Event) ([]byte, error) {
	severity := "info"
	switch event.Decision {
	case "blocked":
		severity = "critical"
	case "blocked-overridable":
		severity = "error"
	case "pass-with-warnings":
		severity = "warning"
	}

	payload := map[string]any{
		"event_action": "trigger",
		"dedup_key":    event.RunID,
		"payload": map[string]any{
			"summary":  fmt.Sprintf("plangate %s: %d violations in %s", event.Decision, event.Violations, event.RuleSet),
			"severity": severity,
			"source":   "plangate",
			"custom_details": map[string]any{
				"run_id":       event.RunID,
				"ruleset_hash": event.RuleSetHash,
				"findings":     event.Findings,
			},
		},
	}
	return json.Marshal(payload)
}
