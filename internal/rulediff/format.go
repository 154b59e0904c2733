package rulediff

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatText renders the diff result as human-readable text.
func FormatText(r *DiffResult) string {
	if !r.HasChanges {
		return fmt.Sprintf("Rule-set diff: %s → %s\n\nNo changes detected.\n", r.OldPath, r.NewPath)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Rule-set diff: %s → %s\n", r.OldPath, r.NewPath)

	if len(r.Changes) > 0 {
		b.WriteString("\n")
		for _, c := range r.Changes {
			writeChange(&b, "  ", 28, c)
		}
	}

	if len(r.RuleChanges) > 0 {
		b.WriteString("\n  Rules:\n")
		for _, rc := range r.RuleChanges {
			switch rc.Type {
			case Added:
				fmt.Fprintf(&b, "    + %s\n", rc.Summary)
			case Removed:
				fmt.Fprintf(&b, "    - %s\n", rc.Summary)
			default:
				fmt.Fprintf(&b, "    ~ %s\n", rc.Rule)
				for _, c := range rc.Changes {
					writeChange(&b, "        ", 20, c)
				}
			}
		}
	}

	if len(r.TableChanges) > 0 {
		b.WriteString("\n  Tables:\n")
		for _, c := range r.TableChanges {
			switch {
			case c.Comment == Added && c.Old == "" && c.New == c.Field:
				fmt.Fprintf(&b, "    + %s\n", c.Field)
			case c.Comment == Removed && c.New == "" && c.Old == c.Field:
				fmt.Fprintf(&b, "    - %s\n", c.Field)
			default:
				writeChange(&b, "    ", 32, c)
			}
		}
	}

	switch {
	case r.Tightened() && r.Loosened():
		b.WriteString("\nMixed: some checks tightened, some loosened.\n")
	case r.Tightened():
		b.WriteString("\nTightened.\n")
	case r.Loosened():
		b.WriteString("\nLoosened.\n")
	}

	return b.String()
}

func writeChange(b *strings.Builder, indent string, width int, c Change) {
	old, new := c.Old, c.New
	if old == "" {
		old = "(none)"
	}
	if new == "" {
		new = "(none)"
	}
	fmt.Fprintf(b, "%s%-*s %s → %s", indent, width, c.Field+":", old, new)
	if c.Comment != "" {
		fmt.Fprintf(b, "  (%s)", c.Comment)
	}
	b.WriteString("\n")
}

// FormatJSON renders the diff result as JSON.
func FormatJSON(r *DiffResult) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal diff result: %w", err)
	}
	return string(data), nil
}
