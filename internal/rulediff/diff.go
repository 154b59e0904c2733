// Package rulediff compares two compiled rule-sets and reports whether the
// change tightens or loosens gating.
package rulediff

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/ppiankov/plangate/internal/plan"
	"github.com/ppiankov/plangate/internal/rule"
	"github.com/ppiankov/plangate/internal/ruleset"
	"github.com/ppiankov/plangate/internal/tier"
)

// Comments attached to changes whose direction is known.
const (
	Stricter = "stricter"
	Looser   = "looser"
	Added    = "added"
	Removed  = "removed"
)

// Change represents a scalar field change.
type Change struct {
	Field   string `json:"field"`
	Old     string `json:"old"`
	New     string `json:"new"`
	Comment string `json:"comment,omitempty"`
}

// RuleChange represents a rule addition, removal, or modification.
type RuleChange struct {
	Type    string   `json:"type"` // "added", "removed", "changed"
	Rule    string   `json:"rule"`
	Summary string   `json:"summary,omitempty"`
	Changes []Change `json:"changes,omitempty"`
}

// DiffResult holds the comparison of two rule-sets.
type DiffResult struct {
	OldPath      string       `json:"old_path"`
	NewPath      string       `json:"new_path"`
	Changes      []Change     `json:"changes"`
	RuleChanges  []RuleChange `json:"rule_changes"`
	TableChanges []Change     `json:"table_changes"`
	HasChanges   bool         `json:"has_changes"`
}

// Diff compares two rule-sets and returns the differences.
func Diff(old, new *ruleset.RuleSet) *DiffResult {
	r := &DiffResult{}

	if old.Name != new.Name {
		r.Changes = append(r.Changes, Change{Field: "name", Old: old.Name, New: new.Name})
	}
	if o, n := old.Tiers.String(), new.Tiers.String(); o != n {
		r.Changes = append(r.Changes, Change{Field: "tiers", Old: o, New: n})
	}
	if old.UnresolvedTierEnforcement != new.UnresolvedTierEnforcement {
		r.Changes = append(r.Changes, Change{
			Field:   "unresolved_tier_enforcement",
			Old:     string(old.UnresolvedTierEnforcement),
			New:     string(new.UnresolvedTierEnforcement),
			Comment: rankComment(old.UnresolvedTierEnforcement.Rank(), new.UnresolvedTierEnforcement.Rank()),
		})
	}

	diffRules(r, old.Rules, new.Rules)
	diffTables(r, old.Tables, new.Tables)

	r.HasChanges = len(r.Changes) > 0 || len(r.RuleChanges) > 0 || len(r.TableChanges) > 0
	return r
}

// Tightened reports whether any change makes the new rule-set stricter.
func (r *DiffResult) Tightened() bool { return r.has(Stricter) }

// Loosened reports whether any change makes the new rule-set more permissive.
func (r *DiffResult) Loosened() bool {
	if r.has(Looser) {
		return true
	}
	for _, rc := range r.RuleChanges {
		if rc.Type == Removed {
			return true
		}
	}
	return false
}

func (r *DiffResult) has(comment string) bool {
	for _, c := range r.Changes {
		if c.Comment == comment {
			return true
		}
	}
	for _, rc := range r.RuleChanges {
		for _, c := range rc.Changes {
			if c.Comment == comment {
				return true
			}
		}
	}
	return false
}

func rankComment(old, new int) string {
	if new > old {
		return Stricter
	}
	return Looser
}

func ruleLabel(ru *rule.Rule) string {
	return fmt.Sprintf("%s [%s/%s]", ru.ID, ru.Enforcement, ru.Severity)
}

func diffRules(r *DiffResult, oldRules, newRules []*rule.Rule) {
	oldMap := make(map[string]*rule.Rule, len(oldRules))
	for _, ru := range oldRules {
		oldMap[ru.ID] = ru
	}
	newMap := make(map[string]*rule.Rule, len(newRules))
	for _, ru := range newRules {
		newMap[ru.ID] = ru
	}

	for _, ru := range newRules {
		prev, exists := oldMap[ru.ID]
		if !exists {
			r.RuleChanges = append(r.RuleChanges, RuleChange{Type: Added, Rule: ru.ID, Summary: ruleLabel(ru)})
			continue
		}
		if changes := compareRule(prev, ru); len(changes) > 0 {
			r.RuleChanges = append(r.RuleChanges, RuleChange{Type: "changed", Rule: ru.ID, Changes: changes})
		}
	}

	for _, ru := range oldRules {
		if _, exists := newMap[ru.ID]; !exists {
			r.RuleChanges = append(r.RuleChanges, RuleChange{Type: Removed, Rule: ru.ID, Summary: ruleLabel(ru)})
		}
	}
}

func compareRule(old, new *rule.Rule) []Change {
	var out []Change
	if old.Enforcement != new.Enforcement {
		out = append(out, Change{
			Field:   "enforcement",
			Old:     string(old.Enforcement),
			New:     string(new.Enforcement),
			Comment: rankComment(old.Enforcement.Rank(), new.Enforcement.Rank()),
		})
	}
	if old.Severity != new.Severity {
		out = append(out, Change{
			Field:   "severity",
			Old:     string(old.Severity),
			New:     string(new.Severity),
			Comment: rankComment(old.Severity.Rank(), new.Severity.Rank()),
		})
	}
	if o, n := tableName(old), tableName(new); o != n {
		out = append(out, Change{Field: "table", Old: o, New: n})
	}
	if o, n := scopeString(old.Scope), scopeString(new.Scope); o != n {
		out = append(out, Change{Field: "applies_to", Old: o, New: n})
	}
	if o, n := old.Predicate.String(), new.Predicate.String(); o != n {
		out = append(out, Change{Field: "predicate", Old: o, New: n})
	}
	if old.PassOnIndeterminate != new.PassOnIndeterminate {
		c := Change{Field: "on_indeterminate", Old: indeterminate(old), New: indeterminate(new), Comment: Looser}
		if !new.PassOnIndeterminate {
			c.Comment = Stricter
		}
		out = append(out, c)
	}
	if old.SkipUnresolvedTier != new.SkipUnresolvedTier {
		c := Change{Field: "on_unresolved_tier", Old: unresolved(old), New: unresolved(new), Comment: Looser}
		if !new.SkipUnresolvedTier {
			c.Comment = Stricter
		}
		out = append(out, c)
	}
	return out
}

func tableName(ru *rule.Rule) string {
	if ru.Table == nil {
		return ""
	}
	return ru.Table.Name
}

func indeterminate(ru *rule.Rule) string {
	if ru.PassOnIndeterminate {
		return "pass"
	}
	return "fail"
}

func unresolved(ru *rule.Rule) string {
	if ru.SkipUnresolvedTier {
		return "skip"
	}
	return "fail"
}

func scopeString(s rule.Scope) string {
	var parts []string
	add := func(name string, vals []string) {
		if len(vals) == 0 {
			return
		}
		vals = slices.Clone(vals)
		sort.Strings(vals)
		parts = append(parts, name+"="+strings.Join(vals, ","))
	}
	add("types", s.Types)
	add("modes", stringsOf(s.Modes))
	add("actions", stringsOf(s.Actions))
	add("tiers", stringsOf(s.Tiers))
	return strings.Join(parts, " ")
}

func stringsOf[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

// diffTables reports per-tier requirement value changes as "<table>.<tier>.<key>".
func diffTables(r *DiffResult, oldTables, newTables map[string]*tier.Table) {
	for _, name := range unionKeys(oldTables, newTables) {
		ot, inOld := oldTables[name]
		nt, inNew := newTables[name]
		switch {
		case !inOld:
			r.TableChanges = append(r.TableChanges, Change{Field: name, New: name, Comment: Added})
			continue
		case !inNew:
			r.TableChanges = append(r.TableChanges, Change{Field: name, Old: name, Comment: Removed})
			continue
		}

		tiers := map[tier.Tier]bool{}
		for _, t := range ot.Tiers() {
			tiers[t] = true
		}
		for _, t := range nt.Tiers() {
			tiers[t] = true
		}
		sorted := make([]string, 0, len(tiers))
		for t := range tiers {
			sorted = append(sorted, string(t))
		}
		sort.Strings(sorted)

		for _, t := range sorted {
			oldEntry := flattenEntry(ot, tier.Tier(t))
			newEntry := flattenEntry(nt, tier.Tier(t))
			for _, key := range unionKeys(oldEntry, newEntry) {
				o, n := oldEntry[key], newEntry[key]
				if o == n {
					continue
				}
				c := Change{Field: name + "." + t + "." + key, Old: o, New: n}
				switch {
				case o == "":
					c.Comment = Added
				case n == "":
					c.Comment = Removed
				}
				r.TableChanges = append(r.TableChanges, c)
			}
		}
	}
}

func flattenEntry(t *tier.Table, tr tier.Tier) map[string]string {
	out := map[string]string{}
	entry, err := t.Lookup(tr)
	if err != nil {
		return out
	}
	flatten("", entry, out)
	return out
}

func flatten(prefix string, m map[string]any, out map[string]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			flatten(key, nested, out)
			continue
		}
		out[key] = plan.FromRaw(v).Canonical()
	}
}

func unionKeys[V any](a, b map[string]V) []string {
	seen := make(map[string]bool, len(a)+len(b))
	for k := range a {
		seen[k] = true
	}
	for k := range b {
		seen[k] = true
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
