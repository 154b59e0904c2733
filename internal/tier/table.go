package tier

import (
	"fmt"
	"sort"

	"github.com/ppiankov/plangate/internal/plan"
)

// Table maps tiers to structured requirement values. Read-only once built.
type Table struct {
	Name    string
	entries map[Tier]map[string]any
}

// NewTable builds a table. Entry values are normalized.
func NewTable(name string, entries map[Tier]map[string]any) *Table {
	t := &Table{Name: name, entries: make(map[Tier]map[string]any, len(entries))}
	for k, v := range entries {
		n, _ := plan.Normalize(v).(map[string]any)
		if n == nil {
			n = map[string]any{}
		}
		t.entries[k] = n
	}
	return t
}

// Has reports whether the table has an entry for tier.
func (t *Table) Has(tier Tier) bool {
	_, ok := t.entries[tier]
	return ok
}

// Tiers returns the tiers with entries, sorted by name.
func (t *Table) Tiers() []Tier {
	out := make([]Tier, 0, len(t.entries))
	for k := range t.entries {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Lookup returns the entry for tier. A missing tier is an error, never an empty entry.
func (t *Table) Lookup(tier Tier) (map[string]any, error) {
	e, ok := t.entries[tier]
	if !ok {
		return nil, &MissingTierError{Table: t.Name, Tier: tier}
	}
	return e, nil
}

// Value returns the value at a dotted key inside the tier's entry.
func (t *Table) Value(tier Tier, key string) (plan.Value, error) {
	e, err := t.Lookup(tier)
	if err != nil {
		return plan.Absent(), err
	}
	v := plan.ValueAt(e, key)
	if v.IsAbsent() {
		return v, &MissingKeyError{Table: t.Name, Tier: tier, Key: key}
	}
	return v, nil
}

// MissingTierError is returned when a table has no entry for a tier.
type MissingTierError struct {
	Table string
	Tier  Tier
}

func (e *MissingTierError) Error() string {
	return fmt.Sprintf("requirement table %q has no entry for tier %q", e.Table, e.Tier)
}

// MissingKeyError is returned when a tier entry lacks a requirement key.
type MissingKeyError struct {
	Table string
	Tier  Tier
	Key   string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("requirement table %q tier %q has no key %q", e.Table, e.Tier, e.Key)
}
