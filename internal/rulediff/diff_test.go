package rulediff

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/plangate/internal/ruleset"
)

const baseRules = `
name: base
tiers: [prod, dev]
tables:
  logs:
    prod: {retention: 365, kms: {required: true}}
    dev: {retention: 7, kms: {required: false}}
rules:
  - id: log-retention
    applies_to: {types: [aws_cloudwatch_log_group]}
    table: logs
    predicate: {attr: retention_in_days, gte: {requirement: retention}}
    enforcement: soft-mandatory
    severity: medium
  - id: owner-tag
    predicate: {attr: tags.Owner, present: true}
    enforcement: advisory
`

func compile(t *testing.T, src string) *ruleset.RuleSet {
	t.Helper()
	rs, err := ruleset.Parse([]byte(src))
	require.NoError(t, err)
	return rs
}

func findRule(r *DiffResult, id string) *RuleChange {
	for i := range r.RuleChanges {
		if r.RuleChanges[i].Rule == id {
			return &r.RuleChanges[i]
		}
	}
	return nil
}

func findChange(cs []Change, field string) *Change {
	for i := range cs {
		if cs[i].Field == field {
			return &cs[i]
		}
	}
	return nil
}

func TestIdenticalRuleSetsNoChanges(t *testing.T) {
	r := Diff(compile(t, baseRules), compile(t, baseRules))
	assert.False(t, r.HasChanges, "changes: %+v", r)
	assert.False(t, r.Tightened())
	assert.False(t, r.Loosened())

	r.OldPath, r.NewPath = "a.yaml", "b.yaml"
	assert.Contains(t, FormatText(r), "No changes detected.")
}

func TestEnforcementTightened(t *testing.T) {
	next := strings.Replace(baseRules, "enforcement: soft-mandatory", "enforcement: hard-mandatory", 1)
	r := Diff(compile(t, baseRules), compile(t, next))
	require.True(t, r.HasChanges)

	rc := findRule(r, "log-retention")
	require.NotNil(t, rc)
	assert.Equal(t, "changed", rc.Type)
	c := findChange(rc.Changes, "enforcement")
	require.NotNil(t, c)
	assert.Equal(t, "soft-mandatory", c.Old)
	assert.Equal(t, "hard-mandatory", c.New)
	assert.Equal(t, Stricter, c.Comment)
	assert.True(t, r.Tightened())
	assert.False(t, r.Loosened())
}

func TestSeverityLoosened(t *testing.T) {
	next := strings.Replace(baseRules, "severity: medium", "severity: low", 1)
	r := Diff(compile(t, baseRules), compile(t, next))

	rc := findRule(r, "log-retention")
	require.NotNil(t, rc)
	c := findChange(rc.Changes, "severity")
	require.NotNil(t, c)
	assert.Equal(t, Looser, c.Comment)
	assert.True(t, r.Loosened())
}

func TestRuleAddedAndRemoved(t *testing.T) {
	next := strings.Replace(baseRules, "  - id: owner-tag", "  - id: cost-center-tag", 1)
	next = strings.Replace(next, "tags.Owner", "tags.CostCenter", 1)
	r := Diff(compile(t, baseRules), compile(t, next))

	added := findRule(r, "cost-center-tag")
	require.NotNil(t, added)
	assert.Equal(t, Added, added.Type)
	assert.Equal(t, "cost-center-tag [advisory/medium]", added.Summary)

	removed := findRule(r, "owner-tag")
	require.NotNil(t, removed)
	assert.Equal(t, Removed, removed.Type)
	assert.True(t, r.Loosened())
}

func TestPredicateAndScopeChanges(t *testing.T) {
	next := strings.Replace(baseRules, "gte: {requirement: retention}", "gt: {requirement: retention}", 1)
	next = strings.Replace(next, "types: [aws_cloudwatch_log_group]", "types: [aws_cloudwatch_log_group], tiers: [prod]", 1)
	r := Diff(compile(t, baseRules), compile(t, next))

	rc := findRule(r, "log-retention")
	require.NotNil(t, rc)
	assert.NotNil(t, findChange(rc.Changes, "predicate"))
	scope := findChange(rc.Changes, "applies_to")
	require.NotNil(t, scope)
	assert.Equal(t, "types=aws_cloudwatch_log_group tiers=prod", scope.New)
}

func TestTableValueChangesPerTier(t *testing.T) {
	next := strings.Replace(baseRules, "prod: {retention: 365, kms: {required: true}}", "prod: {retention: 400, kms: {required: true}, replicas: 2}", 1)
	r := Diff(compile(t, baseRules), compile(t, next))

	retention := findChange(r.TableChanges, "logs.prod.retention")
	require.NotNil(t, retention)
	assert.Equal(t, "365", retention.Old)
	assert.Equal(t, "400", retention.New)

	replicas := findChange(r.TableChanges, "logs.prod.replicas")
	require.NotNil(t, replicas)
	assert.Equal(t, Added, replicas.Comment)

	assert.Nil(t, findChange(r.TableChanges, "logs.dev.retention"))
	assert.Nil(t, findChange(r.TableChanges, "logs.prod.kms.required"))
}

func TestTopLevelChanges(t *testing.T) {
	next := strings.Replace(baseRules, "name: base", "name: next\nunresolved_tier_enforcement: advisory", 1)
	next = strings.Replace(next, "tiers: [prod, dev]", "tiers: [dev, prod]", 1)
	r := Diff(compile(t, baseRules), compile(t, next))

	assert.NotNil(t, findChange(r.Changes, "name"))
	assert.NotNil(t, findChange(r.Changes, "tiers"))
	ute := findChange(r.Changes, "unresolved_tier_enforcement")
	require.NotNil(t, ute)
	assert.Equal(t, Looser, ute.Comment)
}

func TestFormatText(t *testing.T) {
	next := strings.Replace(baseRules, "enforcement: soft-mandatory", "enforcement: hard-mandatory", 1)
	next = strings.Replace(next, "dev: {retention: 7,", "dev: {retention: 14,", 1)
	r := Diff(compile(t, baseRules), compile(t, next))
	r.OldPath, r.NewPath = "old.yaml", "new.yaml"

	out := FormatText(r)
	assert.Contains(t, out, "Rule-set diff: old.yaml → new.yaml")
	assert.Contains(t, out, "~ log-retention")
	assert.Contains(t, out, "soft-mandatory → hard-mandatory  (stricter)")
	assert.Contains(t, out, "logs.dev.retention:")
	assert.Contains(t, out, "7 → 14")
	assert.Contains(t, out, "Tightened.")

	js, err := FormatJSON(r)
	require.NoError(t, err)
	assert.Contains(t, js, `"has_changes": true`)
}
