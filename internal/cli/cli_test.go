package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/plangate/internal/audit"
	"github.com/ppiankov/plangate/internal/config"
	"github.com/ppiankov/plangate/internal/history"
	"github.com/ppiankov/plangate/internal/report"
	"github.com/ppiankov/plangate/internal/ruleset"
)

const testRules = `
name: cli-rules
tiers: [prod, dev]
rules:
  - id: versioning
    applies_to: {types: [aws_s3_bucket], tiers: [prod]}
    predicate: {attr: versioning.enabled, eq: true}
`

func bucketPlan(env string, versioned bool) string {
	v := "false"
	if versioned {
		v = "true"
	}
	return `{"resource_changes":[{"address":"aws_s3_bucket.a","type":"aws_s3_bucket","mode":"managed",
"change":{"actions":["create"],"after":{"tags":{"Environment":"` + env + `"},"versioning":{"enabled":` + v + `}}}}]}`
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// useSettings replaces the loaded settings for one test.
func useSettings(t *testing.T, mutate func(*config.Settings)) {
	t.Helper()
	old := settings
	s := config.Defaults()
	mutate(&s)
	settings = &s
	t.Cleanup(func() { settings = old })
}

func newTestCmd() (*cobra.Command, *bytes.Buffer) {
	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetContext(zerolog.Nop().WithContext(context.Background()))
	return cmd, &out
}

func exitCode(err error) int {
	if err == nil {
		return report.ExitPass
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return report.ExitError
}

func TestExitFor(t *testing.T) {
	assert.NoError(t, exitFor(report.Pass))
	assert.NoError(t, exitFor(report.PassWithWarnings))
	assert.Equal(t, report.ExitBlockedOverridable, exitCode(exitFor(report.BlockedOverridable)))
	assert.Equal(t, report.ExitBlocked, exitCode(exitFor(report.Blocked)))
}

func TestEvaluateBlockedRecordsRun(t *testing.T) {
	dir := t.TempDir()
	rules := writeFile(t, dir, "rules.yaml", testRules)
	planPath := writeFile(t, dir, "plan.json", bucketPlan("prod", false))
	auditPath := filepath.Join(dir, "audit.jsonl")
	dsn := filepath.Join(dir, "history.db")
	useSettings(t, func(s *config.Settings) {
		s.RuleSet = rules
		s.AuditLog = auditPath
		s.HistoryDSN = dsn
	})

	cmd, out := newTestCmd()
	err := runEvaluate(cmd, []string{planPath})
	assert.Equal(t, report.ExitBlocked, exitCode(err))
	assert.Contains(t, out.String(), "versioning")
	assert.Contains(t, out.String(), "aws_s3_bucket.a (tier: prod)")

	v := audit.Verify(auditPath)
	assert.True(t, v.Valid, v.Error)
	assert.Equal(t, 1, v.Lines)

	store, err := history.Open(context.Background(), history.DriverSQLite, dsn)
	require.NoError(t, err)
	defer store.Close()
	runs, err := store.List(context.Background(), history.Filter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "blocked", runs[0].Decision)
	assert.Equal(t, planPath, runs[0].Source)
}

func TestEvaluateStdinJSON(t *testing.T) {
	rules := writeFile(t, t.TempDir(), "rules.yaml", testRules)
	useSettings(t, func(s *config.Settings) {
		s.RuleSet = rules
		s.Format = "json"
	})

	cmd, out := newTestCmd()
	cmd.SetIn(strings.NewReader(bucketPlan("dev", false)))
	require.NoError(t, runEvaluate(cmd, []string{"-"}))

	var rep report.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &rep))
	assert.Equal(t, report.Pass, rep.Decision)
	assert.Empty(t, rep.Violations)
}

func TestEvaluateMalformedPlanIsError(t *testing.T) {
	dir := t.TempDir()
	rules := writeFile(t, dir, "rules.yaml", testRules)
	planPath := writeFile(t, dir, "plan.json", `{"resource_changes": {}}`)
	auditPath := filepath.Join(dir, "audit.jsonl")
	useSettings(t, func(s *config.Settings) {
		s.RuleSet = rules
		s.AuditLog = auditPath
	})

	cmd, _ := newTestCmd()
	err := runEvaluate(cmd, []string{planPath})
	require.Error(t, err)
	assert.Equal(t, report.ExitError, exitCode(err))

	result, err := audit.Query(auditPath, audit.Filter{Decision: "error"})
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	assert.NotEmpty(t, result.Entries[0].Error)
}

func TestEvaluateRequiresRuleSet(t *testing.T) {
	planPath := writeFile(t, t.TempDir(), "plan.json", bucketPlan("prod", true))
	useSettings(t, func(s *config.Settings) {})

	cmd, _ := newTestCmd()
	err := runEvaluate(cmd, []string{planPath})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no rule-set")
}

func TestEvaluateRemoteFailsClosed(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	planPath := writeFile(t, t.TempDir(), "plan.json", bucketPlan("prod", true))
	useSettings(t, func(s *config.Settings) { s.Timeout = 500 * time.Millisecond })
	evalServer = addr
	t.Cleanup(func() { evalServer = "" })

	cmd, out := newTestCmd()
	err = runEvaluate(cmd, []string{planPath})
	assert.Equal(t, report.ExitBlocked, exitCode(err))
	assert.Contains(t, out.String(), "unreachable")
}

func TestCheckScenarios(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rules.yaml", testRules)
	writeFile(t, dir, "prod.json", bucketPlan("prod", false))
	writeFile(t, dir, "pass.scenario.yaml", `
name: bucket versioning
rules: rules.yaml
cases:
  - name: unversioned prod bucket
    plan_file: prod.json
    expect: blocked
    violations: [versioning]
  - name: empty plan
    plan: {resource_changes: []}
    expect: pass
`)
	useSettings(t, func(s *config.Settings) {})
	checkScenario = filepath.Join(dir, "*.scenario.yaml")
	t.Cleanup(func() { checkScenario = "" })

	cmd, out := newTestCmd()
	require.NoError(t, runCheck(cmd, nil))
	assert.Contains(t, out.String(), "PASS")

	writeFile(t, dir, "fail.scenario.yaml", `
name: wrong expectation
rules: rules.yaml
cases:
  - name: unversioned prod bucket
    plan_file: prod.json
    expect: pass
`)
	cmd, _ = newTestCmd()
	assert.Equal(t, report.ExitError, exitCode(runCheck(cmd, nil)))
}

func TestCheckNoMatches(t *testing.T) {
	useSettings(t, func(s *config.Settings) {})
	checkScenario = filepath.Join(t.TempDir(), "*.yaml")
	t.Cleanup(func() { checkScenario = "" })

	cmd, _ := newTestCmd()
	err := runCheck(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no scenario files")
}

func TestDiffFailOnLoosen(t *testing.T) {
	dir := t.TempDir()
	oldPath := writeFile(t, dir, "old.yaml", testRules)
	newPath := writeFile(t, dir, "new.yaml", strings.Replace(testRules, "predicate:", "enforcement: advisory\n    predicate:", 1))
	useSettings(t, func(s *config.Settings) {})

	cmd, out := newTestCmd()
	require.NoError(t, runDiff(cmd, []string{oldPath, newPath}))
	assert.Contains(t, out.String(), "versioning")
	assert.Contains(t, out.String(), "Loosened")

	diffFailOnLoosen = true
	t.Cleanup(func() { diffFailOnLoosen = false })
	cmd, _ = newTestCmd()
	assert.Equal(t, report.ExitError, exitCode(runDiff(cmd, []string{oldPath, newPath})))

	// Tightening is never a failure.
	cmd, _ = newTestCmd()
	assert.NoError(t, runDiff(cmd, []string{newPath, oldPath}))
}

func TestAuditVerifyAndList(t *testing.T) {
	dir := t.TempDir()
	rules := writeFile(t, dir, "rules.yaml", testRules)
	auditPath := filepath.Join(dir, "audit.jsonl")
	useSettings(t, func(s *config.Settings) {
		s.RuleSet = rules
		s.AuditLog = auditPath
	})
	for _, env := range []string{"prod", "dev"} {
		cmd, _ := newTestCmd()
		_ = runEvaluate(cmd, []string{writeFile(t, dir, env+".json", bucketPlan(env, false))})
	}

	cmd, out := newTestCmd()
	require.NoError(t, runAuditVerify(cmd, []string{auditPath}))
	assert.Contains(t, out.String(), "OK: 2 entries verified")

	settings.Format = "json"
	auditDecision = "blocked"
	t.Cleanup(func() { auditDecision = "" })
	cmd, out = newTestCmd()
	require.NoError(t, runAuditList(cmd, []string{auditPath}))
	var result audit.QueryResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	require.Len(t, result.Entries, 1)
	assert.Equal(t, 1, result.Summary.Blocked)

	// Tamper with the first entry.
	data, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(auditPath, bytes.Replace(data, []byte(`"blocked"`), []byte(`"pass"`), 1), 0o600))
	cmd, _ = newTestCmd()
	assert.Equal(t, report.ExitError, exitCode(runAuditVerify(cmd, []string{auditPath})))
}

func TestHistoryListAndShow(t *testing.T) {
	dir := t.TempDir()
	rules := writeFile(t, dir, "rules.yaml", testRules)
	useSettings(t, func(s *config.Settings) {
		s.RuleSet = rules
		s.HistoryDSN = filepath.Join(dir, "history.db")
		s.Format = "json"
	})
	cmd, _ := newTestCmd()
	_ = runEvaluate(cmd, []string{writeFile(t, dir, "plan.json", bucketPlan("prod", false))})

	cmd, out := newTestCmd()
	require.NoError(t, runHistoryList(cmd, nil))
	var result audit.QueryResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	require.Len(t, result.Entries, 1)
	assert.Equal(t, 1, result.Summary.Total)

	cmd, out = newTestCmd()
	require.NoError(t, runHistoryShow(cmd, []string{result.Entries[0].RunID}))
	var entry audit.Entry
	require.NoError(t, json.Unmarshal(out.Bytes(), &entry))
	assert.Equal(t, "cli-rules", entry.RuleSet)

	cmd, _ = newTestCmd()
	assert.ErrorIs(t, runHistoryShow(cmd, []string{"missing"}), history.ErrNotFound)
}

func TestHistoryRequiresDSN(t *testing.T) {
	useSettings(t, func(s *config.Settings) {})
	cmd, _ := newTestCmd()
	err := runHistoryList(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no history store")
}

func TestInitWritesLoadableFiles(t *testing.T) {
	dir := t.TempDir()
	cmd, out := newTestCmd()
	require.NoError(t, runInit(cmd, []string{dir}))
	assert.Contains(t, out.String(), initRuleSetFile)

	rs, err := ruleset.Load(filepath.Join(dir, initRuleSetFile))
	require.NoError(t, err)
	assert.NotEmpty(t, rs.Rules)

	s, err := config.Load(filepath.Join(dir, initConfigFile), nil)
	require.NoError(t, err)
	assert.Equal(t, initRuleSetFile, s.RuleSet)
	assert.Equal(t, ".plangate/audit.jsonl", s.AuditLog)
}

func TestInitKeepsExistingFilesWithoutForce(t *testing.T) {
	dir := t.TempDir()
	sentinel := "# sentinel content\n"
	rulesPath := writeFile(t, dir, initRuleSetFile, sentinel)

	cmd, _ := newTestCmd()
	require.NoError(t, runInit(cmd, []string{dir}))
	data, err := os.ReadFile(rulesPath)
	require.NoError(t, err)
	assert.Equal(t, sentinel, string(data))

	initForce = true
	t.Cleanup(func() { initForce = false })
	cmd, _ = newTestCmd()
	require.NoError(t, runInit(cmd, []string{dir}))
	data, err = os.ReadFile(rulesPath)
	require.NoError(t, err)
	assert.Equal(t, ruleset.DefaultRuleSetYAML(), string(data))
}
