package audit

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/plangate/internal/report"
)

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runs", "audit.jsonl")
	l, err := Open(path)
	require.NoError(t, err)
	return l, path
}

func testEntry(decision string) Entry {
	return Entry{
		RunID:       NewRunID(),
		Source:      "plan.json",
		RuleSet:     "baseline",
		RuleSetHash: "sha256:abc123",
		Decision:    decision,
	}
}

func TestSequentialWritesProduceValidChain(t *testing.T) {
	l, path := newTestLog(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Record(testEntry("pass")))
	}
	require.NoError(t, l.Close())

	result := Verify(path)
	assert.True(t, result.Valid, "error at line %d: %s", result.ErrorLine, result.Error)
	assert.Equal(t, 5, result.Lines)
}

func TestHeadMatchesVerifiedChain(t *testing.T) {
	l, path := newTestLog(t)
	assert.Equal(t, GenesisHash, l.Head())
	require.NoError(t, l.Record(testEntry("pass")))
	require.NoError(t, l.Record(testEntry("blocked")))
	head := l.Head()
	require.NoError(t, l.Close())

	result := Verify(path)
	require.True(t, result.Valid, result.Error)
	assert.Equal(t, head, result.Head)

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, head, reopened.Head())
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	l, path := newTestLog(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Record(testEntry("blocked")))
	}
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	lines[1] = strings.Replace(lines[1], `"blocked"`, `"pass"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	result := Verify(path)
	assert.False(t, result.Valid)
	assert.Equal(t, 3, result.ErrorLine)
}

func TestVerifyDetectsDeletedEntry(t *testing.T) {
	l, path := newTestLog(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Record(testEntry("pass")))
	}
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.NoError(t, os.WriteFile(path, []byte(lines[0]+"\n"+lines[2]+"\n"), 0o600))

	result := Verify(path)
	assert.False(t, result.Valid)
	assert.Equal(t, 2, result.ErrorLine)
}

func TestVerifyRejectsEntryWithoutRunID(t *testing.T) {
	l, path := newTestLog(t)
	e := testEntry("pass")
	e.RunID = ""
	require.NoError(t, l.Record(e))
	require.NoError(t, l.Close())

	result := Verify(path)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Error, "run_id")
}

func TestVerifyMissingFile(t *testing.T) {
	result := Verify(filepath.Join(t.TempDir(), "nope.jsonl"))
	assert.False(t, result.Valid)
	assert.Contains(t, result.Error, "open")
}

func TestReopenContinuesChain(t *testing.T) {
	l, path := newTestLog(t)
	require.NoError(t, l.Record(testEntry("pass")))
	require.NoError(t, l.Close())

	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Record(testEntry("blocked")))
	require.NoError(t, l.Close())

	result := Verify(path)
	assert.True(t, result.Valid, result.Error)
	assert.Equal(t, 2, result.Lines)
}

func TestConcurrentWritesProduceValidChain(t *testing.T) {
	l, path := newTestLog(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Record(testEntry("pass")))
		}()
	}
	wg.Wait()
	require.NoError(t, l.Close())

	result := Verify(path)
	assert.True(t, result.Valid, result.Error)
	assert.Equal(t, 20, result.Lines)
}

func TestNewEntryFromReport(t *testing.T) {
	rep := report.Aggregate([]report.Violation{
		{RuleID: "r", Address: "a.b", Tier: "prod", Severity: report.SeverityHigh, Enforcement: report.HardMandatory, Message: "m"},
		{RuleID: "w", Address: "a.b", Tier: "prod", Severity: report.SeverityLow, Enforcement: report.Advisory, Message: "m"},
	})
	rep.Summary.Resources = 3

	e, err := NewEntry("run-1", "plan.json", "baseline", "sha256:abc", rep)
	require.NoError(t, err)
	digest, err := rep.Digest()
	require.NoError(t, err)

	assert.Equal(t, digest, e.ReportDigest)
	assert.Equal(t, "blocked", e.Decision)
	assert.Equal(t, Counts{Resources: 3, Violations: 2, HardMandatory: 1, Advisory: 1}, e.Counts)

	ee := NewErrorEntry("run-2", "-", "baseline", "sha256:abc", errors.New("malformed plan"))
	assert.Equal(t, "error", ee.Decision)
	assert.Equal(t, "malformed plan", ee.Error)
}

func TestNewRunIDIsUnique(t *testing.T) {
	assert.NotEqual(t, NewRunID(), NewRunID())
}

func TestQueryFiltersAndSummarizes(t *testing.T) {
	l, path := newTestLog(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	decisions := []string{"pass", "blocked", "pass-with-warnings", "blocked-overridable", "error"}
	var ids []string
	for i, d := range decisions {
		e := testEntry(d)
		e.Timestamp = base.Add(time.Duration(i) * time.Minute).Format(TimestampFormat)
		ids = append(ids, e.RunID)
		require.NoError(t, l.Record(e))
	}
	require.NoError(t, l.Close())

	all, err := Query(path, Filter{})
	require.NoError(t, err)
	assert.Len(t, all.Entries, 5)
	assert.Equal(t, QuerySummary{
		Total: 5, Pass: 1, PassWithWarnings: 1, BlockedOverridable: 1, Blocked: 1, Errors: 1,
		FirstTimestamp: "2026-03-01T10:00:00.000Z",
		LastTimestamp:  "2026-03-01T10:04:00.000Z",
	}, all.Summary)

	one, err := Query(path, Filter{RunID: ids[1]})
	require.NoError(t, err)
	require.Len(t, one.Entries, 1)
	assert.Equal(t, "blocked", one.Entries[0].Decision)

	blocked, err := Query(path, Filter{Decision: "blocked"})
	require.NoError(t, err)
	assert.Len(t, blocked.Entries, 1)

	window, err := Query(path, Filter{From: base.Add(time.Minute), To: base.Add(3 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, window.Entries, 3)

	none, err := Query(path, Filter{RuleSet: "other"})
	require.NoError(t, err)
	assert.Empty(t, none.Entries)
}

func TestQuerySkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json\n"+`{"run_id":"x","decision":"pass"}`+"\n"), 0o600))

	res, err := Query(path, Filter{})
	require.NoError(t, err)
	assert.Len(t, res.Entries, 1)
}

func TestFormatTimeline(t *testing.T) {
	assert.Equal(t, "No runs found.\n", FormatTimeline(&QueryResult{}))

	res := &QueryResult{
		Entries: []Entry{
			{Timestamp: "2026-03-01T10:00:00.000Z", RunID: "0123456789", RuleSet: "baseline", Decision: "blocked",
				Counts: Counts{Violations: 2, HardMandatory: 1, Advisory: 1}},
			{Timestamp: "2026-03-01T10:05:00.000Z", RunID: "abc", RuleSet: "baseline", Decision: "error", Error: "malformed plan"},
		},
		Summary: QuerySummary{Total: 2, Blocked: 1, Errors: 1,
			FirstTimestamp: "2026-03-01T10:00:00.000Z", LastTimestamp: "2026-03-01T10:05:00.000Z"},
	}
	out := FormatTimeline(res)
	assert.Contains(t, out, "Runs: 2 | 2026-03-01 10:00:00 – 2026-03-01 10:05:00 UTC")
	assert.Contains(t, out, "01234...")
	assert.Contains(t, out, "BLOCKED")
	assert.Contains(t, out, "2 violations (1 hard, 0 soft, 1 advisory)")
	assert.Contains(t, out, "malformed plan")
	assert.Contains(t, out, "Summary: 1 blocked, 1 error")

	js, err := FormatJSON(res)
	require.NoError(t, err)
	assert.Contains(t, js, `"run_id": "0123456789"`)
}

func FuzzVerify(f *testing.F) {
	validLog := filepath.Join(f.TempDir(), "valid.jsonl")
	al, err := Open(validLog)
	if err != nil {
		f.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		_ = al.Record(testEntry("pass"))
	}
	_ = al.Close()
	validData, _ := os.ReadFile(validLog)
	f.Add(validData)
	f.Add([]byte{})
	f.Add([]byte(`{"not":"a valid entry"}` + "\n"))
	f.Add([]byte(`not json`))

	f.Fuzz(func(t *testing.T, data []byte) {
		tmpFile := filepath.Join(t.TempDir(), "fuzz.jsonl")
		_ = os.WriteFile(tmpFile, data, 0o600)
		Verify(tmpFile)
	})
}
