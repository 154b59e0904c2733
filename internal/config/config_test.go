package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plangate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func testFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("workers", 0, "")
	fs.String("format", "text", "")
	fs.String("log-level", "warn", "")
	fs.Duration("timeout", 0, "")
	return fs
}

func TestDefaultsWithoutFile(t *testing.T) {
	s, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "text", s.Format)
	assert.Equal(t, "sqlite", s.HistoryDriver)
	assert.Equal(t, "warn", s.LogLevel)
	assert.Zero(t, s.Workers)
	assert.Zero(t, s.Timeout)
}

func TestFileValues(t *testing.T) {
	path := writeConfig(t, `
ruleset: rules/baseline.yaml
workers: 4
timeout: 30s
format: json
audit_log: /var/log/plangate/audit.jsonl
history_driver: postgres
history_dsn: postgres://localhost/plangate
alerts:
  - url: https://hooks.example.com/x
    format: slack
    decisions: [blocked]
`)
	s, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "rules/baseline.yaml", s.RuleSet)
	assert.Equal(t, 4, s.Workers)
	assert.Equal(t, 30*time.Second, s.Timeout)
	assert.Equal(t, "json", s.Format)
	assert.Equal(t, "postgres", s.HistoryDriver)
	require.Len(t, s.Alerts, 1)
	assert.Equal(t, "slack", s.Alerts[0].Format)
	assert.Equal(t, []string{"blocked"}, s.Alerts[0].Decisions)
}

func TestPrecedenceFlagOverEnvOverFile(t *testing.T) {
	path := writeConfig(t, "workers: 2\nformat: json\nlog_level: info\n")
	t.Setenv("PLANGATE_WORKERS", "6")
	t.Setenv("PLANGATE_LOG_LEVEL", "DEBUG")

	fs := testFlags()
	require.NoError(t, fs.Parse([]string{"--workers", "8"}))

	s, err := Load(path, fs)
	require.NoError(t, err)
	assert.Equal(t, 8, s.Workers, "changed flag wins")
	assert.Equal(t, "debug", s.LogLevel, "env beats file")
	assert.Equal(t, "json", s.Format, "unchanged flag default does not override file")
}

func TestEnvTimeout(t *testing.T) {
	t.Setenv("PLANGATE_TIMEOUT", "90s")
	s, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, s.Timeout)
}

func TestInvalidValuesRejected(t *testing.T) {
	cases := map[string]string{
		"format":  "format: xml\n",
		"driver":  "history_driver: mysql\n",
		"workers": "workers: -1\n",
		"level":   "log_level: loud\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content), nil)
			assert.ErrorContains(t, err, "invalid config")
		})
	}
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.ErrorContains(t, err, "failed to read config file")
}
