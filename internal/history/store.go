// Package history keeps a queryable SQL record of evaluation runs. SQLite is
// the default backend; Postgres is supported for shared CI installations.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/ppiankov/plangate/internal/audit"
)

// Supported drivers, as registered with database/sql.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("run not found")

const defaultLimit = 50

const runColumns = `run_id, ts, source, ruleset, ruleset_hash, report_digest, decision,
	resources, violations, hard_mandatory, soft_mandatory, advisory, error`

// Store persists run summaries. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the named driver and creates the schema if needed.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("history: empty DSN")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One writer; also keeps ":memory:" databases on a single connection.
		db.SetMaxOpenConns(1)
	}
	s, err := New(db, driver)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection. It does not migrate.
func New(db *sql.DB, driver string) (*Store, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("history: unsupported driver %q (valid: sqlite, postgres)", driver)
	}
	return &Store{db: db, driver: driver}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the runs table and its timestamp index.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS plangate_runs (
		run_id TEXT PRIMARY KEY,
		ts TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		ruleset TEXT NOT NULL DEFAULT '',
		ruleset_hash TEXT NOT NULL DEFAULT '',
		report_digest TEXT NOT NULL DEFAULT '',
		decision TEXT NOT NULL,
		resources INTEGER NOT NULL DEFAULT 0,
		violations INTEGER NOT NULL DEFAULT 0,
		hard_mandatory INTEGER NOT NULL DEFAULT 0,
		soft_mandatory INTEGER NOT NULL DEFAULT 0,
		advisory INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	)`,
		`CREATE INDEX IF NOT EXISTS plangate_runs_ts ON plangate_runs (ts)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("history: migrate: %w", err)
		}
	}
	return nil
}

// Record stores one run. A repeated run id is ignored.
func (s *Store) Record(ctx context.Context, e audit.Entry) error {
	if e.RunID == "" {
		return errors.New("history: entry has no run_id")
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(audit.TimestampFormat)
	}
	query := s.rebind(`INSERT INTO plangate_runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO NOTHING`)
	_, err := s.db.ExecContext(ctx, query,
		e.RunID, e.Timestamp, e.Source, e.RuleSet, e.RuleSetHash, e.ReportDigest, e.Decision,
		e.Counts.Resources, e.Counts.Violations, e.Counts.HardMandatory, e.Counts.SoftMandatory, e.Counts.Advisory,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("history: failed to insert run: %w", err)
	}
	return nil
}

// Filter selects runs for List. Zero fields do not filter.
type Filter struct {
	RuleSet  string
	Decision string
	Since    time.Time
	// Limit caps the result; <= 0 means 50.
	Limit int
}

// List returns the most recent matching runs, oldest first.
func (s *Store) List(ctx context.Context, f Filter) ([]audit.Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.RuleSet != "" {
		where = append(where, "ruleset = ?")
		args = append(args, f.RuleSet)
	}
	if f.Decision != "" {
		where = append(where, "decision = ?")
		args = append(args, f.Decision)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UTC().Format(audit.TimestampFormat))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	args = append(args, limit)

	query := `SELECT ` + runColumns + ` FROM plangate_runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY ts DESC, run_id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("history: query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: query runs: %w", err)
	}

	// Newest-first from the query; callers read timelines oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Get returns one run by id.
func (s *Store) Get(ctx context.Context, runID string) (*audit.Entry, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+runColumns+` FROM plangate_runs WHERE run_id = ?`), runID)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (audit.Entry, error) {
	var e audit.Entry
	err := sc.Scan(&e.RunID, &e.Timestamp, &e.Source, &e.RuleSet, &e.RuleSetHash, &e.ReportDigest, &e.Decision,
		&e.Counts.Resources, &e.Counts.Violations, &e.Counts.HardMandatory, &e.Counts.SoftMandatory, &e.Counts.Advisory,
		&e.Error)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("history: scan run: %w", err)
	}
	return e, nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
