// Package checkpoint keeps run history and resume points in a SQLite
// database.
package checkpoint

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/johndauphine/oracle-mssql-migrate/internal/events"
	"github.com/johndauphine/oracle-mssql-migrate/internal/logging"
	"github.com/johndauphine/oracle-mssql-migrate/internal/orchestrator"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// timeFormat has a fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Run is one stored migration run.
type Run struct {
	ID                   string
	Query                string
	Args                 []string
	Table                string
	State                events.State
	Counters             events.Counters
	LastCommittedOrdinal int64
	ResumedFrom          string
	Error                string
	StartedAt            time.Time
	UpdatedAt            time.Time
	FinishedAt           *time.Time
}

// Store is the SQLite run history. It implements events.Sink so a run's
// progress is recorded as it happens.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating when needed) the state database at path. Use
// ":memory:" for a throwaway store.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating state directory: %w", err)
			}
		}
		dsn = path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	// One connection keeps :memory: databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun records a new run in the running state. StartedAt defaults to
// now.
func (s *Store) CreateRun(run *Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.UpdatedAt = run.StartedAt
	if run.State == events.StateIdle {
		run.State = events.StateRunning
	}
	args, err := json.Marshal(run.Args)
	if err != nil {
		return fmt.Errorf("encoding query arguments: %w", err)
	}
	if run.Args == nil {
		args = []byte("[]")
	}

	_, err = s.db.Exec(`INSERT INTO runs (id, query, args, target_table, state, last_ordinal, resumed_from, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Query, string(args), run.Table, run.State.String(), run.LastCommittedOrdinal,
		nullString(run.ResumedFrom), formatTime(run.StartedAt), formatTime(run.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// Emit records state transitions and committed batches. Storage errors are
// logged; they never interrupt the run.
func (s *Store) Emit(e events.Event) {
	if e.RunID == "" {
		return
	}
	var err error
	switch e.Kind {
	case events.KindState:
		err = s.saveProgress(e.RunID, e.State, e.Counters, e.LastOrdinal)
	case events.KindBatch:
		if e.Level != events.LevelError {
			err = s.saveProgress(e.RunID, e.State, e.Counters, e.LastOrdinal)
		}
	}
	if err != nil {
		logging.Warn("Recording progress of run %s: %v", e.RunID, err)
	}
}

func (s *Store) saveProgress(id string, state events.State, c events.Counters, lastOrdinal int64) error {
	_, err := s.db.Exec(`UPDATE runs SET state = ?, rows_read = ?, rows_coerced = ?, rows_skipped = ?,
		rows_inserted = ?, rows_failed = ?, batches_committed = ?, batches_failed = ?,
		last_ordinal = max(last_ordinal, ?), updated_at = ?
		WHERE id = ?`,
		state.String(), c.RowsRead, c.RowsCoerced, c.RowsSkippedAtRead, c.RowsInserted, c.RowsFailed,
		c.BatchesCommitted, c.BatchesFailed, lastOrdinal, formatTime(time.Now()), id)
	return err
}

// FinishRun stores the final result of a run and its failure records.
func (s *Store) FinishRun(ctx context.Context, r *orchestrator.MigrationResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	finished := r.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	c := r.Counters
	res, err := tx.ExecContext(ctx, `UPDATE runs SET state = ?, rows_read = ?, rows_coerced = ?, rows_skipped = ?,
		rows_inserted = ?, rows_failed = ?, batches_committed = ?, batches_failed = ?,
		last_ordinal = max(last_ordinal, ?), error = ?, updated_at = ?, finished_at = ?
		WHERE id = ?`,
		r.State.String(), c.RowsRead, c.RowsCoerced, c.RowsSkippedAtRead, c.RowsInserted, c.RowsFailed,
		c.BatchesCommitted, c.BatchesFailed, r.LastCommittedOrdinal, nullString(r.AbortReason),
		formatTime(finished), formatTime(finished), r.RunID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, r.RunID)
	}

	for _, f := range r.Failures {
		if _, err := tx.ExecContext(ctx, `INSERT INTO run_failures
			(run_id, batch_seq, row_offset, source_ordinal, rows, column_name, kind, reason, fingerprint)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RunID, f.BatchSeq, f.RowOffset, f.SourceOrdinal, f.Rows, nullString(f.Column), f.Kind, f.Reason,
			nullString(f.Fingerprint)); err != nil {
			return fmt.Errorf("failed to record failure: %w", err)
		}
	}
	return tx.Commit()
}

const runColumns = `id, query, args, target_table, state, rows_read, rows_coerced, rows_skipped,
	rows_inserted, rows_failed, batches_committed, batches_failed, last_ordinal, resumed_from, error,
	started_at, updated_at, finished_at`

// GetRun returns the run with the given id, or ErrNotFound.
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// LastIncompleteRun returns the newest run that did not complete and has
// not been resumed, or nil when there is none.
func (s *Store) LastIncompleteRun() (*Run, error) {
	row := s.db.QueryRow(`SELECT ` + runColumns + ` FROM runs
		WHERE state != 'completed'
		  AND id NOT IN (SELECT resumed_from FROM runs WHERE resumed_from IS NOT NULL)
		ORDER BY started_at DESC LIMIT 1`)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find incomplete run: %w", err)
	}
	return run, nil
}

// Failures returns the failure records stored for a run.
func (s *Store) Failures(runID string) ([]orchestrator.FailureRecord, error) {
	rows, err := s.db.Query(`SELECT batch_seq, row_offset, source_ordinal, rows, column_name, kind, reason, fingerprint
		FROM run_failures WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	defer rows.Close()

	var out []orchestrator.FailureRecord
	for rows.Next() {
		var f orchestrator.FailureRecord
		var column, fingerprint sql.NullString
		if err := rows.Scan(&f.BatchSeq, &f.RowOffset, &f.SourceOrdinal, &f.Rows, &column, &f.Kind, &f.Reason, &fingerprint); err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		f.Column, f.Fingerprint = column.String, fingerprint.String
		out = append(out, f)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		run                           Run
		args, state, started, updated string
		resumedFrom, errMsg, finished sql.NullString
	)
	err := sc.Scan(&run.ID, &run.Query, &args, &run.Table, &state,
		&run.Counters.RowsRead, &run.Counters.RowsCoerced, &run.Counters.RowsSkippedAtRead,
		&run.Counters.RowsInserted, &run.Counters.RowsFailed, &run.Counters.BatchesCommitted,
		&run.Counters.BatchesFailed, &run.LastCommittedOrdinal, &resumedFrom, &errMsg,
		&started, &updated, &finished)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(args), &run.Args); err != nil {
		return nil, fmt.Errorf("decoding arguments of run %s: %w", run.ID, err)
	}
	if run.State, err = events.ParseState(state); err != nil {
		return nil, err
	}
	run.ResumedFrom, run.Error = resumedFrom.String, errMsg.String
	if run.StartedAt, err = time.Parse(timeFormat, started); err != nil {
		return nil, fmt.Errorf("parsing started_at of run %s: %w", run.ID, err)
	}
	if run.UpdatedAt, err = time.Parse(timeFormat, updated); err != nil {
		return nil, fmt.Errorf("parsing updated_at of run %s: %w", run.ID, err)
	}
	if finished.Valid {
		t, err := time.Parse(timeFormat, finished.String)
		if err != nil {
			return nil, fmt.Errorf("parsing finished_at of run %s: %w", run.ID, err)
		}
		run.FinishedAt = &t
	}
	return &run, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
