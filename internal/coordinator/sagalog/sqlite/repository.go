// Package sqlite provides a SQLite-backed implementation of sagalog.Repository.
//
// WAL mode is enabled on Open so that readers never block writers and vice
// versa: the saga goroutines write while the ops HTTP handler reads.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator/sagalog"

	// Register the pure-Go SQLite driver.
	// modernc.org/sqlite avoids the CGO requirement of mattn/go-sqlite3.
	_ "modernc.org/sqlite"
)

// schema is the DDL executed once on startup.
//
// saga_executions holds one row per execution (the latest snapshot).
// saga_logs is append-only: each row is an immutable transition event.
const schema = `
CREATE TABLE IF NOT EXISTS saga_executions (
    execution_id            TEXT    PRIMARY KEY,
    definition_name         TEXT    NOT NULL,
    status                  TEXT    NOT NULL,
    cursor                  INTEGER NOT NULL DEFAULT 0,

    -- JSON array of completed step indices.
    completed_steps         TEXT    NOT NULL DEFAULT '[]',

    -- JSON object: the saga context snapshot.
    context                 TEXT    NOT NULL DEFAULT '{}',

    -- Correlation id of the command awaiting a reply. NULL when none.
    pending_correlation_id  TEXT,
    deadline                TEXT,
    cancel_requested        INTEGER NOT NULL DEFAULT 0,
    error                   TEXT    NOT NULL DEFAULT '',

    -- JSON array of compensation failures.
    compensation_errors     TEXT    NOT NULL DEFAULT '[]',

    trace_id                TEXT    NOT NULL DEFAULT '',
    span_id                 TEXT    NOT NULL DEFAULT '',
    created_at              TEXT    NOT NULL,
    updated_at              TEXT    NOT NULL,

    -- Incremented by every save; guards concurrent writers.
    version                 INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_saga_executions_correlation
    ON saga_executions(pending_correlation_id) WHERE pending_correlation_id IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_saga_executions_status ON saga_executions(status);

CREATE TABLE IF NOT EXISTS saga_logs (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    execution_id    TEXT    NOT NULL,
    status          TEXT    NOT NULL,
    cursor          INTEGER NOT NULL DEFAULT 0,
    error           TEXT    NOT NULL DEFAULT '',

    -- W3C trace_id (32 hex chars) from the active OTel span.
    trace_id        TEXT    NOT NULL DEFAULT '',
    span_id         TEXT    NOT NULL DEFAULT '',
    recorded_at     TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_saga_logs_execution_id ON saga_logs(execution_id, id);

CREATE INDEX IF NOT EXISTS idx_saga_logs_trace_id ON saga_logs(trace_id);
`

const selectColumns = `
	execution_id, definition_name, status, cursor, completed_steps, context,
	COALESCE(pending_correlation_id, ''), COALESCE(deadline, ''), cancel_requested,
	error, compensation_errors, trace_id, span_id, created_at, updated_at, version`

// Compile-time interface checks.
var (
	_ sagalog.Repository    = (*Repository)(nil)
	_ sagalog.HistoryReader = (*Repository)(nil)
)

// Repository is the SQLite implementation of sagalog.Repository.
type Repository struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at the given path and applies
// the schema.
//
//	repo, err := sqlite.Open("./data/saga.db")
func Open(path string) (*Repository, error) {
	// WAL enables concurrent readers. busy_timeout waits for locks instead of
	// failing immediately.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close releases the database connection. Call it with defer in main().
func (r *Repository) Close() error {
	return r.db.Close()
}

// Name and HealthCheck let the repository join the health registry.
func (r *Repository) Name() string { return "sqlite" }

func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Save writes the execution snapshot and appends a transition row in a
// single transaction. The snapshot row is only replaced while its version
// still matches rec.Version.
func (r *Repository) Save(ctx context.Context, rec *sagalog.Record) error {
	completed, err := json.Marshal(nonNilInts(rec.CompletedSteps))
	if err != nil {
		return fmt.Errorf("sqlite: encode completed steps for %q: %w", rec.ExecutionID, err)
	}
	compErrs, err := json.Marshal(nonNilStrings(rec.CompensationErrors))
	if err != nil {
		return fmt.Errorf("sqlite: encode compensation errors for %q: %w", rec.ExecutionID, err)
	}
	sagaCtx := string(rec.Context)
	if sagaCtx == "" {
		sagaCtx = "{}"
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin save for %q: %w", rec.ExecutionID, err)
	}
	defer func() { _ = tx.Rollback() }()

	var res sql.Result
	if rec.Version == 0 {
		const insert = `
			INSERT INTO saga_executions
				(execution_id, definition_name, status, cursor, completed_steps, context,
				 pending_correlation_id, deadline, cancel_requested, error, compensation_errors,
				 trace_id, span_id, created_at, updated_at, version)
			VALUES
				(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT(execution_id) DO NOTHING`

		res, err = tx.ExecContext(ctx, insert,
			rec.ExecutionID,
			rec.DefinitionName,
			string(rec.Status),
			rec.Cursor,
			string(completed),
			sagaCtx,
			nullableString(rec.PendingCorrelationID),
			nullableTime(rec.Deadline),
			rec.CancelRequested,
			rec.Error,
			string(compErrs),
			rec.TraceID,
			rec.SpanID,
			formatTime(rec.CreatedAt),
			formatTime(rec.UpdatedAt),
		)
	} else {
		const update = `
			UPDATE saga_executions SET
				definition_name        = ?,
				status                 = ?,
				cursor                 = ?,
				completed_steps        = ?,
				context                = ?,
				pending_correlation_id = ?,
				deadline               = ?,
				cancel_requested       = ?,
				error                  = ?,
				compensation_errors    = ?,
				trace_id               = ?,
				span_id                = ?,
				updated_at             = ?,
				version                = version + 1
			WHERE execution_id = ? AND version = ?`

		res, err = tx.ExecContext(ctx, update,
			rec.DefinitionName,
			string(rec.Status),
			rec.Cursor,
			string(completed),
			sagaCtx,
			nullableString(rec.PendingCorrelationID),
			nullableTime(rec.Deadline),
			rec.CancelRequested,
			rec.Error,
			string(compErrs),
			rec.TraceID,
			rec.SpanID,
			formatTime(rec.UpdatedAt),
			rec.ExecutionID,
			rec.Version,
		)
	}
	if err != nil {
		return fmt.Errorf("sqlite: save execution %q: %w", rec.ExecutionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: save execution %q: %w", rec.ExecutionID, err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: save execution %q at version %d: %w", rec.ExecutionID, rec.Version, sagalog.ErrConflict)
	}

	const appendLog = `
		INSERT INTO saga_logs
			(execution_id, status, cursor, error, trace_id, span_id, recorded_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?)`

	_, err = tx.ExecContext(ctx, appendLog,
		rec.ExecutionID,
		string(rec.Status),
		rec.Cursor,
		rec.Error,
		rec.TraceID,
		rec.SpanID,
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: append saga log for %q: %w", rec.ExecutionID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit save for %q: %w", rec.ExecutionID, err)
	}
	rec.Version++
	return nil
}

// Get returns the snapshot of a single execution.
func (r *Repository) Get(ctx context.Context, executionID string) (*sagalog.Record, error) {
	q := `SELECT ` + selectColumns + ` FROM saga_executions WHERE execution_id = ?`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, q, executionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: execution %q: %w", executionID, sagalog.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get execution %q: %w", executionID, err)
	}
	return rec, nil
}

// GetByCorrelation returns the execution awaiting the given correlation id.
func (r *Repository) GetByCorrelation(ctx context.Context, correlationID string) (*sagalog.Record, error) {
	q := `SELECT ` + selectColumns + ` FROM saga_executions WHERE pending_correlation_id = ?`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, q, correlationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: correlation %q: %w", correlationID, sagalog.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get by correlation %q: %w", correlationID, err)
	}
	return rec, nil
}

// ListByStatus returns executions in any of the given statuses, oldest first.
func (r *Repository) ListByStatus(ctx context.Context, statuses ...sagalog.Status) ([]*sagalog.Record, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}

	q := `SELECT ` + selectColumns + ` FROM saga_executions WHERE status IN (` + placeholders + `) ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list by status: %w", err)
	}
	defer rows.Close()

	var out []*sagalog.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: list by status: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list by status: %w", err)
	}
	return out, nil
}

// History returns the transition log of an execution in write order.
func (r *Repository) History(ctx context.Context, executionID string) ([]sagalog.Entry, error) {
	const q = `
		SELECT execution_id, status, cursor, error, trace_id, span_id, recorded_at
		FROM   saga_logs
		WHERE  execution_id = ?
		ORDER  BY id`

	rows, err := r.db.QueryContext(ctx, q, executionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: history for %q: %w", executionID, err)
	}
	defer rows.Close()

	var out []sagalog.Entry
	for rows.Next() {
		var (
			e          sagalog.Entry
			recordedAt string
		)
		if err := rows.Scan(&e.ExecutionID, &e.Status, &e.Cursor, &e.Error, &e.TraceID, &e.SpanID, &recordedAt); err != nil {
			return nil, fmt.Errorf("sqlite: history for %q: %w", executionID, err)
		}
		if e.RecordedAt, err = parseRFC3339(recordedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: history for %q: %w", executionID, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("sqlite: history for %q: %w", executionID, sagalog.ErrNotFound)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*sagalog.Record, error) {
	var (
		rec                                    sagalog.Record
		completed, sagaCtx, deadline, compErrs string
		createdAt, updatedAt                   string
	)
	err := s.Scan(
		&rec.ExecutionID,
		&rec.DefinitionName,
		&rec.Status,
		&rec.Cursor,
		&completed,
		&sagaCtx,
		&rec.PendingCorrelationID,
		&deadline,
		&rec.CancelRequested,
		&rec.Error,
		&compErrs,
		&rec.TraceID,
		&rec.SpanID,
		&createdAt,
		&updatedAt,
		&rec.Version,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(completed), &rec.CompletedSteps); err != nil {
		return nil, fmt.Errorf("sqlite: decode completed steps: %w", err)
	}
	if err := json.Unmarshal([]byte(compErrs), &rec.CompensationErrors); err != nil {
		return nil, fmt.Errorf("sqlite: decode compensation errors: %w", err)
	}
	rec.Context = json.RawMessage(sagaCtx)

	if deadline != "" {
		if rec.Deadline, err = parseRFC3339(deadline); err != nil {
			return nil, err
		}
	}
	if rec.CreatedAt, err = parseRFC3339(createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseRFC3339(updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

// applySchema runs the DDL statements once. Idempotent due to IF NOT EXISTS.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return nil
}

// nullableString returns nil for empty strings so SQLite stores NULL instead
// of an empty TEXT. The partial unique index on pending_correlation_id
// relies on it.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func nonNilInts(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
