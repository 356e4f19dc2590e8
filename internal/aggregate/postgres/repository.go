// Package postgres stores aggregates in PostgreSQL as JSONB documents, with an
// append-only table of change records next to them.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/aggregate"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS aggregates (
	entity_type TEXT        NOT NULL,
	id          UUID        NOT NULL,
	version     INTEGER     NOT NULL,
	data        JSONB       NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (entity_type, id)
);
CREATE TABLE IF NOT EXISTS aggregate_changes (
	entity_type TEXT        NOT NULL,
	entity_id   UUID        NOT NULL,
	version     INTEGER     NOT NULL,
	action      TEXT        NOT NULL,
	fields      JSONB,
	created_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (entity_type, entity_id, version)
);`

var _ aggregate.Repository = (*Repository)(nil)

type Repository struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Repository {
	return &Repository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Open connects with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*Repository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return New(db), nil
}

func (r *Repository) Close() error { return r.db.Close() }

func (r *Repository) Name() string { return "postgres-aggregates" }

func (r *Repository) HealthCheck(ctx context.Context) error { return r.db.PingContext(ctx) }

// Migrate creates the tables when missing.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func (r *Repository) Create(ctx context.Context, typ string, fields any) (*aggregate.Entity, *aggregate.ChangeRecord, error) {
	e, rec, err := aggregate.NewEntity(typ, fields, r.now())
	if err != nil {
		return nil, nil, err
	}

	err = r.inTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO aggregates (entity_type, id, version, data, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`
		if _, err := tx.ExecContext(ctx, query, e.Type, e.ID, e.Version, []byte(e.Data), e.CreatedAt, e.UpdatedAt); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return fmt.Errorf("create %s %s: already exists: %w", typ, e.ID, err)
			}
			return fmt.Errorf("create %s: %w", typ, err)
		}
		return insertChange(ctx, tx, rec)
	})
	if err != nil {
		return nil, nil, err
	}
	return e, rec, nil
}

func (r *Repository) Get(ctx context.Context, typ string, id uuid.UUID) (*aggregate.Entity, error) {
	query := `
		SELECT entity_type, id, version, data, created_at, updated_at
		FROM aggregates
		WHERE entity_type = $1 AND id = $2
	`
	e, err := scanEntity(r.db.QueryRowContext(ctx, query, typ, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("postgres: %s %s: %w", typ, id, aggregate.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get %s %s: %w", typ, id, err)
	}
	return e, nil
}

func (r *Repository) Save(ctx context.Context, e *aggregate.Entity) (*aggregate.ChangeRecord, error) {
	var (
		next = e.Clone()
		rec  *aggregate.ChangeRecord
	)
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		query := `
			SELECT entity_type, id, version, data, created_at, updated_at
			FROM aggregates
			WHERE entity_type = $1 AND id = $2
			FOR UPDATE
		`
		stored, err := scanEntity(tx.QueryRowContext(ctx, query, e.Type, e.ID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s %s: %w", e.Type, e.ID, aggregate.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load %s %s: %w", e.Type, e.ID, err)
		}
		if stored.Version != e.Version {
			return fmt.Errorf("save %s %s at version %d, stored %d: %w",
				e.Type, e.ID, e.Version, stored.Version, aggregate.ErrVersionConflict)
		}

		if rec, err = aggregate.UpdateRecord(stored, next, r.now()); err != nil {
			return err
		}

		update := `
			UPDATE aggregates
			SET version = $1, data = $2, updated_at = $3
			WHERE entity_type = $4 AND id = $5 AND version = $6
		`
		res, err := tx.ExecContext(ctx, update, next.Version, []byte(next.Data), next.UpdatedAt, e.Type, e.ID, stored.Version)
		if err != nil {
			return fmt.Errorf("save %s %s: %w", e.Type, e.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("save %s %s: %w", e.Type, e.ID, aggregate.ErrVersionConflict)
		}
		return insertChange(ctx, tx, rec)
	})
	if err != nil {
		return nil, err
	}

	*e = *next
	return rec, nil
}

func (r *Repository) Delete(ctx context.Context, typ string, id uuid.UUID) (*aggregate.ChangeRecord, error) {
	var rec *aggregate.ChangeRecord
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		query := `
			DELETE FROM aggregates
			WHERE entity_type = $1 AND id = $2
			RETURNING version
		`
		var version int
		err := tx.QueryRowContext(ctx, query, typ, id).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s %s: %w", typ, id, aggregate.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("delete %s %s: %w", typ, id, err)
		}
		rec = aggregate.DeleteRecord(&aggregate.Entity{Type: typ, ID: id, Version: version}, r.now())
		return insertChange(ctx, tx, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Find streams matches ordered by creation time. Equality conditions are
// evaluated by PostgreSQL on the JSONB document.
func (r *Repository) Find(ctx context.Context, typ string, cond aggregate.Condition) iter.Seq2[*aggregate.Entity, error] {
	return func(yield func(*aggregate.Entity, error) bool) {
		query := `
			SELECT entity_type, id, version, data, created_at, updated_at
			FROM aggregates
			WHERE entity_type = $1
		`
		args := []any{typ}
		if field, value, ok := cond.Field(); ok {
			query += ` AND data -> $2 = $3::jsonb`
			args = append(args, field, string(value))
		}
		query += ` ORDER BY created_at, id`

		rows, err := r.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(nil, fmt.Errorf("postgres: find %s: %w", typ, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEntity(rows)
			if err != nil {
				yield(nil, fmt.Errorf("postgres: scan %s: %w", typ, err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("postgres: find %s: %w", typ, err))
		}
	}
}

// Changes returns the change log of one entity, oldest first.
func (r *Repository) Changes(ctx context.Context, typ string, id uuid.UUID) ([]aggregate.ChangeRecord, error) {
	query := `
		SELECT entity_type, entity_id, version, action, fields, created_at
		FROM aggregate_changes
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY version
	`
	rows, err := r.db.QueryContext(ctx, query, typ, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: changes %s %s: %w", typ, id, err)
	}
	defer rows.Close()

	var out []aggregate.ChangeRecord
	for rows.Next() {
		var (
			rec    aggregate.ChangeRecord
			action string
			fields []byte
		)
		if err := rows.Scan(&rec.EntityType, &rec.EntityID, &rec.Version, &action, &fields, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan change: %w", err)
		}
		rec.Action = aggregate.Action(action)
		if len(fields) > 0 {
			rec.Fields = json.RawMessage(fields)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(s scanner) (*aggregate.Entity, error) {
	var (
		e    aggregate.Entity
		data []byte
	)
	if err := s.Scan(&e.Type, &e.ID, &e.Version, &data, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Data = json.RawMessage(data)
	return &e, nil
}

func insertChange(ctx context.Context, tx *sql.Tx, rec *aggregate.ChangeRecord) error {
	query := `
		INSERT INTO aggregate_changes (entity_type, entity_id, version, action, fields, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	var fields any
	if len(rec.Fields) > 0 {
		fields = []byte(rec.Fields)
	}
	if _, err := tx.ExecContext(ctx, query, rec.EntityType, rec.EntityID, rec.Version, string(rec.Action), fields, rec.CreatedAt); err != nil {
		return fmt.Errorf("record %s change of %s %s: %w", rec.Action, rec.EntityType, rec.EntityID, err)
	}
	return nil
}

func (r *Repository) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("postgres: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}
