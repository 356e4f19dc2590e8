// Package memory provides an in-process sagalog.Repository backed by
// hashicorp/go-memdb. Records do not survive a restart; use it for tests and
// single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashicorp/go-memdb"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator/sagalog"
)

const table = "executions"

var _ sagalog.Repository = (*Repository)(nil)

// Repository keeps execution snapshots in an indexed in-memory database.
type Repository struct {
	db *memdb.MemDB
}

// New creates an empty repository.
func New() (*Repository, error) {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			table: {
				Name: table,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ExecutionID"},
					},
					"correlation": {
						Name:         "correlation",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "PendingCorrelationID"},
					},
					"status": {
						Name:    "status",
						Indexer: &memdb.StringFieldIndex{Field: "Status"},
					},
				},
			},
		},
	}

	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("memory: create db: %w", err)
	}
	return &Repository{db: db}, nil
}

// Save stores a copy of rec, replacing the previous snapshot.
func (r *Repository) Save(_ context.Context, rec *sagalog.Record) error {
	txn := r.db.Txn(true)
	defer txn.Abort()

	prev, err := txn.First(table, "id", rec.ExecutionID)
	if err != nil {
		return fmt.Errorf("memory: save execution %q: %w", rec.ExecutionID, err)
	}
	var stored int64
	if prev != nil {
		stored = prev.(*sagalog.Record).Version
	}
	if stored != rec.Version {
		return fmt.Errorf("memory: save execution %q at version %d, stored %d: %w",
			rec.ExecutionID, rec.Version, stored, sagalog.ErrConflict)
	}

	next := rec.Clone()
	next.Version++
	if err := txn.Insert(table, next); err != nil {
		return fmt.Errorf("memory: save execution %q: %w", rec.ExecutionID, err)
	}
	txn.Commit()
	rec.Version = next.Version
	return nil
}

func (r *Repository) Get(_ context.Context, executionID string) (*sagalog.Record, error) {
	return r.first("id", executionID)
}

func (r *Repository) GetByCorrelation(_ context.Context, correlationID string) (*sagalog.Record, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("memory: empty correlation: %w", sagalog.ErrNotFound)
	}
	return r.first("correlation", correlationID)
}

func (r *Repository) ListByStatus(_ context.Context, statuses ...sagalog.Status) ([]*sagalog.Record, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()

	var out []*sagalog.Record
	for _, s := range statuses {
		it, err := txn.Get(table, "status", string(s))
		if err != nil {
			return nil, fmt.Errorf("memory: list by status %q: %w", s, err)
		}
		for obj := it.Next(); obj != nil; obj = it.Next() {
			out = append(out, obj.(*sagalog.Record).Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Repository) first(index, value string) (*sagalog.Record, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()

	obj, err := txn.First(table, index, value)
	if err != nil {
		return nil, fmt.Errorf("memory: lookup %s %q: %w", index, value, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("memory: %s %q: %w", index, value, sagalog.ErrNotFound)
	}
	return obj.(*sagalog.Record).Clone(), nil
}
