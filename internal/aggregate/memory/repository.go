// Package memory provides an aggregate.Repository backed by
// hashicorp/go-memdb.
package memory

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/aggregate"
)

const table = "entities"

var _ aggregate.Repository = (*Repository)(nil)

type row struct {
	Key    string
	Type   string
	Entity *aggregate.Entity
}

type Repository struct {
	db  *memdb.MemDB
	now func() time.Time
}

func New() (*Repository, error) {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			table: {
				Name: table,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
					"type": {
						Name:    "type",
						Indexer: &memdb.StringFieldIndex{Field: "Type"},
					},
				},
			},
		},
	}

	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("memory: create db: %w", err)
	}
	return &Repository{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func key(typ string, id uuid.UUID) string { return typ + "/" + id.String() }

func (r *Repository) Create(_ context.Context, typ string, fields any) (*aggregate.Entity, *aggregate.ChangeRecord, error) {
	e, rec, err := aggregate.NewEntity(typ, fields, r.now())
	if err != nil {
		return nil, nil, err
	}

	txn := r.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(table, &row{Key: key(typ, e.ID), Type: typ, Entity: e.Clone()}); err != nil {
		return nil, nil, fmt.Errorf("memory: create %s: %w", typ, err)
	}
	txn.Commit()
	return e, rec, nil
}

func (r *Repository) Get(_ context.Context, typ string, id uuid.UUID) (*aggregate.Entity, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()

	stored, err := lookup(txn, typ, id)
	if err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

func (r *Repository) Save(_ context.Context, e *aggregate.Entity) (*aggregate.ChangeRecord, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()

	stored, err := lookup(txn, e.Type, e.ID)
	if err != nil {
		return nil, err
	}
	if stored.Version != e.Version {
		return nil, fmt.Errorf("memory: save %s %s at version %d, stored %d: %w",
			e.Type, e.ID, e.Version, stored.Version, aggregate.ErrVersionConflict)
	}

	next := e.Clone()
	rec, err := aggregate.UpdateRecord(stored, next, r.now())
	if err != nil {
		return nil, err
	}
	if err := txn.Insert(table, &row{Key: key(e.Type, e.ID), Type: e.Type, Entity: next.Clone()}); err != nil {
		return nil, fmt.Errorf("memory: save %s %s: %w", e.Type, e.ID, err)
	}
	txn.Commit()

	*e = *next
	return rec, nil
}

func (r *Repository) Delete(_ context.Context, typ string, id uuid.UUID) (*aggregate.ChangeRecord, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()

	stored, err := lookup(txn, typ, id)
	if err != nil {
		return nil, err
	}
	if _, err := txn.DeleteAll(table, "id", key(typ, id)); err != nil {
		return nil, fmt.Errorf("memory: delete %s %s: %w", typ, id, err)
	}
	txn.Commit()
	return aggregate.DeleteRecord(stored, r.now()), nil
}

// Find yields matches in creation order from a snapshot taken at the call.
func (r *Repository) Find(_ context.Context, typ string, cond aggregate.Condition) iter.Seq2[*aggregate.Entity, error] {
	return func(yield func(*aggregate.Entity, error) bool) {
		txn := r.db.Txn(false)
		defer txn.Abort()

		it, err := txn.Get(table, "type", typ)
		if err != nil {
			yield(nil, fmt.Errorf("memory: find %s: %w", typ, err))
			return
		}

		var matches []*aggregate.Entity
		for obj := it.Next(); obj != nil; obj = it.Next() {
			if e := obj.(*row).Entity; cond.Match(e) {
				matches = append(matches, e)
			}
		}
		sort.SliceStable(matches, func(i, j int) bool { return matches[i].CreatedAt.Before(matches[j].CreatedAt) })

		for _, e := range matches {
			if !yield(e.Clone(), nil) {
				return
			}
		}
	}
}

func lookup(txn *memdb.Txn, typ string, id uuid.UUID) (*aggregate.Entity, error) {
	obj, err := txn.First(table, "id", key(typ, id))
	if err != nil {
		return nil, fmt.Errorf("memory: get %s %s: %w", typ, id, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("memory: %s %s: %w", typ, id, aggregate.ErrNotFound)
	}
	return obj.(*row).Entity, nil
}
