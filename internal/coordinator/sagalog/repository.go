package sagalog

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no record matches the lookup.
	ErrNotFound = errors.New("sagalog: record not found")

	// ErrConflict is returned by Save when the stored record changed since
	// the caller read it.
	ErrConflict = errors.New("sagalog: record was modified concurrently")
)

// Repository is the port for persisting saga execution records.
// The coordinator depends on this abstraction, not on a concrete store,
// so the implementation can be SQLite, Redis or in-memory (tests).
type Repository interface {
	// Save upserts the snapshot for r.ExecutionID. Implementations must make
	// the new pending correlation id visible to GetByCorrelation and drop the
	// previous one.
	//
	// Save is a compare-and-set on r.Version: a new execution is saved with
	// Version 0, an existing one with the Version it was read at. On success
	// r.Version is incremented; a mismatch returns ErrConflict and writes
	// nothing.
	Save(ctx context.Context, r *Record) error

	// Get returns the latest snapshot of an execution or ErrNotFound.
	Get(ctx context.Context, executionID string) (*Record, error)

	// GetByCorrelation returns the execution currently awaiting the reply
	// with the given correlation id, or ErrNotFound.
	GetByCorrelation(ctx context.Context, correlationID string) (*Record, error)

	// ListByStatus returns every execution in one of the given statuses.
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Record, error)
}

// HistoryReader is implemented by stores that keep the append-only
// transition log next to the snapshot.
type HistoryReader interface {
	History(ctx context.Context, executionID string) ([]Entry, error)
}
