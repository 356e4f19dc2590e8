package aggregate

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

const conflictRetries = 5

// ErrNoChange is returned by an Update callback to leave the entity as it
// is. Update then succeeds with a nil ChangeRecord.
var ErrNoChange = errors.New("aggregate: no change")

// Update loads an entity, applies fn and saves it, reloading and reapplying
// fn when a concurrent writer bumped the version in between. fn must be
// repeatable.
func Update(ctx context.Context, r Repository, typ string, id uuid.UUID, fn func(e *Entity) error) (*Entity, *ChangeRecord, error) {
	var (
		e   *Entity
		rec *ChangeRecord
	)
	backoff := retry.WithMaxRetries(conflictRetries, retry.WithJitter(2*time.Millisecond, retry.NewExponential(5*time.Millisecond)))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		if e, err = r.Get(ctx, typ, id); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			if errors.Is(err, ErrNoChange) {
				rec = nil
				return nil
			}
			return err
		}
		rec, err = r.Save(ctx, e)
		if errors.Is(err, ErrVersionConflict) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return e, rec, nil
}

// UpdateAs is Update for fields decoded into T.
func UpdateAs[T any](ctx context.Context, r Repository, typ string, id uuid.UUID, fn func(v *T) error) (T, *ChangeRecord, error) {
	var out T
	_, rec, err := Update(ctx, r, typ, id, func(e *Entity) error {
		v, err := Decode[T](e)
		if err != nil {
			return err
		}
		out = v
		if err := fn(&v); err != nil {
			return err
		}
		out = v
		return e.Set(v)
	})
	return out, rec, err
}
