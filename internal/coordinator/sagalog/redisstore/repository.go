// Package redisstore provides a Redis-backed sagalog.Repository.
//
// Layout under the configured prefix:
//
//	<prefix>:execution:<id>           JSON snapshot
//	<prefix>:correlation:<corr>       execution id awaiting that reply
//	<prefix>:status:<status>          set of execution ids
//
// Terminal snapshots expire after the configured retention.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator/sagalog"
)

var _ sagalog.Repository = (*Repository)(nil)

// Repository stores execution snapshots in Redis.
type Repository struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// Option configures a Repository.
type Option func(*Repository)

// WithPrefix sets the key namespace. Defaults to "saga".
func WithPrefix(prefix string) Option {
	return func(r *Repository) { r.prefix = prefix }
}

// WithRetention sets how long terminal executions are kept. Zero keeps them
// forever.
func WithRetention(d time.Duration) Option {
	return func(r *Repository) { r.retention = d }
}

func New(client redis.UniversalClient, opts ...Option) *Repository {
	r := &Repository{client: client, prefix: "saga"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) Name() string { return "redis-sagalog" }

func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Save writes rec under WATCH on its snapshot key, so a concurrent writer
// makes it fail with sagalog.ErrConflict instead of overwriting.
func (r *Repository) Save(ctx context.Context, rec *sagalog.Record) error {
	next := rec.Clone()
	next.Version++
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("redisstore: encode execution %q: %w", rec.ExecutionID, err)
	}

	var ttl time.Duration
	if rec.Status.Terminal() {
		ttl = r.retention
	}

	key := r.executionKey(rec.ExecutionID)
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		var prev *sagalog.Record
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if prev, err = decode(rec.ExecutionID, raw); err != nil {
				return err
			}
		}

		var stored int64
		if prev != nil {
			stored = prev.Version
		}
		if stored != rec.Version {
			return fmt.Errorf("redisstore: save execution %q at version %d, stored %d: %w",
				rec.ExecutionID, rec.Version, stored, sagalog.ErrConflict)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)

			if prev != nil {
				if prev.Status != rec.Status {
					pipe.SRem(ctx, r.statusKey(prev.Status), rec.ExecutionID)
				}
				if prev.PendingCorrelationID != "" && prev.PendingCorrelationID != rec.PendingCorrelationID {
					pipe.Del(ctx, r.correlationKey(prev.PendingCorrelationID))
				}
			}

			if rec.Status.Terminal() {
				pipe.SRem(ctx, r.statusKey(rec.Status), rec.ExecutionID)
			} else {
				pipe.SAdd(ctx, r.statusKey(rec.Status), rec.ExecutionID)
			}

			if rec.PendingCorrelationID != "" {
				pipe.Set(ctx, r.correlationKey(rec.PendingCorrelationID), rec.ExecutionID, 0)
			}
			return nil
		})
		return err
	}, key)
	switch {
	case errors.Is(err, sagalog.ErrConflict):
		return err
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("redisstore: save execution %q: %w", rec.ExecutionID, sagalog.ErrConflict)
	case err != nil:
		return fmt.Errorf("redisstore: save execution %q: %w", rec.ExecutionID, err)
	}
	rec.Version = next.Version
	return nil
}

func (r *Repository) Get(ctx context.Context, executionID string) (*sagalog.Record, error) {
	data, err := r.client.Get(ctx, r.executionKey(executionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redisstore: execution %q: %w", executionID, sagalog.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get execution %q: %w", executionID, err)
	}
	return decode(executionID, data)
}

func (r *Repository) GetByCorrelation(ctx context.Context, correlationID string) (*sagalog.Record, error) {
	id, err := r.client.Get(ctx, r.correlationKey(correlationID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redisstore: correlation %q: %w", correlationID, sagalog.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get correlation %q: %w", correlationID, err)
	}

	rec, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.PendingCorrelationID != correlationID {
		return nil, fmt.Errorf("redisstore: correlation %q is stale: %w", correlationID, sagalog.ErrNotFound)
	}
	return rec, nil
}

// ListByStatus only covers non-terminal statuses; terminal executions are
// not indexed.
func (r *Repository) ListByStatus(ctx context.Context, statuses ...sagalog.Status) ([]*sagalog.Record, error) {
	var out []*sagalog.Record
	for _, s := range statuses {
		ids, err := r.client.SMembers(ctx, r.statusKey(s)).Result()
		if err != nil {
			return nil, fmt.Errorf("redisstore: list status %q: %w", s, err)
		}
		if len(ids) == 0 {
			continue
		}

		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = r.executionKey(id)
		}
		vals, err := r.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("redisstore: load status %q: %w", s, err)
		}

		for i, v := range vals {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			rec, err := decode(ids[i], []byte(raw))
			if err != nil {
				return nil, err
			}
			// The set may lag behind a concurrent Save.
			if rec.Status == s {
				out = append(out, rec)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func decode(id string, data []byte) (*sagalog.Record, error) {
	var rec sagalog.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("redisstore: decode execution %q: %w", id, err)
	}
	return &rec, nil
}

func (r *Repository) executionKey(id string) string {
	return fmt.Sprintf("%s:execution:%s", r.prefix, id)
}

func (r *Repository) correlationKey(id string) string {
	return fmt.Sprintf("%s:correlation:%s", r.prefix, id)
}

func (r *Repository) statusKey(s sagalog.Status) string {
	return fmt.Sprintf("%s:status:%s", r.prefix, s)
}
