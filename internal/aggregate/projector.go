package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/cache"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/stream"
)

// ApplyFunc updates a read model from one change record.
type ApplyFunc func(ctx context.Context, rec ChangeRecord) error

// Projector applies change records delivered at least once, skipping the
// ones already applied. Seen records are remembered in the cache when one is
// given, in memory otherwise.
type Projector struct {
	apply  ApplyFunc
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

type ProjectorOption func(*Projector)

func WithDedupCache(c cache.Cache, ttl time.Duration) ProjectorOption {
	return func(p *Projector) {
		p.cache = c
		p.ttl = ttl
	}
}

func WithProjectorLogger(l *slog.Logger) ProjectorOption {
	return func(p *Projector) {
		if l != nil {
			p.logger = l
		}
	}
}

func NewProjector(apply ApplyFunc, opts ...ProjectorOption) *Projector {
	p := &Projector{
		apply:  apply,
		logger: slog.New(slog.DiscardHandler),
		seen:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Apply runs the apply function unless rec was applied before.
func (p *Projector) Apply(ctx context.Context, rec ChangeRecord) error {
	key := fmt.Sprintf("%s:%s:%d", rec.EntityType, rec.EntityID, rec.Version)

	first, err := p.claim(ctx, key)
	if err != nil {
		return err
	}
	if !first {
		p.logger.DebugContext(ctx, "skipping applied change", slog.String("key", key))
		return nil
	}
	if err := p.apply(ctx, rec); err != nil {
		p.release(ctx, key)
		return err
	}
	return nil
}

// Handle is a stream.MessageHandler decoding change records.
func (p *Projector) Handle(ctx context.Context, msg *stream.Message) error {
	var rec ChangeRecord
	if err := msg.Decode(&rec); err != nil {
		p.logger.ErrorContext(ctx, "dropping malformed change record",
			slog.String("stream", msg.Stream),
			slog.String("id", msg.ID),
			slog.Any("error", err),
		)
		return nil
	}
	return p.Apply(ctx, rec)
}

func (p *Projector) claim(ctx context.Context, key string) (bool, error) {
	if p.cache != nil {
		ok, err := p.cache.SetNX(ctx, p.cache.GenerateKey("projected", key), "1", p.ttl)
		if err != nil {
			return false, fmt.Errorf("aggregate: projector claim %s: %w", key, err)
		}
		return ok, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[key]; ok {
		return false, nil
	}
	p.seen[key] = struct{}{}
	return true, nil
}

func (p *Projector) release(ctx context.Context, key string) {
	if p.cache != nil {
		if err := p.cache.Del(ctx, p.cache.GenerateKey("projected", key)); err != nil {
			p.logger.WarnContext(ctx, "projector release failed", slog.String("key", key), slog.Any("error", err))
		}
		return
	}
	p.mu.Lock()
	delete(p.seen, key)
	p.mu.Unlock()
}
