package aggregate

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/stream"
)

// Publisher forwards change records to other processes.
type Publisher interface {
	Publish(ctx context.Context, rec ChangeRecord) error
}

// Publishing decorates r so every successful mutation is published. A
// publish failure is logged; the mutation stands.
func Publishing(r Repository, p Publisher, logger *slog.Logger) Repository {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &publishing{Repository: r, publisher: p, logger: logger}
}

type publishing struct {
	Repository
	publisher Publisher
	logger    *slog.Logger
}

func (p *publishing) Create(ctx context.Context, typ string, fields any) (*Entity, *ChangeRecord, error) {
	e, rec, err := p.Repository.Create(ctx, typ, fields)
	if err == nil {
		p.publish(ctx, rec)
	}
	return e, rec, err
}

func (p *publishing) Save(ctx context.Context, e *Entity) (*ChangeRecord, error) {
	rec, err := p.Repository.Save(ctx, e)
	if err == nil {
		p.publish(ctx, rec)
	}
	return rec, err
}

func (p *publishing) Delete(ctx context.Context, typ string, id uuid.UUID) (*ChangeRecord, error) {
	rec, err := p.Repository.Delete(ctx, typ, id)
	if err == nil {
		p.publish(ctx, rec)
	}
	return rec, err
}

func (p *publishing) Find(ctx context.Context, typ string, cond Condition) iter.Seq2[*Entity, error] {
	return p.Repository.Find(ctx, typ, cond)
}

func (p *publishing) publish(ctx context.Context, rec *ChangeRecord) {
	if err := p.publisher.Publish(ctx, *rec); err != nil {
		p.logger.ErrorContext(ctx, "failed to publish aggregate change",
			slog.String("entity_type", rec.EntityType),
			slog.String("entity_id", rec.EntityID.String()),
			slog.Int("version", rec.Version),
			slog.Any("error", err),
		)
	}
}

// ChangeStream is the Redis stream carrying the changes of entityType.
func ChangeStream(prefix, entityType string) string {
	return fmt.Sprintf("%s:changes:%s", prefix, entityType)
}

// StreamPublisher appends change records to per-type Redis streams.
type StreamPublisher struct {
	client *stream.Client
	prefix string
}

func NewStreamPublisher(client *stream.Client, prefix string) *StreamPublisher {
	return &StreamPublisher{client: client, prefix: prefix}
}

func (s *StreamPublisher) Publish(ctx context.Context, rec ChangeRecord) error {
	if _, err := s.client.Publish(ctx, ChangeStream(s.prefix, rec.EntityType), rec); err != nil {
		return fmt.Errorf("aggregate: publish %s %s v%d: %w", rec.EntityType, rec.EntityID, rec.Version, err)
	}
	return nil
}
