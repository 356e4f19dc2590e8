package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/do/v2"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/aggregate"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/aggregate/memory"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/aggregate/postgres"
	cartapp "github.com/jcmexdev/ecommerce-saga-engine/internal/cart-service/app"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/participant"
	paymentapp "github.com/jcmexdev/ecommerce-saga-engine/internal/payment-service/app"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/cache"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/config"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/health"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/stream"
	productapp "github.com/jcmexdev/ecommerce-saga-engine/internal/product-service/app"
	ticketapp "github.com/jcmexdev/ecommerce-saga-engine/internal/ticket-service/app"
)

const connectTimeout = 5 * time.Second

// Package provides the shared graph. The caller provides *config.Config and
// *slog.Logger as values.
var Package = do.Package(
	do.Lazy(func(do.Injector) (*Resources, error) { return NewResources(), nil }),
	do.Lazy(NewRedisClient),
	do.Lazy(NewCache),
	do.Lazy(NewAggregates),
	do.Lazy(NewCatalog),
	do.Lazy(NewParticipantMux),
)

// NewRedisClient connects to cfg.Redis and fails when the server does not
// answer a ping.
func NewRedisClient(i do.Injector) (*redis.Client, error) {
	cfg := do.MustInvoke[*config.Config](i)
	res := do.MustInvoke[*Resources](i)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("bootstrap: redis ping %s: %w", cfg.Redis.Addr, err)
	}

	res.Track("redis", rdb)
	res.Track("redis", health.CheckFunc{
		ComponentName: "redis",
		Check:         func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})
	return rdb, nil
}

func NewCache(i do.Injector) (cache.Cache, error) {
	cfg := do.MustInvoke[*config.Config](i)
	rdb, err := do.Invoke[*redis.Client](i)
	if err != nil {
		return nil, err
	}
	return cache.NewRedisCache(rdb, cfg.Telemetry.ServiceName), nil
}

// NewAggregates opens the configured aggregate store. With
// aggregates.publish_changes every mutation is also appended to a Redis
// change stream.
func NewAggregates(i do.Injector) (aggregate.Repository, error) {
	cfg := do.MustInvoke[*config.Config](i)
	logger := do.MustInvoke[*slog.Logger](i)
	res := do.MustInvoke[*Resources](i)

	var repo aggregate.Repository
	switch cfg.Aggregates.Store {
	case config.StorePostgres:
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()

		pg, err := postgres.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		res.Track(pg.Name(), pg)
		repo = pg
	case config.StoreMemory:
		mem, err := memory.New()
		if err != nil {
			return nil, err
		}
		repo = mem
	default:
		return nil, fmt.Errorf("bootstrap: unknown aggregate store %q", cfg.Aggregates.Store)
	}

	if !cfg.Aggregates.PublishChanges {
		return repo, nil
	}
	rdb, err := do.Invoke[*redis.Client](i)
	if err != nil {
		return nil, err
	}
	publisher := aggregate.NewStreamPublisher(stream.NewClient(rdb), cfg.Gateway.StreamPrefix)
	return aggregate.Publishing(repo, publisher, logger), nil
}

// NewCatalog is the product service. It serves the product participants and
// the catalog endpoints of the HTTP API.
func NewCatalog(i do.Injector) (*productapp.Service, error) {
	repo, err := do.Invoke[aggregate.Repository](i)
	if err != nil {
		return nil, err
	}
	return productapp.NewService(repo, do.MustInvoke[*slog.Logger](i)), nil
}

// NewParticipantMux hosts every participant of the shop sagas. With
// idempotency enabled, outcomes are recorded in Redis by correlation id.
func NewParticipantMux(i do.Injector) (*participant.Mux, error) {
	cfg := do.MustInvoke[*config.Config](i)
	logger := do.MustInvoke[*slog.Logger](i)

	repo, err := do.Invoke[aggregate.Repository](i)
	if err != nil {
		return nil, err
	}
	products, err := do.Invoke[*productapp.Service](i)
	if err != nil {
		return nil, err
	}

	mux := participant.NewMux(logger)
	if cfg.Idempotency.Enabled {
		c, err := do.Invoke[cache.Cache](i)
		if err != nil {
			return nil, err
		}
		mux.Use(participant.Idempotent(c, cfg.Idempotency.TTL, logger))
	}

	products.Register(mux)
	paymentapp.NewService(repo, cfg.Payment.Limit, logger).Register(mux)
	ticketapp.NewService(repo, logger).Register(mux)
	cartapp.NewParticipant(repo, logger).Register(mux)
	return mux, nil
}
