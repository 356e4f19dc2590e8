package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/do/v2"
	"google.golang.org/grpc"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/aggregate"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/api-gateway/infra/httpx"
	cartapp "github.com/jcmexdev/ecommerce-saga-engine/internal/cart-service/app"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator/sagalog"
	sagamemory "github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator/sagalog/memory"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator/sagalog/redisstore"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator/sagalog/sqlite"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/gateway/grpcgw"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/gateway/local"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/gateway/redisstream"
	orderapp "github.com/jcmexdev/ecommerce-saga-engine/internal/order-service/app"
	orderdomain "github.com/jcmexdev/ecommerce-saga-engine/internal/order-service/domain"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/participant"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/bootstrap"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/cache"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/config"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/health"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/metrics"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/stream"
	productapp "github.com/jcmexdev/ecommerce-saga-engine/internal/product-service/app"
)

const (
	healthCheckTimeout = 2 * time.Second
	projectionGroup    = "coordinator-projections"
)

// job is a long-running loop started next to the HTTP server.
type job struct {
	name string
	run  func(ctx context.Context) error
}

var coordinatorPackage = do.Package(
	do.Lazy(newMetrics),
	do.Lazy(newSagaStore),
	do.Lazy(newGateway),
	do.Lazy(newManager),
	do.Lazy(newCardVault),
	do.Lazy(newOrderService),
	do.Lazy(newCartService),
	do.Lazy(newHealthRegistry),
	do.Lazy(newRouter),
	do.Lazy(newJobs),
)

func newMetrics(do.Injector) (*metrics.Metrics, error) {
	return metrics.NewDefault(), nil
}

func newSagaStore(i do.Injector) (sagalog.Repository, error) {
	cfg := do.MustInvoke[*config.Config](i)
	res := do.MustInvoke[*bootstrap.Resources](i)

	switch cfg.Saga.Store {
	case config.StoreMemory:
		return sagamemory.New()
	case config.StoreSQLite:
		store, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		res.Track(store.Name(), store)
		return store, nil
	case config.StoreRedis:
		rdb, err := do.Invoke[*redis.Client](i)
		if err != nil {
			return nil, err
		}
		store := redisstore.New(rdb,
			redisstore.WithPrefix(cfg.Gateway.StreamPrefix),
			redisstore.WithRetention(cfg.Saga.Retention),
		)
		res.Track(store.Name(), store)
		return store, nil
	default:
		return nil, fmt.Errorf("coordinator: unknown saga store %q", cfg.Saga.Store)
	}
}

// newGateway picks the transport. The local transport hosts every
// participant in this process.
func newGateway(i do.Injector) (coordinator.Gateway, error) {
	cfg := do.MustInvoke[*config.Config](i)
	logger := do.MustInvoke[*slog.Logger](i)
	res := do.MustInvoke[*bootstrap.Resources](i)

	switch cfg.Gateway.Transport {
	case config.TransportLocal:
		mux, err := do.Invoke[*participant.Mux](i)
		if err != nil {
			return nil, err
		}
		return local.New(mux, local.WithLogger(logger)), nil

	case config.TransportRedis:
		rdb, err := do.Invoke[*redis.Client](i)
		if err != nil {
			return nil, err
		}
		gw := redisstream.New(rdb,
			redisstream.WithPrefix(cfg.Gateway.StreamPrefix),
			redisstream.WithConsumerName(cfg.Gateway.ConsumerName),
			redisstream.WithLogger(logger),
		)
		res.Track(gw.Name(), gw)
		return gw, nil

	case config.TransportGRPC:
		conns := make(map[string]*grpc.ClientConn)
		routes := make(map[string]grpc.ClientConnInterface, len(cfg.Gateway.Targets))
		for name, target := range cfg.Gateway.Targets {
			conn, ok := conns[target]
			if !ok {
				var err error
				if conn, err = grpcgw.Dial(target); err != nil {
					return nil, err
				}
				conns[target] = conn
				res.Track("grpc "+target, conn)
			}
			routes[name] = conn
		}
		opts := []grpcgw.Option{
			grpcgw.WithCallTimeout(cfg.Gateway.CallTimeout),
			grpcgw.WithRetry(cfg.Gateway.Retry.MaxRetries, cfg.Gateway.Retry.Base),
			grpcgw.WithBreaker(cfg.Gateway.Breaker.MaxFailures, cfg.Gateway.Breaker.OpenTimeout),
			grpcgw.WithRateLimit(cfg.Gateway.RateLimit.RPS, cfg.Gateway.RateLimit.Burst),
			grpcgw.WithLogger(logger),
		}
		if cfg.Idempotency.Enabled {
			opts = append(opts, grpcgw.WithIdempotentParticipants())
		}
		gw := grpcgw.New(routes, opts...)
		res.Track(gw.Name(), gw)
		return gw, nil

	default:
		return nil, fmt.Errorf("coordinator: unknown transport %q", cfg.Gateway.Transport)
	}
}

func newManager(i do.Injector) (*coordinator.Manager, error) {
	cfg := do.MustInvoke[*config.Config](i)
	logger := do.MustInvoke[*slog.Logger](i)

	store, err := do.Invoke[sagalog.Repository](i)
	if err != nil {
		return nil, err
	}
	gw, err := do.Invoke[coordinator.Gateway](i)
	if err != nil {
		return nil, err
	}
	return coordinator.NewManager(store, gw,
		coordinator.WithLogger(logger),
		coordinator.WithObserver(do.MustInvoke[*metrics.Metrics](i)),
		coordinator.WithDefaultReplyTimeout(cfg.Saga.ReplyTimeout),
	), nil
}

func newOrderService(i do.Injector) (*orderapp.Service, error) {
	cfg := do.MustInvoke[*config.Config](i)
	repo, err := do.Invoke[aggregate.Repository](i)
	if err != nil {
		return nil, err
	}
	manager, err := do.Invoke[*coordinator.Manager](i)
	if err != nil {
		return nil, err
	}
	vault, err := do.Invoke[orderapp.CardVault](i)
	if err != nil {
		return nil, err
	}
	return orderapp.NewService(repo, manager, vault, cfg.Saga.ReplyTimeout, do.MustInvoke[*slog.Logger](i))
}

// newCardVault shares card data through redis whenever executions can be
// resumed by another coordinator.
func newCardVault(i do.Injector) (orderapp.CardVault, error) {
	cfg := do.MustInvoke[*config.Config](i)
	if cfg.Saga.Store != config.StoreRedis && cfg.Gateway.Transport != config.TransportRedis {
		return orderapp.NewMemoryVault(cfg.Payment.CardTTL), nil
	}
	c, err := do.Invoke[cache.Cache](i)
	if err != nil {
		return nil, err
	}
	return orderapp.NewCacheVault(c, cfg.Payment.CardTTL), nil
}

func newCartService(i do.Injector) (*cartapp.Service, error) {
	repo, err := do.Invoke[aggregate.Repository](i)
	if err != nil {
		return nil, err
	}
	manager, err := do.Invoke[*coordinator.Manager](i)
	if err != nil {
		return nil, err
	}
	return cartapp.NewService(repo, manager, do.MustInvoke[*slog.Logger](i))
}

// newHealthRegistry starts empty; checkers are registered once the graph is
// wired.
func newHealthRegistry(do.Injector) (*health.Registry, error) {
	return health.New(healthCheckTimeout), nil
}

func newRouter(i do.Injector) (http.Handler, error) {
	logger := do.MustInvoke[*slog.Logger](i)

	orders, err := do.Invoke[*orderapp.Service](i)
	if err != nil {
		return nil, err
	}
	carts, err := do.Invoke[*cartapp.Service](i)
	if err != nil {
		return nil, err
	}
	catalog, err := do.Invoke[*productapp.Service](i)
	if err != nil {
		return nil, err
	}
	manager := do.MustInvoke[*coordinator.Manager](i)

	return httpx.NewRouter(
		httpx.NewHandler(orders, carts, catalog, logger),
		httpx.NewOpsHandler(manager, do.MustInvoke[*health.Registry](i), logger),
		do.MustInvoke[*metrics.Metrics](i).Handler(),
		logger,
	), nil
}

// newJobs lists the loops the configuration asks for: the reply consumer of
// the Redis transport and the order projection fed by the change stream.
func newJobs(i do.Injector) ([]job, error) {
	cfg := do.MustInvoke[*config.Config](i)
	logger := do.MustInvoke[*slog.Logger](i)

	var jobs []job
	gw, err := do.Invoke[coordinator.Gateway](i)
	if err != nil {
		return nil, err
	}
	if rgw, ok := gw.(*redisstream.Gateway); ok {
		jobs = append(jobs, job{name: "saga replies", run: rgw.Run})
	}

	if cfg.Aggregates.PublishChanges {
		rdb, err := do.Invoke[*redis.Client](i)
		if err != nil {
			return nil, err
		}
		dedup, err := do.Invoke[cache.Cache](i)
		if err != nil {
			return nil, err
		}
		projector := aggregate.NewProjector(newOrderProjection(logger).apply,
			aggregate.WithDedupCache(dedup, cfg.Saga.Retention),
			aggregate.WithProjectorLogger(logger),
		)
		consumer := stream.NewConsumer(stream.NewClient(rdb), projectionGroup, consumerName(cfg),
			[]string{aggregate.ChangeStream(cfg.Gateway.StreamPrefix, orderdomain.EntityType)},
			projector.Handle, stream.DefaultConsumerOptions, logger)
		jobs = append(jobs, job{name: "order projection", run: consumer.Start})
	}
	return jobs, nil
}

func consumerName(cfg *config.Config) string {
	if cfg.Gateway.ConsumerName != "" {
		return cfg.Gateway.ConsumerName
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "coordinator"
}
