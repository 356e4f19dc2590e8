package bootstrap_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/aggregate"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/participant"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/bootstrap"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/config"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/health"
	productdomain "github.com/jcmexdev/ecommerce-saga-engine/internal/product-service/domain"
)

func newInjector(t *testing.T, mutate func(*config.Config)) *do.RootScope {
	t.Helper()

	cfg := &config.Config{
		Redis:       config.RedisConfig{Addr: miniredis.RunT(t).Addr()},
		Telemetry:   config.TelemetryConfig{ServiceName: "saga-test"},
		Gateway:     config.GatewayConfig{StreamPrefix: "saga"},
		Aggregates:  config.AggregatesConfig{Store: config.StoreMemory},
		Payment:     config.PaymentConfig{Limit: 500, CardTTL: time.Minute},
		Idempotency: config.IdempotencyConfig{},
	}
	if mutate != nil {
		mutate(cfg)
	}

	injector := do.New(bootstrap.Package)
	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, slog.New(slog.DiscardHandler))
	t.Cleanup(func() { injector.Shutdown() })
	return injector
}

func TestPackage_ParticipantMuxHostsEverySagaParticipant(t *testing.T) {
	t.Parallel()

	injector := newInjector(t, func(c *config.Config) {
		c.Idempotency = config.IdempotencyConfig{Enabled: true, TTL: time.Hour}
	})

	mux, err := do.Invoke[*participant.Mux](injector)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"LockCart", "UnlockCart",
		"ReserveProducts", "ReleaseProducts", "PurchaseProducts",
		"CreatePayment", "RefundPayment",
		"CreateTicket", "DeleteTicket",
	}, mux.Participants())

	res := do.MustInvoke[*bootstrap.Resources](injector)
	var names []string
	for _, c := range res.Checkers() {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{"redis"}, names)
}

func TestPackage_PublishesAggregateChanges(t *testing.T) {
	t.Parallel()

	injector := newInjector(t, func(c *config.Config) { c.Aggregates.PublishChanges = true })

	repo, err := do.Invoke[aggregate.Repository](injector)
	require.NoError(t, err)
	_, _, err = repo.Create(context.Background(), productdomain.EntityType, productdomain.Product{Code: "mug", Title: "Mug", Price: 3})
	require.NoError(t, err)

	rdb := do.MustInvoke[*redis.Client](injector)
	n, err := rdb.XLen(context.Background(), aggregate.ChangeStream("saga", productdomain.EntityType)).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestPackage_MemoryStoreNeedsNoRedis(t *testing.T) {
	t.Parallel()

	injector := newInjector(t, func(c *config.Config) { c.Redis.Addr = "127.0.0.1:1" })

	_, err := do.Invoke[aggregate.Repository](injector)
	require.NoError(t, err)
	_, err = do.Invoke[*redis.Client](injector)
	assert.Error(t, err)
}

type closer struct {
	closed *[]string
	name   string
	err    error
}

func (c closer) Close() error {
	*c.closed = append(*c.closed, c.name)
	return c.err
}

func TestResources_ShutdownClosesInReverseOrder(t *testing.T) {
	t.Parallel()

	var closed []string
	boom := errors.New("boom")

	res := bootstrap.NewResources()
	res.Track("first", closer{closed: &closed, name: "first"})
	res.Track("second", closer{closed: &closed, name: "second", err: boom})
	res.Track("db", health.CheckFunc{ComponentName: "db", Check: func(context.Context) error { return nil }})

	err := res.Shutdown(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "close second")
	assert.Equal(t, []string{"second", "first"}, closed)
	assert.Len(t, res.Checkers(), 1)

	require.NoError(t, res.Shutdown(context.Background()))
}
