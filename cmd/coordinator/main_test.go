package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/samber/do/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/aggregate"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator/sagalog/memory"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/gateway/local"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/gateway/redisstream"
	orderapp "github.com/jcmexdev/ecommerce-saga-engine/internal/order-service/app"
	orderdomain "github.com/jcmexdev/ecommerce-saga-engine/internal/order-service/domain"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/participant"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/bootstrap"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/config"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/metrics"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Redis:       config.RedisConfig{Addr: miniredis.RunT(t).Addr()},
		Saga:        config.SagaConfig{Store: config.StoreMemory, SweepSchedule: "@every 1s", Retention: time.Hour},
		Gateway:     config.GatewayConfig{Transport: config.TransportLocal, StreamPrefix: "saga"},
		Aggregates:  config.AggregatesConfig{Store: config.StoreMemory},
		Payment:     config.PaymentConfig{Limit: 500, CardTTL: time.Minute},
		Telemetry:   config.TelemetryConfig{ServiceName: "coordinator-test"},
		Idempotency: config.IdempotencyConfig{},
	}
}

func newTestInjector(t *testing.T, cfg *config.Config) *do.RootScope {
	t.Helper()

	injector := do.New(bootstrap.Package, coordinatorPackage)
	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, slog.New(slog.DiscardHandler))
	do.OverrideValue(injector, metrics.New(nil))
	t.Cleanup(func() { injector.Shutdown() })
	return injector
}

func TestWiring_LocalTransportServesShopAPI(t *testing.T) {
	t.Parallel()

	injector := newTestInjector(t, testConfig(t))

	router, err := do.Invoke[http.Handler](injector)
	require.NoError(t, err)
	jobs, err := do.Invoke[[]job](injector)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	resp, err := srv.Client().Post(srv.URL+"/api/v1/products", "application/json",
		strings.NewReader(`{"code":"mug","title":"Mug","price":3,"amount":5}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = srv.Client().Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWiring_RedisTransportRunsReplyConsumerAndProjection(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Saga.Store = config.StoreRedis
	cfg.Gateway.Transport = config.TransportRedis
	cfg.Gateway.ConsumerName = "coordinator-1"
	cfg.Aggregates.PublishChanges = true
	injector := newTestInjector(t, cfg)

	jobs, err := do.Invoke[[]job](injector)
	require.NoError(t, err)
	names := make([]string, len(jobs))
	for i, j := range jobs {
		names[i] = j.name
	}
	assert.Equal(t, []string{"saga replies", "order projection"}, names)

	_, err = do.Invoke[*coordinator.Manager](injector)
	require.NoError(t, err)
	gw := do.MustInvoke[coordinator.Gateway](injector)
	assert.IsType(t, &redisstream.Gateway{}, gw)

	checkers := do.MustInvoke[*bootstrap.Resources](injector).Checkers()
	var checked []string
	for _, c := range checkers {
		checked = append(checked, c.Name())
	}
	assert.ElementsMatch(t, []string{"redis", "redis-sagalog", "redis-stream-gateway"}, checked)
}

func TestWiring_CardVaultIsSharedWhenStoreIs(t *testing.T) {
	t.Parallel()

	inProcess := newTestInjector(t, testConfig(t))
	assert.IsType(t, &orderapp.MemoryVault{}, do.MustInvoke[orderapp.CardVault](inProcess))

	cfg := testConfig(t)
	cfg.Saga.Store = config.StoreRedis
	shared := newTestInjector(t, cfg)
	assert.IsType(t, &orderapp.CacheVault{}, do.MustInvoke[orderapp.CardVault](shared))
}

func TestWiring_UnknownStoreFails(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Saga.Store = "etcd"
	injector := newTestInjector(t, cfg)

	_, err := do.Invoke[*coordinator.Manager](injector)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown saga store "etcd"`)
}

func TestOrderProjection_SkipsDeletes(t *testing.T) {
	t.Parallel()

	p := newOrderProjection(slog.New(slog.DiscardHandler))
	require.NoError(t, p.apply(context.Background(), aggregate.ChangeRecord{Action: aggregate.ActionDelete}))

	rec := aggregate.ChangeRecord{
		EntityType: orderdomain.EntityType,
		Action:     aggregate.ActionUpdate,
		Version:    2,
		Fields:     []byte(`{"status":"completed"}`),
	}
	require.NoError(t, p.apply(context.Background(), rec))

	rec.Fields = []byte(`{"status":`)
	assert.Error(t, p.apply(context.Background(), rec))
}

func TestNewSweeper(t *testing.T) {
	t.Parallel()

	store, err := memory.New()
	require.NoError(t, err)
	manager := coordinator.NewManager(store, local.New(participant.NewMux(nil)))
	t.Cleanup(manager.Close)

	_, err = newSweeper("every now and then", manager, slog.New(slog.DiscardHandler))
	require.Error(t, err)

	c, err := newSweeper("@every 1m", manager, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 1)
}
