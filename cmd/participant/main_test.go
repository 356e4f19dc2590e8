package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/samber/do/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/bootstrap"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/config"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/health"
)

func newTestInjector(t *testing.T, transport string) (*do.RootScope, *config.Config) {
	t.Helper()

	cfg := &config.Config{
		Redis:      config.RedisConfig{Addr: miniredis.RunT(t).Addr()},
		Gateway:    config.GatewayConfig{Transport: transport, StreamPrefix: "saga", ConsumerName: "p-1"},
		Aggregates: config.AggregatesConfig{Store: config.StoreMemory},
		Payment:    config.PaymentConfig{Limit: 500, CardTTL: time.Minute},
	}
	injector := do.New(bootstrap.Package)
	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, slog.New(slog.DiscardHandler))
	t.Cleanup(func() { injector.Shutdown() })
	return injector, cfg
}

func TestNewServer_RedisWorkerStopsWithContext(t *testing.T) {
	t.Parallel()

	injector, cfg := newTestInjector(t, config.TransportRedis)
	serve, err := newServer(injector, cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- serve(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			assert.ErrorIs(t, err, context.Canceled)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestNewServer_RejectsLocalTransport(t *testing.T) {
	t.Parallel()

	injector, cfg := newTestInjector(t, config.TransportLocal)
	_, err := newServer(injector, cfg, slog.New(slog.DiscardHandler))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported transport")
}

func TestServeGRPC_GracefulStopOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- serveGRPC(ctx, grpc.NewServer(), "127.0.0.1:0", slog.New(slog.DiscardHandler)) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("grpc server did not stop")
	}
}

func TestOpsRouter(t *testing.T) {
	t.Parallel()

	var healthy atomic.Bool
	healthy.Store(true)
	registry := health.New(time.Second)
	registry.Register(health.CheckFunc{ComponentName: "redis", Check: func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("down")
	}})
	srv := httptest.NewServer(newOpsRouter(registry, slog.New(slog.DiscardHandler)))
	t.Cleanup(srv.Close)

	get := func(path string) int {
		resp, err := srv.Client().Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, get("/healthz"))
	assert.Equal(t, http.StatusOK, get("/readyz"))
	assert.Equal(t, http.StatusOK, get("/metrics"))

	healthy.Store(false)
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz"))
}
