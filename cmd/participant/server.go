package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do/v2"
	"google.golang.org/grpc"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/gateway/grpcgw"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/gateway/redisstream"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/participant"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/config"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/health"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/interceptors"
)

// serveFunc blocks serving commands until ctx is done.
type serveFunc func(ctx context.Context) error

func newServer(i do.Injector, cfg *config.Config, logger *slog.Logger) (serveFunc, error) {
	mux, err := do.Invoke[*participant.Mux](i)
	if err != nil {
		return nil, err
	}

	switch cfg.Gateway.Transport {
	case config.TransportRedis:
		rdb, err := do.Invoke[*redis.Client](i)
		if err != nil {
			return nil, err
		}
		worker := redisstream.NewWorker(rdb, mux, mux.Participants(),
			redisstream.WithPrefix(cfg.Gateway.StreamPrefix),
			redisstream.WithConsumerName(cfg.Gateway.ConsumerName),
			redisstream.WithLogger(logger),
		)
		return worker.Run, nil

	case config.TransportGRPC:
		srv := grpc.NewServer(interceptors.ServerOptions(logger)...)
		grpcgw.Register(srv, mux)
		return func(ctx context.Context) error { return serveGRPC(ctx, srv, grpcAddr(cfg), logger) }, nil

	default:
		return nil, fmt.Errorf("participant: unsupported transport %q", cfg.Gateway.Transport)
	}
}

func serveGRPC(ctx context.Context, srv *grpc.Server, addr string, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("participant: listen %s: %w", addr, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		srv.GracefulStop()
	}()

	logger.InfoContext(ctx, "participant gRPC running", slog.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	<-done
	return nil
}

func newOpsRouter(registry *health.Registry, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		results := registry.CheckAll(r.Context())
		if !health.Healthy(results) {
			for name, err := range results {
				if err != nil {
					logger.WarnContext(r.Context(), "dependency unhealthy", slog.String("component", name), slog.Any("error", err))
				}
			}
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}
