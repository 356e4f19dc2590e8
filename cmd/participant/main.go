// Command participant hosts the product, payment, ticket and cart
// participants behind the configured remote transport.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/samber/do/v2"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/bootstrap"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/config"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/health"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/telemetry"
)

const (
	tracerShutdownTimeout = 5 * time.Second
	healthCheckTimeout    = 2 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	profile := flag.String("profile", os.Getenv("APP_PROFILE"), "configuration profile (prod, grpc)")
	opsAddr := flag.String("ops-addr", ":8081", "listen address of the health and metrics endpoints")
	flag.Parse()
	if *profile == "" {
		*profile = "prod"
	}

	cfg, err := config.Load(*profile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Gateway.Transport == config.TransportLocal {
		return errors.New("gateway.transport=local runs participants inside the coordinator; pick redis or grpc")
	}

	logger, logFile := telemetry.InitLogger(cfg.Log)
	defer logFile.Close()

	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug(fmt.Sprintf(format, args...))
	}))
	defer undo()
	if err != nil {
		logger.Warn("could not set GOMAXPROCS", slog.Any("error", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.SetupTracer(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), tracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logger.Error("tracer shutdown error", slog.Any("error", err))
		}
	}()

	injector := do.New(bootstrap.Package)
	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, logger)
	defer func() {
		if report := injector.Shutdown(); !report.Succeed {
			logger.Error("shutdown error", slog.String("report", report.Error()))
		}
	}()

	serve, err := newServer(injector, cfg, logger)
	if err != nil {
		return fmt.Errorf("wiring: %w", err)
	}

	registry := health.New(healthCheckTimeout)
	registry.Register(do.MustInvoke[*bootstrap.Resources](injector).Checkers()...)
	ops := &http.Server{
		Addr:         *opsAddr,
		Handler:      newOpsRouter(registry, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("participants serving",
			slog.String("profile", *profile),
			slog.String("transport", cfg.Gateway.Transport),
		)
		if err := serve(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := ops.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return ops.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func grpcAddr(cfg *config.Config) string {
	return net.JoinHostPort("", strconv.Itoa(cfg.GRPC.Port))
}
