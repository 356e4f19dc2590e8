// Command coordinator runs the saga manager with the shop API and the ops
// endpoints. Participants run in-process or behind the configured transport.
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

	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/bootstrap"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/config"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/health"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/telemetry"
)

const tracerShutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	profile := flag.String("profile", os.Getenv("APP_PROFILE"), "configuration profile (local, prod, grpc)")
	flag.Parse()
	if *profile == "" {
		*profile = "local"
	}

	cfg, err := config.Load(*profile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
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

	injector := do.New(bootstrap.Package, coordinatorPackage)
	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, logger)
	defer func() {
		if report := injector.Shutdown(); !report.Succeed {
			logger.Error("shutdown error", slog.String("report", report.Error()))
		}
	}()

	router, err := do.Invoke[http.Handler](injector)
	if err != nil {
		return fmt.Errorf("wiring: %w", err)
	}
	jobs, err := do.Invoke[[]job](injector)
	if err != nil {
		return fmt.Errorf("wiring: %w", err)
	}
	manager := do.MustInvoke[*coordinator.Manager](injector)
	defer manager.Close()

	do.MustInvoke[*health.Registry](injector).Register(do.MustInvoke[*bootstrap.Resources](injector).Checkers()...)

	g, gctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		g.Go(func() error {
			logger.Info("starting background job", slog.String("job", j.name))
			if err := j.run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", j.name, err)
			}
			return nil
		})
	}

	if err := manager.Recover(gctx); err != nil {
		stop()
		_ = g.Wait()
		return fmt.Errorf("recovering executions: %w", err)
	}

	sweeper, err := newSweeper(cfg.Saga.SweepSchedule, manager, logger)
	if err != nil {
		stop()
		_ = g.Wait()
		return fmt.Errorf("scheduling sweeper: %w", err)
	}
	sweeper.Start()
	defer func() { <-sweeper.Stop().Done() }()

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	g.Go(func() error {
		logger.Info("coordinator listening",
			slog.String("addr", srv.Addr),
			slog.String("profile", *profile),
			slog.String("transport", cfg.Gateway.Transport),
			slog.String("saga_store", cfg.Saga.Store),
		)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if w, ok := do.MustInvoke[coordinator.Gateway](injector).(interface{ Wait() }); ok {
		w.Wait()
	}
	logger.Info("shutdown complete")
	return err
}
