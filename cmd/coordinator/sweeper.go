package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"
)

const sweepTimeout = 30 * time.Second

// cronLogger routes cron's own logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// newSweeper schedules Manager.SweepExpired. Overlapping runs are skipped.
func newSweeper(schedule string, manager *coordinator.Manager, logger *slog.Logger) (*cron.Cron, error) {
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()

		n, err := manager.SweepExpired(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "sweeping expired executions", slog.Any("error", err))
			return
		}
		if n > 0 {
			logger.InfoContext(ctx, "failed expired executions", slog.Int("count", n))
		}
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
