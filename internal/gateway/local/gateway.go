// Package local is an in-process coordinator.Gateway: commands go straight to
// a participant.Dispatcher in the same process.
package local

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/participant"
)

var ErrNoReplyHandler = errors.New("local: no reply handler registered")

type Gateway struct {
	dispatcher  participant.Dispatcher
	synchronous bool
	logger      *slog.Logger

	mu      sync.RWMutex
	handler coordinator.ReplyHandler

	inflight sync.WaitGroup
}

type Option func(*Gateway)

// WithSynchronous delivers the reply before Send returns.
func WithSynchronous() Option {
	return func(g *Gateway) { g.synchronous = true }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

func New(d participant.Dispatcher, opts ...Option) *Gateway {
	g := &Gateway{dispatcher: d, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) OnReply(h coordinator.ReplyHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = h
}

// Send hands cmd to the dispatcher, on its own goroutine unless the gateway
// is synchronous. Replies to compensations are logged, not delivered.
func (g *Gateway) Send(ctx context.Context, cmd coordinator.Command) error {
	g.mu.RLock()
	h := g.handler
	g.mu.RUnlock()
	if h == nil {
		return ErrNoReplyHandler
	}

	ctx = context.WithoutCancel(ctx)
	if g.synchronous {
		g.deliver(ctx, h, cmd)
		return nil
	}

	g.inflight.Add(1)
	go func() {
		defer g.inflight.Done()
		g.deliver(ctx, h, cmd)
	}()
	return nil
}

// Wait blocks until every asynchronous send has been answered.
func (g *Gateway) Wait() {
	g.inflight.Wait()
}

func (g *Gateway) deliver(ctx context.Context, h coordinator.ReplyHandler, cmd coordinator.Command) {
	reply := g.dispatcher.Dispatch(ctx, cmd)
	if cmd.Kind == coordinator.KindCompensation {
		if err := reply.Err(); err != nil {
			g.logger.ErrorContext(ctx, "compensation failed at participant",
				slog.String("saga", cmd.Saga),
				slog.String("participant", cmd.Participant),
				slog.String("execution_id", cmd.ExecutionID.String()),
				slog.Any("error", err),
			)
		}
		return
	}
	h(ctx, reply)
}
