// Package participant hosts the handlers that execute saga commands on the
// participant side of a gateway.
package participant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"
)

// ErrUnknownParticipant is the failure returned for commands nobody handles.
var ErrUnknownParticipant = errors.New("participant: no handler registered")

// Handler executes one command. The returned value becomes the payload of a
// success reply; an error becomes a failure reply.
type Handler interface {
	Handle(ctx context.Context, cmd coordinator.Command) (any, error)
}

type HandlerFunc func(ctx context.Context, cmd coordinator.Command) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, cmd coordinator.Command) (any, error) {
	return f(ctx, cmd)
}

// Typed adapts fn to a Handler by decoding the command payload into Req.
func Typed[Req any](fn func(ctx context.Context, req Req) (any, error)) HandlerFunc {
	return func(ctx context.Context, cmd coordinator.Command) (any, error) {
		var req Req
		if len(cmd.Payload) > 0 {
			if err := json.Unmarshal(cmd.Payload, &req); err != nil {
				return nil, fmt.Errorf("decode %s payload: %w", cmd.Participant, err)
			}
		}
		return fn(ctx, req)
	}
}

// Middleware wraps every handler of a Mux.
type Middleware func(Handler) Handler

// Dispatcher turns a command into its reply. Gateways deliver commands to a
// Dispatcher on the participant side.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd coordinator.Command) coordinator.Reply
}

// Mux routes commands to handlers by participant name.
type Mux struct {
	mu         sync.RWMutex
	handlers   map[string]Handler
	middleware []Middleware
	logger     *slog.Logger
}

func NewMux(logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Mux{handlers: make(map[string]Handler), logger: logger}
}

// Use appends middleware. It applies to handlers dispatched afterwards.
func (m *Mux) Use(mw ...Middleware) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.middleware = append(m.middleware, mw...)
}

func (m *Mux) Handle(participant string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[participant] = h
}

func (m *Mux) HandleFunc(participant string, fn HandlerFunc) {
	m.Handle(participant, fn)
}

// Participants lists the registered participant names, sorted.
func (m *Mux) Participants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Dispatch runs the handler registered for cmd.Participant and builds the
// reply. It never returns an error: failures travel in the reply.
func (m *Mux) Dispatch(ctx context.Context, cmd coordinator.Command) coordinator.Reply {
	m.mu.RLock()
	h, ok := m.handlers[cmd.Participant]
	mws := slices.Clone(m.middleware)
	m.mu.RUnlock()

	if !ok {
		m.logger.WarnContext(ctx, "command for unknown participant",
			slog.String("participant", cmd.Participant),
			slog.String("correlation_id", cmd.CorrelationID.String()),
		)
		return coordinator.FailureReply(cmd.CorrelationID, fmt.Errorf("%w: %s", ErrUnknownParticipant, cmd.Participant))
	}
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}

	start := time.Now()
	out, err := h.Handle(ctx, cmd)
	attrs := []any{
		slog.String("participant", cmd.Participant),
		slog.String("kind", string(cmd.Kind)),
		slog.String("execution_id", cmd.ExecutionID.String()),
		slog.String("correlation_id", cmd.CorrelationID.String()),
		slog.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		m.logger.WarnContext(ctx, "participant command failed", append(attrs, slog.Any("error", err))...)
		return coordinator.FailureReply(cmd.CorrelationID, err)
	}

	reply, err := coordinator.SuccessReply(cmd.CorrelationID, out)
	if err != nil {
		m.logger.ErrorContext(ctx, "participant reply not encodable", append(attrs, slog.Any("error", err))...)
		return coordinator.FailureReply(cmd.CorrelationID, err)
	}
	m.logger.DebugContext(ctx, "participant command handled", attrs...)
	return reply
}
