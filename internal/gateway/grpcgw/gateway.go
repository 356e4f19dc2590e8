package grpcgw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/interceptors"
)

var (
	ErrNoRoute        = errors.New("grpcgw: no route for participant")
	ErrNoReplyHandler = errors.New("grpcgw: no reply handler registered")
)

// Dial opens an insecure client connection with tracing and id propagation.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	all := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, interceptors.DialOptions()...)
	conn, err := grpc.NewClient(target, append(all, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("grpcgw: dial %s: %w", target, err)
	}
	return conn, nil
}

type settings struct {
	callTimeout  time.Duration
	maxRetries   uint64
	retryBase    time.Duration
	retryForward bool
	maxFailures  uint32
	openTimeout  time.Duration
	halfOpenReqs uint32
	rps          float64
	burst        int
	logger       *slog.Logger
}

type Option func(*settings)

// WithCallTimeout bounds a single RPC attempt. Defaults to 10s.
func WithCallTimeout(d time.Duration) Option {
	return func(s *settings) { s.callTimeout = d }
}

// WithRetry retries attempts that fail with codes.Unavailable, with
// exponential backoff starting at base. Defaults to 3 retries from 100ms.
// Only compensations are retried unless WithIdempotentParticipants is set.
func WithRetry(maxRetries uint64, base time.Duration) Option {
	return func(s *settings) {
		s.maxRetries = maxRetries
		if base > 0 {
			s.retryBase = base
		}
	}
}

// WithIdempotentParticipants lets forward commands be retried too. An
// Unavailable error can arrive after the participant applied the command, so
// this is only safe when participants deduplicate by correlation id.
func WithIdempotentParticipants() Option {
	return func(s *settings) { s.retryForward = true }
}

// WithBreaker opens a participant's breaker after maxFailures consecutive
// RPC errors and probes it again after openTimeout.
func WithBreaker(maxFailures uint32, openTimeout time.Duration) Option {
	return func(s *settings) {
		s.maxFailures = max(maxFailures, 1)
		s.openTimeout = openTimeout
	}
}

// WithRateLimit caps outgoing commands per second. Zero disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *settings) {
		s.rps = rps
		s.burst = max(burst, 1)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

type route struct {
	conn    grpc.ClientConnInterface
	breaker *gobreaker.CircuitBreaker[*structpb.Struct]
}

// Gateway sends every command as a unary call to the connection routed for
// its participant and feeds the response back as the reply.
type Gateway struct {
	routes  map[string]*route
	limiter *rate.Limiter
	cfg     settings

	mu      sync.RWMutex
	handler coordinator.ReplyHandler

	inflight sync.WaitGroup
}

// New builds a gateway; routes maps participant names to connections.
func New(routes map[string]grpc.ClientConnInterface, opts ...Option) *Gateway {
	cfg := settings{
		callTimeout:  10 * time.Second,
		maxRetries:   3,
		retryBase:    100 * time.Millisecond,
		maxFailures:  5,
		openTimeout:  30 * time.Second,
		halfOpenReqs: 1,
		logger:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	g := &Gateway{routes: make(map[string]*route, len(routes)), cfg: cfg}
	if cfg.rps > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.rps), cfg.burst)
	}
	for name, conn := range routes {
		g.routes[name] = &route{
			conn: conn,
			breaker: gobreaker.NewCircuitBreaker[*structpb.Struct](gobreaker.Settings{
				Name:        name,
				MaxRequests: cfg.halfOpenReqs,
				Timeout:     cfg.openTimeout,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= cfg.maxFailures
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					cfg.logger.Warn("circuit breaker state change",
						slog.String("participant", name),
						slog.String("from", from.String()),
						slog.String("to", to.String()),
					)
				},
			}),
		}
	}
	return g
}

func (g *Gateway) Name() string { return "grpc-gateway" }

// HealthCheck fails while any participant breaker is open.
func (g *Gateway) HealthCheck(_ context.Context) error {
	var errs []error
	for name, r := range g.routes {
		switch r.breaker.State() {
		case gobreaker.StateOpen:
			errs = append(errs, fmt.Errorf("%s: failing (circuit breaker open)", name))
		case gobreaker.StateHalfOpen:
			errs = append(errs, fmt.Errorf("%s: degraded (circuit breaker half-open)", name))
		}
	}
	return errors.Join(errs...)
}

func (g *Gateway) OnReply(h coordinator.ReplyHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = h
}

// Send waits for the rate limiter, then performs the call on its own
// goroutine. Errors from the call come back as failure replies.
func (g *Gateway) Send(ctx context.Context, cmd coordinator.Command) error {
	r, ok := g.routes[cmd.Participant]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRoute, cmd.Participant)
	}
	g.mu.RLock()
	h := g.handler
	g.mu.RUnlock()
	if h == nil {
		return ErrNoReplyHandler
	}

	req, err := toStruct(cmd)
	if err != nil {
		return fmt.Errorf("grpcgw: encode command: %w", err)
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("grpcgw: rate limit: %w", err)
		}
	}

	ctx = context.WithoutCancel(ctx)
	g.inflight.Add(1)
	go func() {
		defer g.inflight.Done()
		reply := g.call(ctx, r, cmd, req)
		if cmd.Kind == coordinator.KindCompensation {
			if err := reply.Err(); err != nil {
				g.cfg.logger.ErrorContext(ctx, "compensation failed at participant",
					slog.String("participant", cmd.Participant),
					slog.String("execution_id", cmd.ExecutionID.String()),
					slog.Any("error", err),
				)
			}
			return
		}
		h(ctx, reply)
	}()
	return nil
}

// Wait blocks until every in-flight call has finished.
func (g *Gateway) Wait() {
	g.inflight.Wait()
}

func (g *Gateway) call(ctx context.Context, r *route, cmd coordinator.Command, req *structpb.Struct) coordinator.Reply {
	ctx = interceptors.WithIDs(ctx, cmd.ExecutionID.String(), cmd.CorrelationID.String())
	retries := g.cfg.maxRetries
	if cmd.Kind != coordinator.KindCompensation && !g.cfg.retryForward {
		retries = 0
	}
	backoff := retry.WithMaxRetries(retries, retry.NewExponential(g.cfg.retryBase))

	var resp *structpb.Struct
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		out, err := r.breaker.Execute(func() (*structpb.Struct, error) {
			callCtx, cancel := context.WithTimeout(ctx, g.cfg.callTimeout)
			defer cancel()

			out := new(structpb.Struct)
			if err := r.conn.Invoke(callCtx, handleMethod, req, out); err != nil {
				return nil, err
			}
			return out, nil
		})
		if status.Code(err) == codes.Unavailable {
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		resp = out
		return nil
	})
	if err != nil {
		g.cfg.logger.WarnContext(ctx, "participant call failed",
			slog.String("participant", cmd.Participant),
			slog.String("correlation_id", cmd.CorrelationID.String()),
			slog.Any("error", err),
		)
		return coordinator.FailureReply(cmd.CorrelationID, fmt.Errorf("grpc %s: %w", cmd.Participant, err))
	}

	var reply coordinator.Reply
	if err := fromStruct(resp, &reply); err != nil {
		return coordinator.FailureReply(cmd.CorrelationID, fmt.Errorf("grpc %s: decode reply: %w", cmd.Participant, err))
	}
	if reply.CorrelationID != cmd.CorrelationID {
		return coordinator.FailureReply(cmd.CorrelationID, fmt.Errorf("grpc %s: reply for another command", cmd.Participant))
	}
	return reply
}
