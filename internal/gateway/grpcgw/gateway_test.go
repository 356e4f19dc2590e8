package grpcgw_test

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator/sagalog/memory"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/gateway/grpcgw"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/participant"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/interceptors"
)

func serve(t *testing.T, d participant.Dispatcher) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(interceptors.ServerOptions(nil)...)
	grpcgw.Register(srv, d)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return dial(t, lis)
}

func dial(t *testing.T, lis *bufconn.Listener) *grpc.ClientConn {
	t.Helper()

	conn, err := grpcgw.Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func replies(gw *grpcgw.Gateway) <-chan coordinator.Reply {
	ch := make(chan coordinator.Reply, 8)
	gw.OnReply(func(_ context.Context, r coordinator.Reply) { ch <- r })
	return ch
}

func receive(t *testing.T, ch <-chan coordinator.Reply) coordinator.Reply {
	t.Helper()

	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no reply delivered")
		return coordinator.Reply{}
	}
}

func TestGateway_ForwardsCommandAndIDs(t *testing.T) {
	t.Parallel()

	var seenKey, seenRequest atomic.Value
	mux := participant.NewMux(nil)
	mux.HandleFunc("CreateTicket", participant.Typed(func(ctx context.Context, req struct {
		Total float64 `json:"total"`
	}) (any, error) {
		seenKey.Store(interceptors.IdempotencyKey(ctx))
		seenRequest.Store(interceptors.RequestID(ctx))
		return map[string]any{"code": "T-42", "total": req.Total}, nil
	}))

	conn := serve(t, mux)
	gw := grpcgw.New(map[string]grpc.ClientConnInterface{"CreateTicket": conn})
	ch := replies(gw)

	cmd := coordinator.Command{
		CorrelationID: uuid.New(),
		ExecutionID:   uuid.New(),
		Participant:   "CreateTicket",
		Kind:          coordinator.KindForward,
		Step:          3,
		Payload:       []byte(`{"total":99.5}`),
		IssuedAt:      time.Now().UTC(),
	}
	require.NoError(t, gw.Send(context.Background(), cmd))

	reply := receive(t, ch)
	require.NoError(t, reply.Err())
	assert.Equal(t, cmd.CorrelationID, reply.CorrelationID)
	assert.JSONEq(t, `{"code":"T-42","total":99.5}`, string(reply.Payload))

	assert.Equal(t, cmd.CorrelationID.String(), seenKey.Load())
	assert.Equal(t, cmd.ExecutionID.String(), seenRequest.Load())
	require.NoError(t, gw.HealthCheck(context.Background()))
}

func TestGateway_NoRoute(t *testing.T) {
	t.Parallel()

	gw := grpcgw.New(nil)
	gw.OnReply(func(context.Context, coordinator.Reply) {})
	err := gw.Send(context.Background(), coordinator.Command{Participant: "Unknown"})
	require.ErrorIs(t, err, grpcgw.ErrNoRoute)
}

func TestGateway_UnavailableParticipantTripsBreaker(t *testing.T) {
	t.Parallel()

	lis := bufconn.Listen(1 << 10)
	require.NoError(t, lis.Close())
	conn := dial(t, lis)

	gw := grpcgw.New(map[string]grpc.ClientConnInterface{"CreatePayment": conn},
		grpcgw.WithRetry(1, time.Millisecond),
		grpcgw.WithIdempotentParticipants(),
		grpcgw.WithBreaker(2, time.Minute),
		grpcgw.WithCallTimeout(time.Second),
	)
	ch := replies(gw)

	corr := uuid.New()
	require.NoError(t, gw.Send(context.Background(), coordinator.Command{
		CorrelationID: corr,
		Participant:   "CreatePayment",
		Kind:          coordinator.KindForward,
	}))

	reply := receive(t, ch)
	assert.Equal(t, corr, reply.CorrelationID)
	assert.Equal(t, coordinator.ReplyFailure, reply.Status)
	assert.Contains(t, reply.Error, "grpc CreatePayment")

	require.Error(t, gw.HealthCheck(context.Background()))

	// An open breaker rejects without dialing.
	require.NoError(t, gw.Send(context.Background(), coordinator.Command{
		CorrelationID: uuid.New(),
		Participant:   "CreatePayment",
		Kind:          coordinator.KindForward,
	}))
	reply = receive(t, ch)
	assert.Contains(t, reply.Error, "circuit breaker is open")
}

func TestGateway_RateLimitHonoursContext(t *testing.T) {
	t.Parallel()

	conn := serve(t, participant.NewMux(nil))
	gw := grpcgw.New(map[string]grpc.ClientConnInterface{"LockCart": conn}, grpcgw.WithRateLimit(0.001, 1))
	_ = replies(gw)

	ctx := context.Background()
	require.NoError(t, gw.Send(ctx, coordinator.Command{CorrelationID: uuid.New(), Participant: "LockCart"}))

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := gw.Send(ctx, coordinator.Command{CorrelationID: uuid.New(), Participant: "LockCart"})
	require.Error(t, err)
	gw.Wait()
}

func TestGateway_DrivesManager(t *testing.T) {
	t.Parallel()

	var unlocked atomic.Int32
	mux := participant.NewMux(nil)
	mux.HandleFunc("LockCart", func(context.Context, coordinator.Command) (any, error) {
		return map[string]bool{"locked": true}, nil
	})
	mux.HandleFunc("UnlockCart", func(context.Context, coordinator.Command) (any, error) {
		unlocked.Add(1)
		return nil, nil
	})
	mux.HandleFunc("ReserveProducts", func(context.Context, coordinator.Command) (any, error) {
		return nil, errors.New("not enough stock")
	})
	conn := serve(t, mux)

	gw := grpcgw.New(map[string]grpc.ClientConnInterface{
		"LockCart":        conn,
		"UnlockCart":      conn,
		"ReserveProducts": conn,
	})
	store, err := memory.New()
	require.NoError(t, err)
	m := coordinator.NewManager(store, gw)
	t.Cleanup(m.Close)

	def := coordinator.NewSaga("CreateOrder").
		Step().InvokeParticipant("LockCart", nil).WithCompensation("UnlockCart", nil).
		Step().InvokeParticipant("ReserveProducts", nil).WithCompensation("ReleaseProducts", nil).
		MustCommit(nil)

	exec, err := m.Run(context.Background(), def, coordinator.SagaContext{}, coordinator.WithRaiseOnError(false))
	require.NoError(t, err)
	assert.Equal(t, coordinator.StatusCompensated, exec.Status)
	assert.Contains(t, exec.Error, "not enough stock")

	gw.Wait()
	assert.Equal(t, int32(1), unlocked.Load())
}

// flakyConn fails every call as if the connection dropped after sending.
type flakyConn struct {
	calls atomic.Int32
}

func (c *flakyConn) Invoke(context.Context, string, any, any, ...grpc.CallOption) error {
	c.calls.Add(1)
	return status.Error(codes.Unavailable, "connection reset")
}

func (c *flakyConn) NewStream(context.Context, *grpc.StreamDesc, string, ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, status.Error(codes.Unimplemented, "no streams")
}

func TestGateway_RetriesOnlyWhatIsSafeToRepeat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		kind       coordinator.CommandKind
		idempotent bool
		wantCalls  int32
	}{
		{name: "forward is sent once", kind: coordinator.KindForward, wantCalls: 1},
		{name: "compensation is retried", kind: coordinator.KindCompensation, wantCalls: 3},
		{name: "forward is retried by deduplicating participants", kind: coordinator.KindForward, idempotent: true, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			conn := &flakyConn{}
			opts := []grpcgw.Option{
				grpcgw.WithRetry(2, time.Millisecond),
				grpcgw.WithBreaker(100, time.Minute),
			}
			if tt.idempotent {
				opts = append(opts, grpcgw.WithIdempotentParticipants())
			}
			gw := grpcgw.New(map[string]grpc.ClientConnInterface{"CreatePayment": conn}, opts...)
			_ = replies(gw)

			require.NoError(t, gw.Send(context.Background(), coordinator.Command{
				CorrelationID: uuid.New(),
				ExecutionID:   uuid.New(),
				Participant:   "CreatePayment",
				Kind:          tt.kind,
			}))
			gw.Wait()
			assert.Equal(t, tt.wantCalls, conn.calls.Load())
		})
	}
}
