package participant_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/participant"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/cache"
)

type reserveRequest struct {
	Quantities map[string]int `json:"quantities"`
}

func command(t *testing.T, name string, payload any) coordinator.Command {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return coordinator.Command{
		CorrelationID: uuid.New(),
		ExecutionID:   uuid.New(),
		Saga:          "AddCartItem",
		Participant:   name,
		Kind:          coordinator.KindForward,
		Payload:       raw,
		IssuedAt:      time.Now(),
	}
}

func TestMux_DispatchTypedHandler(t *testing.T) {
	t.Parallel()

	mux := participant.NewMux(nil)
	mux.HandleFunc("ReserveProducts", participant.Typed(func(_ context.Context, req reserveRequest) (any, error) {
		total := 0
		for _, q := range req.Quantities {
			total += q
		}
		return map[string]int{"reserved": total}, nil
	}))

	cmd := command(t, "ReserveProducts", reserveRequest{Quantities: map[string]int{"a": 2, "b": 3}})
	reply := mux.Dispatch(context.Background(), cmd)

	require.NoError(t, reply.Err())
	assert.Equal(t, cmd.CorrelationID, reply.CorrelationID)

	var body map[string]int
	require.NoError(t, reply.Decode(&body))
	assert.Equal(t, 5, body["reserved"])
}

func TestMux_HandlerErrorBecomesFailureReply(t *testing.T) {
	t.Parallel()

	mux := participant.NewMux(nil)
	mux.HandleFunc("CreatePayment", func(context.Context, coordinator.Command) (any, error) {
		return nil, errors.New("card declined")
	})

	reply := mux.Dispatch(context.Background(), command(t, "CreatePayment", nil))
	assert.Equal(t, coordinator.ReplyFailure, reply.Status)
	assert.Equal(t, "card declined", reply.Error)
}

func TestMux_UnknownParticipant(t *testing.T) {
	t.Parallel()

	mux := participant.NewMux(nil)
	reply := mux.Dispatch(context.Background(), command(t, "Nobody", nil))
	assert.Equal(t, coordinator.ReplyFailure, reply.Status)
	assert.Contains(t, reply.Error, "no handler registered")
}

func TestMux_TypedRejectsBadPayload(t *testing.T) {
	t.Parallel()

	mux := participant.NewMux(nil)
	mux.HandleFunc("ReserveProducts", participant.Typed(func(context.Context, reserveRequest) (any, error) {
		return nil, nil
	}))

	reply := mux.Dispatch(context.Background(), command(t, "ReserveProducts", []int{1}))
	assert.Equal(t, coordinator.ReplyFailure, reply.Status)
	assert.Contains(t, reply.Error, "decode ReserveProducts payload")
}

func TestMux_MiddlewareOrderAndParticipants(t *testing.T) {
	t.Parallel()

	var trail []string
	tag := func(name string) participant.Middleware {
		return func(next participant.Handler) participant.Handler {
			return participant.HandlerFunc(func(ctx context.Context, cmd coordinator.Command) (any, error) {
				trail = append(trail, name)
				return next.Handle(ctx, cmd)
			})
		}
	}

	mux := participant.NewMux(nil)
	mux.Use(tag("outer"), tag("inner"))
	mux.HandleFunc("LockCart", func(context.Context, coordinator.Command) (any, error) {
		trail = append(trail, "handler")
		return nil, nil
	})
	mux.HandleFunc("CreateTicket", func(context.Context, coordinator.Command) (any, error) { return nil, nil })

	reply := mux.Dispatch(context.Background(), command(t, "LockCart", nil))
	require.NoError(t, reply.Err())
	assert.Empty(t, reply.Payload)
	assert.Equal(t, []string{"outer", "inner", "handler"}, trail)
	assert.Equal(t, []string{"CreateTicket", "LockCart"}, mux.Participants())
}

func TestIdempotent_ReplaysRecordedOutcome(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := cache.NewRedisCache(client, "payment-service")

	var calls atomic.Int32
	mux := participant.NewMux(nil)
	mux.Use(participant.Idempotent(c, time.Hour, nil))
	mux.HandleFunc("CreatePayment", func(context.Context, coordinator.Command) (any, error) {
		n := calls.Add(1)
		return map[string]int32{"attempt": n}, nil
	})
	mux.HandleFunc("RefundPayment", func(context.Context, coordinator.Command) (any, error) {
		calls.Add(1)
		return nil, errors.New("payment unknown")
	})

	cmd := command(t, "CreatePayment", nil)
	first := mux.Dispatch(context.Background(), cmd)
	second := mux.Dispatch(context.Background(), cmd)

	assert.Equal(t, int32(1), calls.Load())
	assert.JSONEq(t, `{"attempt":1}`, string(first.Payload))
	assert.JSONEq(t, string(first.Payload), string(second.Payload))

	other := command(t, "CreatePayment", nil)
	third := mux.Dispatch(context.Background(), other)
	assert.JSONEq(t, `{"attempt":2}`, string(third.Payload))

	refund := command(t, "RefundPayment", nil)
	r1 := mux.Dispatch(context.Background(), refund)
	r2 := mux.Dispatch(context.Background(), refund)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "payment unknown", r1.Error)
	assert.Equal(t, r1, r2)
}

func TestIdempotent_CacheOutageRunsHandler(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	c := cache.NewRedisCache(client, "ticket-service")
	mr.Close()

	var calls atomic.Int32
	mux := participant.NewMux(nil)
	mux.Use(participant.Idempotent(c, time.Hour, nil))
	mux.HandleFunc("CreateTicket", func(context.Context, coordinator.Command) (any, error) {
		calls.Add(1)
		return map[string]string{"code": "T-1"}, nil
	})

	reply := mux.Dispatch(context.Background(), command(t, "CreateTicket", nil))
	require.NoError(t, reply.Err())
	assert.Equal(t, int32(1), calls.Load())
}
