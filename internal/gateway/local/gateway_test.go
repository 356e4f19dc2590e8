package local_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator/sagalog/memory"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/gateway/local"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/participant"
)

func TestGateway_SendWithoutHandler(t *testing.T) {
	t.Parallel()

	gw := local.New(participant.NewMux(nil))
	err := gw.Send(context.Background(), coordinator.Command{CorrelationID: uuid.New()})
	require.ErrorIs(t, err, local.ErrNoReplyHandler)
}

func TestGateway_CompensationRepliesAreNotDelivered(t *testing.T) {
	t.Parallel()

	mux := participant.NewMux(nil)
	mux.HandleFunc("Release", func(context.Context, coordinator.Command) (any, error) {
		return nil, errors.New("gone")
	})
	mux.HandleFunc("Reserve", func(context.Context, coordinator.Command) (any, error) {
		return map[string]int{"reserved": 1}, nil
	})

	var delivered atomic.Int32
	gw := local.New(mux)
	gw.OnReply(func(context.Context, coordinator.Reply) { delivered.Add(1) })

	ctx := context.Background()
	require.NoError(t, gw.Send(ctx, coordinator.Command{CorrelationID: uuid.New(), Participant: "Release", Kind: coordinator.KindCompensation}))
	require.NoError(t, gw.Send(ctx, coordinator.Command{CorrelationID: uuid.New(), Participant: "Reserve", Kind: coordinator.KindForward}))
	gw.Wait()

	assert.Equal(t, int32(1), delivered.Load())
}

func TestGateway_DrivesManager(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		opts []local.Option
	}{
		{name: "async"},
		{name: "synchronous", opts: []local.Option{local.WithSynchronous()}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var released atomic.Int32
			mux := participant.NewMux(nil)
			mux.HandleFunc("Reserve", func(_ context.Context, cmd coordinator.Command) (any, error) {
				return map[string]string{"reservation": cmd.CorrelationID.String()}, nil
			})
			mux.HandleFunc("Release", func(context.Context, coordinator.Command) (any, error) {
				released.Add(1)
				return nil, nil
			})
			mux.HandleFunc("Charge", func(context.Context, coordinator.Command) (any, error) {
				return nil, errors.New("insufficient funds")
			})

			store, err := memory.New()
			require.NoError(t, err)
			gw := local.New(mux, tc.opts...)
			m := coordinator.NewManager(store, gw)
			t.Cleanup(m.Close)

			def := coordinator.NewSaga("Checkout").
				Step().InvokeParticipant("Reserve", nil).WithCompensation("Release", nil).
				Step().InvokeParticipant("Charge", nil).WithCompensation("Refund", nil).
				MustCommit(nil)

			exec, err := m.Run(context.Background(), def, coordinator.SagaContext{})
			require.ErrorIs(t, err, coordinator.ErrSagaFailed)
			assert.Equal(t, coordinator.StatusCompensated, exec.Status)
			assert.Contains(t, exec.Error, "insufficient funds")
			assert.True(t, exec.Context.Has("reservation"))

			gw.Wait()
			assert.Equal(t, int32(1), released.Load())
		})
	}
}
