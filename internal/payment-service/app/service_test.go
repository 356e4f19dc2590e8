package app_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/aggregate/memory"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/participant"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/payment-service/app"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/payment-service/domain"
)

func newService(t *testing.T, limit float64) (*app.Service, *memory.Repository) {
	t.Helper()

	repo, err := memory.New()
	require.NoError(t, err)
	return app.NewService(repo, limit, nil), repo
}

func TestCreatePayment(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newService(t, 0)

	resp, err := s.CreatePayment(ctx, domain.CreatePaymentRequest{
		CardHolder: "Ada Lovelace",
		CardNumber: "4242424242424242",
		CardCVC:    "123",
		Amount:     120,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, resp.Status)

	p, err := s.GetPayment(ctx, resp.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, "************4242", p.CardNumber)
	assert.InDelta(t, 120.0, p.Amount, 1e-9)
}

func TestCreatePayment_Declines(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newService(t, 100)

	tests := []struct {
		name   string
		amount float64
		want   error
	}{
		{name: "above limit", amount: 100.01, want: domain.ErrDeclined},
		{name: "zero", amount: 0, want: domain.ErrInvalidAmount},
		{name: "negative", amount: -5, want: domain.ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CreatePayment(ctx, domain.CreatePaymentRequest{Amount: tt.amount})
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRefundPayment_IsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, repo := newService(t, 0)

	resp, err := s.CreatePayment(ctx, domain.CreatePaymentRequest{CardNumber: "1234", Amount: 10})
	require.NoError(t, err)

	require.NoError(t, s.RefundPayment(ctx, resp.PaymentID))
	require.NoError(t, s.RefundPayment(ctx, resp.PaymentID))
	require.NoError(t, s.RefundPayment(ctx, uuid.New()))

	p, err := s.GetPayment(ctx, resp.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, p.Status)

	e, err := repo.Get(ctx, domain.EntityType, resp.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Version)
}

func TestRegister_RefundThroughMux(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newService(t, 0)
	mux := participant.NewMux(nil)
	s.Register(mux)

	reply := mux.Dispatch(ctx, coordinator.Command{
		CorrelationID: uuid.New(),
		Participant:   domain.CreatePayment,
		Payload:       []byte(`{"card_number":"4000123412341234","amount":50}`),
	})
	require.NoError(t, reply.Err())

	var created domain.CreatePaymentResponse
	require.NoError(t, reply.Decode(&created))

	reply = mux.Dispatch(ctx, coordinator.Command{
		CorrelationID: uuid.New(),
		Participant:   domain.RefundPayment,
		Kind:          coordinator.KindCompensation,
		Payload:       []byte(`{"payment_id":"` + created.PaymentID.String() + `"}`),
	})
	require.NoError(t, reply.Err())

	p, err := s.GetPayment(ctx, created.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, p.Status)
}
