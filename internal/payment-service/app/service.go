package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/aggregate"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/participant"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/payment-service/domain"
)

type Service struct {
	repo   aggregate.Repository
	limit  float64
	logger *slog.Logger
}

// NewService declines payments above limit; a non-positive limit selects
// domain.DefaultLimit.
func NewService(repo aggregate.Repository, limit float64, logger *slog.Logger) *Service {
	if limit <= 0 {
		limit = domain.DefaultLimit
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{repo: repo, limit: limit, logger: logger.With(slog.String("service", "payment"))}
}

func (s *Service) Register(mux *participant.Mux) {
	mux.HandleFunc(domain.CreatePayment, participant.Typed(func(ctx context.Context, req domain.CreatePaymentRequest) (any, error) {
		return s.CreatePayment(ctx, req)
	}))
	mux.HandleFunc(domain.RefundPayment, participant.Typed(func(ctx context.Context, req domain.RefundPaymentRequest) (any, error) {
		return nil, s.RefundPayment(ctx, req.PaymentID)
	}))
}

func (s *Service) CreatePayment(ctx context.Context, req domain.CreatePaymentRequest) (domain.CreatePaymentResponse, error) {
	s.logger.InfoContext(ctx, "processing payment", slog.Any("request", req))

	if req.Amount <= 0 {
		return domain.CreatePaymentResponse{}, fmt.Errorf("%w: %.2f", domain.ErrInvalidAmount, req.Amount)
	}
	if req.Amount > s.limit {
		s.logger.WarnContext(ctx, "payment declined", slog.Float64("amount", req.Amount), slog.Float64("limit", s.limit))
		return domain.CreatePaymentResponse{}, fmt.Errorf("%w: amount %.2f exceeds limit %.2f", domain.ErrDeclined, req.Amount, s.limit)
	}

	e, _, err := s.repo.Create(ctx, domain.EntityType, domain.Payment{
		CardHolder: req.CardHolder,
		CardNumber: domain.MaskCard(req.CardNumber),
		Amount:     req.Amount,
		Status:     domain.StatusCreated,
	})
	if err != nil {
		return domain.CreatePaymentResponse{}, fmt.Errorf("create payment: %w", err)
	}

	s.logger.InfoContext(ctx, "payment created", slog.String("payment_id", e.ID.String()), slog.Float64("amount", req.Amount))
	return domain.CreatePaymentResponse{PaymentID: e.ID, Status: domain.StatusCreated}, nil
}

// RefundPayment marks a payment refunded. Refunding an unknown or already
// refunded payment does nothing.
func (s *Service) RefundPayment(ctx context.Context, id uuid.UUID) error {
	_, rec, err := aggregate.UpdateAs(ctx, s.repo, domain.EntityType, id, func(p *domain.Payment) error {
		if p.Status == domain.StatusRefunded {
			return aggregate.ErrNoChange
		}
		p.Status = domain.StatusRefunded
		return nil
	})
	if errors.Is(err, aggregate.ErrNotFound) {
		s.logger.WarnContext(ctx, "no payment to refund", slog.String("payment_id", id.String()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("refund payment %s: %w", id, err)
	}

	if rec == nil {
		s.logger.InfoContext(ctx, "payment already refunded", slog.String("payment_id", id.String()))
		return nil
	}
	s.logger.InfoContext(ctx, "payment refunded", slog.String("payment_id", id.String()))
	return nil
}

func (s *Service) GetPayment(ctx context.Context, id uuid.UUID) (domain.Payment, error) {
	e, err := s.repo.Get(ctx, domain.EntityType, id)
	if err != nil {
		return domain.Payment{}, err
	}
	return aggregate.Decode[domain.Payment](e)
}
