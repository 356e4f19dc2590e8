package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/aggregate"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/order-service/domain"
)

type Service struct {
	repo    aggregate.Repository
	manager *coordinator.Manager
	vault   CardVault
	def     *coordinator.Definition
	logger  *slog.Logger
}

// NewService registers the CreateOrder saga on manager. A zero replyTimeout
// keeps the manager default; a nil vault keeps cards in process memory.
func NewService(repo aggregate.Repository, manager *coordinator.Manager, vault CardVault, replyTimeout time.Duration, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if vault == nil {
		vault = NewMemoryVault(DefaultCardTTL)
	}

	def, err := orderSaga{repo: repo, vault: vault}.definition(replyTimeout)
	if err != nil {
		return nil, err
	}
	if err := manager.Register(def); err != nil {
		return nil, err
	}
	return &Service{repo: repo, manager: manager, vault: vault, def: def, logger: logger.With(slog.String("service", "order"))}, nil
}

func (s *Service) Definition() *coordinator.Definition { return s.def }

// CreateOrder runs the CreateOrder saga and returns the stored order. Any
// outcome other than success is reported as ErrOrderFailed.
func (s *Service) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (domain.Order, error) {
	token := uuid.NewString()
	if err := s.vault.Put(ctx, token, req.Payment); err != nil {
		return domain.Order{}, fmt.Errorf("%w: store card: %w", domain.ErrOrderFailed, err)
	}

	sc, err := coordinator.NewContext(map[string]any{
		keyCartID:    req.CartID,
		keyCustomer:  req.Customer,
		keyPayment:   maskedCard(req.Payment),
		keyCardToken: token,
		keyStockHold: "order/" + uuid.NewString(),
		keyShipment:  req.Shipment,
	})
	if err != nil {
		return domain.Order{}, err
	}

	exec, err := s.manager.Run(ctx, s.def, sc, coordinator.WithRaiseOnError(false))
	if exec != nil && exec.Terminal() {
		s.forgetCard(ctx, token)
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("%w: %w", domain.ErrOrderFailed, err)
	}
	if exec.Status != coordinator.StatusSucceeded {
		s.logger.WarnContext(ctx, "order not created",
			slog.String("execution_id", exec.ID.String()),
			slog.String("status", string(exec.Status)),
			slog.String("error", exec.Error),
		)
		return domain.Order{}, fmt.Errorf("%w: execution %s %s: %s", domain.ErrOrderFailed, exec.ID, exec.Status, exec.Error)
	}

	order, err := coordinator.Get[domain.Order](exec.Context, keyOrder)
	if err != nil {
		return domain.Order{}, err
	}
	s.logger.InfoContext(ctx, "order created",
		slog.String("order_id", order.ID.String()),
		slog.String("execution_id", exec.ID.String()),
		slog.Float64("total_amount", order.TotalAmount),
	)
	return order, nil
}

// forgetCard drops the card once the order is decided. Unfinished orders
// leave it to the vault TTL.
func (s *Service) forgetCard(ctx context.Context, token string) {
	if err := s.vault.Delete(context.WithoutCancel(ctx), token); err != nil {
		s.logger.WarnContext(ctx, "failed to drop card data", slog.Any("error", err))
	}
}

func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	e, err := s.repo.Get(ctx, domain.EntityType, id)
	if err != nil {
		return domain.Order{}, err
	}
	order, err := aggregate.Decode[domain.Order](e)
	if err != nil {
		return domain.Order{}, err
	}
	order.ID = e.ID
	return order, nil
}
