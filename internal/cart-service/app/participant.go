package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/aggregate"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/cart-service/domain"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/participant"
)

// Participant serves the cart locking commands of the order saga.
type Participant struct {
	repo   aggregate.Repository
	logger *slog.Logger
}

func NewParticipant(repo aggregate.Repository, logger *slog.Logger) *Participant {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Participant{repo: repo, logger: logger.With(slog.String("service", "cart"))}
}

func (p *Participant) Register(mux *participant.Mux) {
	mux.HandleFunc(domain.LockCart, participant.Typed(func(ctx context.Context, req domain.LockCartRequest) (any, error) {
		return p.Lock(ctx, req.CartID)
	}))
	mux.HandleFunc(domain.UnlockCart, participant.Typed(func(ctx context.Context, req domain.UnlockCartRequest) (any, error) {
		return nil, p.Unlock(ctx, req.CartID)
	}))
}

// Lock freezes a non-empty cart and returns its content.
func (p *Participant) Lock(ctx context.Context, id uuid.UUID) (domain.LockCartResponse, error) {
	c, _, err := aggregate.UpdateAs(ctx, p.repo, domain.EntityType, id, func(c *domain.Cart) error {
		if c.Locked {
			return domain.ErrCartLocked
		}
		if len(c.Items) == 0 {
			return domain.ErrCartEmpty
		}
		c.Locked = true
		return nil
	})
	if err != nil {
		return domain.LockCartResponse{}, fmt.Errorf("lock cart %s: %w", id, err)
	}

	p.logger.InfoContext(ctx, "cart locked", slog.String("cart_id", id.String()), slog.Int("items", len(c.Items)))
	return domain.LockCartResponse{CartID: id, User: c.User, Items: c.Items, Total: c.Total()}, nil
}

// Unlock releases a locked cart. Unknown or unlocked carts are left alone.
func (p *Participant) Unlock(ctx context.Context, id uuid.UUID) error {
	_, _, err := aggregate.UpdateAs(ctx, p.repo, domain.EntityType, id, func(c *domain.Cart) error {
		if !c.Locked {
			return aggregate.ErrNoChange
		}
		c.Locked = false
		return nil
	})
	if errors.Is(err, aggregate.ErrNotFound) {
		p.logger.WarnContext(ctx, "no cart to unlock", slog.String("cart_id", id.String()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("unlock cart %s: %w", id, err)
	}
	p.logger.InfoContext(ctx, "cart unlocked", slog.String("cart_id", id.String()))
	return nil
}
