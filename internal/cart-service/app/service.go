package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/aggregate"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/cart-service/domain"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"
	productdomain "github.com/jcmexdev/ecommerce-saga-engine/internal/product-service/domain"
)

// Service manages carts. Item changes run as sagas so that the stock held
// by a cart always matches its lines.
type Service struct {
	repo    aggregate.Repository
	manager *coordinator.Manager
	logger  *slog.Logger

	addItem    *coordinator.Definition
	removeItem *coordinator.Definition
}

func NewService(repo aggregate.Repository, manager *coordinator.Manager, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := sagas{repo: repo}
	add, addErr := s.addCartItem()
	remove, removeErr := s.removeCartItem()
	if err := errors.Join(addErr, removeErr); err != nil {
		return nil, err
	}
	if err := manager.Register(add, remove); err != nil {
		return nil, err
	}

	return &Service{
		repo:       repo,
		manager:    manager,
		logger:     logger.With(slog.String("service", "cart")),
		addItem:    add,
		removeItem: remove,
	}, nil
}

// Definitions returns the cart sagas.
func (s *Service) Definitions() []*coordinator.Definition {
	return []*coordinator.Definition{s.addItem, s.removeItem}
}

func (s *Service) CreateCart(ctx context.Context, user string) (domain.View, error) {
	c := domain.Cart{User: user, Items: []domain.Item{}}
	e, _, err := s.repo.Create(ctx, domain.EntityType, c)
	if err != nil {
		return domain.View{}, fmt.Errorf("create cart: %w", err)
	}
	s.logger.InfoContext(ctx, "cart created", slog.String("cart_id", e.ID.String()), slog.String("user", user))
	return domain.View{ID: e.ID, Cart: c}, nil
}

func (s *Service) GetCart(ctx context.Context, id uuid.UUID) (domain.View, error) {
	e, err := s.repo.Get(ctx, domain.EntityType, id)
	if err != nil {
		return domain.View{}, err
	}
	c, err := aggregate.Decode[domain.Cart](e)
	if err != nil {
		return domain.View{}, err
	}
	return domain.View{ID: id, Cart: c}, nil
}

// AddItem reserves quantity units of a product and adds them to the cart.
// The reservation is held under a name of its own that the new line keeps.
func (s *Service) AddItem(ctx context.Context, cartID, productID uuid.UUID, quantity int) (domain.View, error) {
	sc, err := coordinator.NewContext(map[string]any{
		keyCartID: cartID,
		keyItem:   productdomain.StockItem{ProductID: productID, Quantity: quantity},
		keyHold:   "cart-line/" + uuid.NewString(),
	})
	if err != nil {
		return domain.View{}, err
	}
	return s.run(ctx, s.addItem, sc)
}

// RemoveItem drops the line at index and releases its units.
func (s *Service) RemoveItem(ctx context.Context, cartID uuid.UUID, index int) (domain.View, error) {
	cart, err := s.GetCart(ctx, cartID)
	if err != nil {
		return domain.View{}, err
	}
	if index < 0 || index >= len(cart.Items) {
		return domain.View{}, fmt.Errorf("%w: index %d of %d", domain.ErrNoItem, index, len(cart.Items))
	}
	line := cart.Items[index]

	values := map[string]any{
		keyCartID: cartID,
		keyIndex:  index,
		keyItem:   productdomain.StockItem{ProductID: line.ProductID, Quantity: line.Quantity},
	}
	if line.Hold != "" {
		values[keyHold] = line.Hold
	}
	sc, err := coordinator.NewContext(values)
	if err != nil {
		return domain.View{}, err
	}
	return s.run(ctx, s.removeItem, sc)
}

func (s *Service) run(ctx context.Context, def *coordinator.Definition, sc coordinator.SagaContext) (domain.View, error) {
	exec, err := s.manager.Run(ctx, def, sc)
	if err != nil {
		return domain.View{}, err
	}
	return coordinator.Get[domain.View](exec.Context, keyCart)
}
