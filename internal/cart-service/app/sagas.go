package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/aggregate"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/cart-service/domain"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"
	productdomain "github.com/jcmexdev/ecommerce-saga-engine/internal/product-service/domain"
)

// Context keys shared by the cart sagas.
const (
	keyCartID      = "cart_id"
	keyItem        = "item"
	keyIndex       = "index"
	keyReservation = "reservation"
	keyCart        = "cart"
	keyHold        = "hold"
)

// sagas builds the cart saga definitions. Commit callbacks write the cart
// aggregate through repo.
type sagas struct {
	repo aggregate.Repository
}

// addCartItem reserves the units first and adds them to the cart on commit;
// a locked cart releases the reservation again.
func (s sagas) addCartItem() (*coordinator.Definition, error) {
	return coordinator.NewSaga(domain.AddCartItem,
		coordinator.WithParticipants(productdomain.ReserveProducts, productdomain.ReleaseProducts)).
		Step().
		InvokeParticipant(productdomain.ReserveProducts, stockRequest).
		OnReply(storeReservation).
		WithCompensation(productdomain.ReleaseProducts, stockRequest).
		Commit(s.appendItem)
}

// removeCartItem gives the units back first and drops the line on commit;
// a failed commit reserves them again.
func (s sagas) removeCartItem() (*coordinator.Definition, error) {
	return coordinator.NewSaga(domain.RemoveCartItem,
		coordinator.WithParticipants(productdomain.ReserveProducts, productdomain.ReleaseProducts)).
		Step().
		InvokeParticipant(productdomain.ReleaseProducts, stockRequest).
		WithCompensation(productdomain.ReserveProducts, stockRequest).
		Commit(s.dropItem)
}

func stockRequest(sc coordinator.SagaContext) (any, error) {
	item, err := coordinator.Get[productdomain.StockItem](sc, keyItem)
	if err != nil {
		return nil, err
	}
	req := productdomain.StockRequest{Items: []productdomain.StockItem{item}}
	if sc.Has(keyHold) {
		if req.Holder, err = coordinator.Get[string](sc, keyHold); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func storeReservation(sc coordinator.SagaContext, reply coordinator.Reply) (coordinator.SagaContext, error) {
	var res productdomain.Reservation
	if err := reply.Decode(&res); err != nil {
		return sc, err
	}
	if len(res.Items) != 1 {
		return sc, fmt.Errorf("reservation has %d items, want 1", len(res.Items))
	}
	return coordinator.SagaContext{}.With(keyReservation, res)
}

func (s sagas) appendItem(ctx context.Context, sc coordinator.SagaContext) (coordinator.SagaContext, error) {
	id, err := coordinator.Get[uuid.UUID](sc, keyCartID)
	if err != nil {
		return sc, err
	}
	res, err := coordinator.Get[productdomain.Reservation](sc, keyReservation)
	if err != nil {
		return sc, err
	}
	priced := res.Items[0]
	hold, err := coordinator.Get[string](sc, keyHold)
	if err != nil {
		return sc, err
	}

	c, _, err := aggregate.UpdateAs(ctx, s.repo, domain.EntityType, id, func(c *domain.Cart) error {
		if c.Locked {
			return domain.ErrCartLocked
		}
		c.Items = append(c.Items, domain.Item{
			ProductID: priced.ProductID,
			Title:     priced.Title,
			Quantity:  priced.Quantity,
			Price:     priced.UnitPrice,
			Hold:      hold,
		})
		return nil
	})
	if err != nil {
		return sc, fmt.Errorf("add item to cart %s: %w", id, err)
	}
	return coordinator.SagaContext{}.With(keyCart, domain.View{ID: id, Cart: c})
}

func (s sagas) dropItem(ctx context.Context, sc coordinator.SagaContext) (coordinator.SagaContext, error) {
	id, err := coordinator.Get[uuid.UUID](sc, keyCartID)
	if err != nil {
		return sc, err
	}
	idx, err := coordinator.Get[int](sc, keyIndex)
	if err != nil {
		return sc, err
	}
	item, err := coordinator.Get[productdomain.StockItem](sc, keyItem)
	if err != nil {
		return sc, err
	}

	c, _, err := aggregate.UpdateAs(ctx, s.repo, domain.EntityType, id, func(c *domain.Cart) error {
		if c.Locked {
			return domain.ErrCartLocked
		}
		if idx < 0 || idx >= len(c.Items) || c.Items[idx].ProductID != item.ProductID {
			return fmt.Errorf("%w: index %d", domain.ErrNoItem, idx)
		}
		c.Items = append(c.Items[:idx], c.Items[idx+1:]...)
		return nil
	})
	if err != nil {
		return sc, fmt.Errorf("remove item from cart %s: %w", id, err)
	}
	return coordinator.SagaContext{}.With(keyCart, domain.View{ID: id, Cart: c})
}
