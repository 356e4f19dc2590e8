package domain

import (
	"errors"

	"github.com/google/uuid"
)

const EntityType = "Cart"

const (
	LockCart   = "LockCart"
	UnlockCart = "UnlockCart"
)

// Saga names.
const (
	AddCartItem    = "AddCartItem"
	RemoveCartItem = "RemoveCartItem"
)

var (
	ErrCartLocked = errors.New("cart: locked by a pending order")
	ErrCartEmpty  = errors.New("cart: empty")
	ErrNoItem     = errors.New("cart: no such item")
)

type Cart struct {
	User   string `json:"user"`
	Locked bool   `json:"locked"`
	Items  []Item `json:"items"`
}

type Item struct {
	ProductID uuid.UUID `json:"product_id"`
	Title     string    `json:"title"`
	Quantity  int       `json:"quantity"`
	Price     float64   `json:"price"`

	// Hold names the stock reservation backing the line.
	Hold string `json:"hold,omitempty"`
}

func (c Cart) Total() float64 {
	var total float64
	for _, it := range c.Items {
		total += float64(it.Quantity) * it.Price
	}
	return total
}

// View is a cart together with its identity.
type View struct {
	ID uuid.UUID `json:"id"`
	Cart
}

type LockCartRequest struct {
	CartID uuid.UUID `json:"cart_id"`
}

type LockCartResponse struct {
	CartID uuid.UUID `json:"cart_id"`
	User   string    `json:"user"`
	Items  []Item    `json:"items"`
	Total  float64   `json:"total"`
}

type UnlockCartRequest struct {
	CartID uuid.UUID `json:"cart_id"`
}
