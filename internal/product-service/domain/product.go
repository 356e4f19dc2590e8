package domain

import (
	"errors"
	"maps"

	"github.com/google/uuid"
)

const EntityType = "Product"

// Participant names served by the product service.
const (
	ReserveProducts  = "ReserveProducts"
	ReleaseProducts  = "ReleaseProducts"
	PurchaseProducts = "PurchaseProducts"
)

var (
	ErrInsufficientStock = errors.New("product: insufficient stock")
	ErrNoItems           = errors.New("product: no items requested")
	ErrInvalidQuantity   = errors.New("product: quantity must be positive")
)

type Product struct {
	Code        string    `json:"code"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Price       float64   `json:"price"`
	Inventory   Inventory `json:"inventory"`
}

// Inventory tracks units on hand. Reserved units are held by carts and
// orders; Sold units have left the inventory. Holds names the share of
// Reserved each holder owns, so a holder can only give back its own units.
type Inventory struct {
	Amount   int            `json:"amount"`
	Reserved int            `json:"reserved"`
	Sold     int            `json:"sold"`
	Holds    map[string]int `json:"holds,omitempty"`
}

func (i Inventory) Available() int { return i.Amount - i.Reserved }

// Held returns the units holder owns.
func (i Inventory) Held(holder string) int { return i.Holds[holder] }

// unheld is the reserved share no holder owns.
func (i Inventory) unheld() int {
	n := i.Reserved
	for _, h := range i.Holds {
		n -= h
	}
	return max(n, 0)
}

// Reserve holds n units for holder. A holder that already holds units of
// the product keeps its hold and the call changes nothing; ok reports
// whether units were added. An empty holder reserves anonymously.
func (i Inventory) Reserve(holder string, n int) (_ Inventory, ok bool) {
	if holder != "" {
		if _, held := i.Holds[holder]; held {
			return i, false
		}
		i.Holds = maps.Clone(i.Holds)
		if i.Holds == nil {
			i.Holds = make(map[string]int, 1)
		}
		i.Holds[holder] = n
	}
	i.Reserved += n
	return i, true
}

// Release gives back up to n of holder's units and reports how many. A
// holder without units releases nothing, so a repeated release is a no-op.
// An empty holder only releases units no holder owns.
func (i Inventory) Release(holder string, n int) (Inventory, int) {
	var released int
	if holder == "" {
		released = min(n, i.unheld())
	} else {
		released = min(n, i.Holds[holder])
		i = i.dropHold(holder, released)
	}
	i.Reserved -= released
	return i, released
}

// Purchase sells n units, consuming up to n of holder's reserved ones, and
// reports how many reserved units it consumed.
func (i Inventory) Purchase(holder string, n int) (Inventory, int) {
	var taken int
	if holder == "" {
		taken = min(n, i.unheld())
	} else {
		taken = min(n, i.Holds[holder])
		i = i.dropHold(holder, taken)
	}
	i.Amount -= n
	i.Reserved -= taken
	i.Sold += n
	return i, taken
}

// Unpurchase reverts Purchase(holder, n) that consumed taken reserved units.
func (i Inventory) Unpurchase(holder string, n, taken int) Inventory {
	i.Amount += n
	i.Sold -= n
	i.Reserved += taken
	if holder != "" && taken > 0 {
		i.Holds = maps.Clone(i.Holds)
		if i.Holds == nil {
			i.Holds = make(map[string]int, 1)
		}
		i.Holds[holder] += taken
	}
	return i
}

func (i Inventory) dropHold(holder string, n int) Inventory {
	held, ok := i.Holds[holder]
	if !ok {
		return i
	}
	i.Holds = maps.Clone(i.Holds)
	if held <= n {
		delete(i.Holds, holder)
	} else {
		i.Holds[holder] = held - n
	}
	if len(i.Holds) == 0 {
		i.Holds = nil
	}
	return i
}

// PricedItem is a stock item with the product data at reservation time.
type PricedItem struct {
	ProductID uuid.UUID `json:"product_id"`
	Title     string    `json:"title"`
	UnitPrice float64   `json:"unit_price"`
	Quantity  int       `json:"quantity"`
}

func (p PricedItem) Subtotal() float64 { return float64(p.Quantity) * p.UnitPrice }

// Reservation is the reply of ReserveProducts and PurchaseProducts.
type Reservation struct {
	Items []PricedItem `json:"items"`
	Total float64      `json:"total"`
}

func NewReservation(items []PricedItem) Reservation {
	r := Reservation{Items: items}
	for _, it := range items {
		r.Total += it.Subtotal()
	}
	return r
}
