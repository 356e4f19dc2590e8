package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// StockRequest is the payload of the stock participants. Holder names who
// the units are reserved for: a reservation, a release or a purchase only
// touches that holder's units, which makes repeated deliveries harmless.
type StockRequest struct {
	Holder string      `json:"holder,omitempty"`
	Items  []StockItem `json:"items"`
}

type StockItem struct {
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int       `json:"quantity"`
}

// Quantities sums the requested units per product, keeping first-seen order.
func (r StockRequest) Quantities() ([]StockItem, error) {
	if len(r.Items) == 0 {
		return nil, ErrNoItems
	}

	idx := make(map[uuid.UUID]int, len(r.Items))
	var out []StockItem
	for _, it := range r.Items {
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: %d of %s", ErrInvalidQuantity, it.Quantity, it.ProductID)
		}
		if i, ok := idx[it.ProductID]; ok {
			out[i].Quantity += it.Quantity
			continue
		}
		idx[it.ProductID] = len(out)
		out = append(out, it)
	}
	return out, nil
}
