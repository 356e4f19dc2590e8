package httpx

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	cartdomain "github.com/jcmexdev/ecommerce-saga-engine/internal/cart-service/domain"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator/sagalog"
	orderdomain "github.com/jcmexdev/ecommerce-saga-engine/internal/order-service/domain"
	productdomain "github.com/jcmexdev/ecommerce-saga-engine/internal/product-service/domain"
)

type CreateOrderRequest struct {
	CartID   uuid.UUID                  `json:"cart_id"`
	Customer string                     `json:"customer"`
	Payment  orderdomain.PaymentDetail  `json:"payment"`
	Shipment orderdomain.ShipmentDetail `json:"shipment"`
}

type OrderResponse struct {
	ID         uuid.UUID                  `json:"id"`
	CartID     uuid.UUID                  `json:"cart_id"`
	Customer   string                     `json:"customer"`
	Status     string                     `json:"status"`
	Total      float64                    `json:"total"`
	TicketCode string                     `json:"ticket_code"`
	PaymentID  uuid.UUID                  `json:"payment_id"`
	CardNumber string                     `json:"card_number"`
	Shipment   orderdomain.ShipmentDetail `json:"shipment"`
	Items      []OrderItemResponse        `json:"items"`
}

type OrderItemResponse struct {
	ProductID uuid.UUID `json:"product_id"`
	Title     string    `json:"title"`
	Quantity  int       `json:"quantity"`
	Price     float64   `json:"price"`
	Subtotal  float64   `json:"subtotal"`
}

type CreateCartRequest struct {
	User string `json:"user"`
}

type AddCartItemRequest struct {
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int       `json:"quantity"`
}

type CartResponse struct {
	ID     uuid.UUID         `json:"id"`
	User   string            `json:"user"`
	Locked bool              `json:"locked"`
	Items  []cartdomain.Item `json:"items"`
	Total  float64           `json:"total"`
}

type CreateProductRequest struct {
	Code        string  `json:"code"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	Amount      int     `json:"amount"`
}

type SetInventoryRequest struct {
	Amount int `json:"amount"`
}

type ProductResponse struct {
	ID          uuid.UUID `json:"id"`
	Code        string    `json:"code"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Price       float64   `json:"price"`
	Amount      int       `json:"amount"`
	Reserved    int       `json:"reserved"`
	Sold        int       `json:"sold"`
	Available   int       `json:"available"`
}

type ExecutionResponse struct {
	ID                   uuid.UUID       `json:"id"`
	Saga                 string          `json:"saga"`
	Status               string          `json:"status"`
	Cursor               int             `json:"cursor"`
	CompletedSteps       []int           `json:"completed_steps"`
	PendingCorrelationID *uuid.UUID      `json:"pending_correlation_id,omitempty"`
	Deadline             *time.Time      `json:"deadline,omitempty"`
	CancelRequested      bool            `json:"cancel_requested"`
	Error                string          `json:"error,omitempty"`
	CompensationErrors   []string        `json:"compensation_errors,omitempty"`
	Context              json.RawMessage `json:"context"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

type HistoryEntryResponse struct {
	Status     string    `json:"status"`
	Cursor     int       `json:"cursor"`
	Error      string    `json:"error,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func mapOrderToResponse(o orderdomain.Order) OrderResponse {
	items := make([]OrderItemResponse, len(o.Items))
	for i, it := range o.Items {
		items[i] = OrderItemResponse{
			ProductID: it.ProductID,
			Title:     it.Title,
			Quantity:  it.Quantity,
			Price:     it.UnitPrice,
			Subtotal:  it.Subtotal(),
		}
	}
	return OrderResponse{
		ID:         o.ID,
		CartID:     o.CartID,
		Customer:   o.Customer,
		Status:     string(o.Status),
		Total:      o.TotalAmount,
		TicketCode: o.TicketCode,
		PaymentID:  o.PaymentID,
		CardNumber: o.PaymentDetail.CardNumber,
		Shipment:   o.ShipmentDetail,
		Items:      items,
	}
}

func mapCartToResponse(v cartdomain.View) CartResponse {
	items := v.Items
	if items == nil {
		items = []cartdomain.Item{}
	}
	return CartResponse{ID: v.ID, User: v.User, Locked: v.Locked, Items: items, Total: v.Total()}
}

func mapProductToResponse(id uuid.UUID, p productdomain.Product) ProductResponse {
	return ProductResponse{
		ID:          id,
		Code:        p.Code,
		Title:       p.Title,
		Description: p.Description,
		Price:       p.Price,
		Amount:      p.Inventory.Amount,
		Reserved:    p.Inventory.Reserved,
		Sold:        p.Inventory.Sold,
		Available:   p.Inventory.Available(),
	}
}

func mapExecutionToResponse(e *coordinator.Execution) (ExecutionResponse, error) {
	sc, err := json.Marshal(e.Context)
	if err != nil {
		return ExecutionResponse{}, err
	}
	resp := ExecutionResponse{
		ID:                 e.ID,
		Saga:               e.Definition,
		Status:             string(e.Status),
		Cursor:             e.Cursor,
		CompletedSteps:     e.CompletedSteps,
		CancelRequested:    e.CancelRequested,
		Error:              e.Error,
		CompensationErrors: e.CompensationErrors,
		Context:            sc,
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
	}
	if resp.CompletedSteps == nil {
		resp.CompletedSteps = []int{}
	}
	if e.PendingCorrelationID != uuid.Nil {
		id := e.PendingCorrelationID
		resp.PendingCorrelationID = &id
	}
	if !e.Deadline.IsZero() {
		d := e.Deadline
		resp.Deadline = &d
	}
	return resp, nil
}

func mapHistory(entries []sagalog.Entry) []HistoryEntryResponse {
	out := make([]HistoryEntryResponse, len(entries))
	for i, e := range entries {
		out[i] = HistoryEntryResponse{
			Status:     string(e.Status),
			Cursor:     e.Cursor,
			Error:      e.Error,
			TraceID:    e.TraceID,
			RecordedAt: e.RecordedAt,
		}
	}
	return out
}
