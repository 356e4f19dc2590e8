package domain

import (
	"errors"

	"github.com/google/uuid"
)

const EntityType = "Order"

const CreateOrder = "CreateOrder"

var (
	ErrOrderFailed     = errors.New("order: creation failed")
	ErrCardUnavailable = errors.New("order: card data expired or unknown")
)

type Order struct {
	ID             uuid.UUID      `json:"id,omitzero"`
	CartID         uuid.UUID      `json:"cart_id"`
	Customer       string         `json:"customer"`
	TicketID       uuid.UUID      `json:"ticket_id"`
	TicketCode     string         `json:"ticket_code"`
	PaymentID      uuid.UUID      `json:"payment_id"`
	Items          []OrderItem    `json:"items"`
	TotalAmount    float64        `json:"total_amount"`
	Status         OrderStatus    `json:"status"`
	PaymentDetail  PaymentDetail  `json:"payment_detail"`
	ShipmentDetail ShipmentDetail `json:"shipment_detail"`
}

type OrderItem struct {
	ProductID uuid.UUID `json:"product_id"`
	Title     string    `json:"title"`
	Quantity  int       `json:"quantity"`
	UnitPrice float64   `json:"unit_price"`
}

func (i OrderItem) Subtotal() float64 {
	return float64(i.Quantity) * i.UnitPrice
}

type OrderStatus string

const (
	StatusCreated    OrderStatus = "created"
	StatusProcessing OrderStatus = "processing"
	StatusCompleted  OrderStatus = "completed"
)

type PaymentDetail struct {
	CardHolder string `json:"card_holder"`
	CardNumber string `json:"card_number" masq:"secret"`
	CardExpire string `json:"card_expire"`
	CardCVC    string `json:"card_cvc,omitempty" masq:"secret"`
}

type ShipmentDetail struct {
	Name     string `json:"name"`
	LastName string `json:"last_name"`
	Email    string `json:"email"`
	Address  string `json:"address"`
	Country  string `json:"country"`
	City     string `json:"city"`
	Province string `json:"province"`
	Zip      string `json:"zip"`
}

type CreateOrderRequest struct {
	CartID   uuid.UUID      `json:"cart_id"`
	Customer string         `json:"customer"`
	Payment  PaymentDetail  `json:"payment"`
	Shipment ShipmentDetail `json:"shipment"`
}
