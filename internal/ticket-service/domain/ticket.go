package domain

import (
	"errors"

	"github.com/google/uuid"
)

const EntityType = "Ticket"

const (
	CreateTicket = "CreateTicket"
	DeleteTicket = "DeleteTicket"
)

var ErrNoEntries = errors.New("ticket: no entries")

type Ticket struct {
	Code       string  `json:"code"`
	TotalPrice float64 `json:"total_price"`
	Entries    []Entry `json:"entries"`
}

type Entry struct {
	ProductID uuid.UUID `json:"product_id"`
	Title     string    `json:"title"`
	UnitPrice float64   `json:"unit_price"`
	Quantity  int       `json:"quantity"`
}

func (e Entry) Subtotal() float64 { return float64(e.Quantity) * e.UnitPrice }

type CreateTicketRequest struct {
	Entries []Entry `json:"entries"`
}

type CreateTicketResponse struct {
	TicketID   uuid.UUID `json:"ticket_id"`
	Code       string    `json:"code"`
	TotalPrice float64   `json:"total_price"`
}

type DeleteTicketRequest struct {
	TicketID uuid.UUID `json:"ticket_id"`
}

func NewTicket(code string, entries []Entry) Ticket {
	t := Ticket{Code: code, Entries: entries}
	for _, e := range entries {
		t.TotalPrice += e.Subtotal()
	}
	return t
}
