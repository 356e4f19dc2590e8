package domain

import (
	"errors"

	"github.com/google/uuid"
)

const EntityType = "Payment"

const (
	CreatePayment = "CreatePayment"
	RefundPayment = "RefundPayment"
)

// DefaultLimit is the largest amount charged without manual review.
const DefaultLimit = 500.0

var (
	ErrDeclined      = errors.New("payment: declined")
	ErrInvalidAmount = errors.New("payment: amount must be positive")
)

type Status string

const (
	StatusCreated  Status = "created"
	StatusRefunded Status = "refunded"
)

type Payment struct {
	CardHolder string  `json:"card_holder"`
	CardNumber string  `json:"card_number"`
	Amount     float64 `json:"amount"`
	Status     Status  `json:"status"`
}

type CreatePaymentRequest struct {
	CardHolder string  `json:"card_holder"`
	CardNumber string  `json:"card_number" masq:"secret"`
	CardExpire string  `json:"card_expire" masq:"secret"`
	CardCVC    string  `json:"card_cvc" masq:"secret"`
	Amount     float64 `json:"amount"`
}

type CreatePaymentResponse struct {
	PaymentID uuid.UUID `json:"payment_id"`
	Status    Status    `json:"status"`
}

type RefundPaymentRequest struct {
	PaymentID uuid.UUID `json:"payment_id"`
}

// MaskCard keeps the last four digits of a card number.
func MaskCard(number string) string {
	if len(number) <= 4 {
		return number
	}
	masked := make([]byte, len(number))
	for i := range masked {
		if i < len(number)-4 {
			masked[i] = '*'
		} else {
			masked[i] = number[i]
		}
	}
	return string(masked)
}
