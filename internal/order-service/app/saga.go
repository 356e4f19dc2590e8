package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/aggregate"
	cartdomain "github.com/jcmexdev/ecommerce-saga-engine/internal/cart-service/domain"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/order-service/domain"
	paymentdomain "github.com/jcmexdev/ecommerce-saga-engine/internal/payment-service/domain"
	productdomain "github.com/jcmexdev/ecommerce-saga-engine/internal/product-service/domain"
	ticketdomain "github.com/jcmexdev/ecommerce-saga-engine/internal/ticket-service/domain"
)

const (
	keyCartID      = "cart_id"
	keyCustomer    = "customer"
	keyPayment     = "payment_detail"
	keyShipment    = "shipment_detail"
	keyCart        = "cart"
	keyReservation = "reservation"
	keyPaymentRef  = "payment"
	keyTicket      = "ticket"
	keyOrder       = "order"
	keyCardToken   = "card_token"
	keyStockHold   = "stock_hold"
)

var participants = []string{
	cartdomain.LockCart, cartdomain.UnlockCart,
	productdomain.ReserveProducts, productdomain.ReleaseProducts,
	paymentdomain.CreatePayment, paymentdomain.RefundPayment,
	ticketdomain.CreateTicket, ticketdomain.DeleteTicket,
}

// orderSaga holds what the CreateOrder payloads and commit need.
type orderSaga struct {
	repo  aggregate.Repository
	vault CardVault
}

func (o orderSaga) definition(replyTimeout time.Duration) (*coordinator.Definition, error) {
	opts := []coordinator.Option{coordinator.WithParticipants(participants...)}
	if replyTimeout > 0 {
		opts = append(opts, coordinator.WithReplyTimeout(replyTimeout))
	}

	return coordinator.NewSaga(domain.CreateOrder, opts...).
		Step().
		InvokeParticipant(cartdomain.LockCart, cartRequest).
		OnReply(store[cartdomain.LockCartResponse](keyCart)).
		WithCompensation(cartdomain.UnlockCart, cartRequest).
		Step().
		InvokeParticipant(productdomain.ReserveProducts, stockRequest).
		OnReply(store[productdomain.Reservation](keyReservation)).
		WithCompensation(productdomain.ReleaseProducts, stockRequest).
		Step().
		InvokeParticipant(paymentdomain.CreatePayment, o.paymentRequest).
		OnReply(store[paymentdomain.CreatePaymentResponse](keyPaymentRef)).
		WithCompensation(paymentdomain.RefundPayment, refundRequest).
		Step().
		InvokeParticipant(ticketdomain.CreateTicket, ticketRequest).
		OnReply(store[ticketdomain.CreateTicketResponse](keyTicket)).
		WithCompensation(ticketdomain.DeleteTicket, deleteTicketRequest).
		Commit(o.createOrder)
}

// store decodes the reply payload as T and keeps it under key.
func store[T any](key string) coordinator.ReplyFunc {
	return func(sc coordinator.SagaContext, reply coordinator.Reply) (coordinator.SagaContext, error) {
		var v T
		if err := reply.Decode(&v); err != nil {
			return sc, err
		}
		return coordinator.SagaContext{}.With(key, v)
	}
}

func cartRequest(sc coordinator.SagaContext) (any, error) {
	id, err := coordinator.Get[uuid.UUID](sc, keyCartID)
	if err != nil {
		return nil, err
	}
	return cartdomain.LockCartRequest{CartID: id}, nil
}

func stockRequest(sc coordinator.SagaContext) (any, error) {
	cart, err := coordinator.Get[cartdomain.LockCartResponse](sc, keyCart)
	if err != nil {
		return nil, err
	}
	hold, err := coordinator.Get[string](sc, keyStockHold)
	if err != nil {
		return nil, err
	}
	req := productdomain.StockRequest{Holder: hold, Items: make([]productdomain.StockItem, 0, len(cart.Items))}
	for _, it := range cart.Items {
		req.Items = append(req.Items, productdomain.StockItem{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return req, nil
}

// paymentRequest is the only place the full card is read back: the command
// carries it to the payment participant and the context never does.
func (o orderSaga) paymentRequest(sc coordinator.SagaContext) (any, error) {
	token, err := coordinator.Get[string](sc, keyCardToken)
	if err != nil {
		return nil, err
	}
	card, err := o.vault.Get(context.Background(), token)
	if err != nil {
		return nil, err
	}
	res, err := coordinator.Get[productdomain.Reservation](sc, keyReservation)
	if err != nil {
		return nil, err
	}
	return paymentdomain.CreatePaymentRequest{
		CardHolder: card.CardHolder,
		CardNumber: card.CardNumber,
		CardExpire: card.CardExpire,
		CardCVC:    card.CardCVC,
		Amount:     res.Total,
	}, nil
}

// maskedCard is the card as the saga context and the order keep it.
func maskedCard(card domain.PaymentDetail) domain.PaymentDetail {
	return domain.PaymentDetail{
		CardHolder: card.CardHolder,
		CardNumber: paymentdomain.MaskCard(card.CardNumber),
		CardExpire: card.CardExpire,
	}
}

func refundRequest(sc coordinator.SagaContext) (any, error) {
	p, err := coordinator.Get[paymentdomain.CreatePaymentResponse](sc, keyPaymentRef)
	if err != nil {
		return nil, err
	}
	return paymentdomain.RefundPaymentRequest{PaymentID: p.PaymentID}, nil
}

func ticketRequest(sc coordinator.SagaContext) (any, error) {
	res, err := coordinator.Get[productdomain.Reservation](sc, keyReservation)
	if err != nil {
		return nil, err
	}
	req := ticketdomain.CreateTicketRequest{Entries: make([]ticketdomain.Entry, 0, len(res.Items))}
	for _, it := range res.Items {
		req.Entries = append(req.Entries, ticketdomain.Entry{
			ProductID: it.ProductID,
			Title:     it.Title,
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
		})
	}
	return req, nil
}

func deleteTicketRequest(sc coordinator.SagaContext) (any, error) {
	t, err := coordinator.Get[ticketdomain.CreateTicketResponse](sc, keyTicket)
	if err != nil {
		return nil, err
	}
	return ticketdomain.DeleteTicketRequest{TicketID: t.TicketID}, nil
}

func (o orderSaga) createOrder(ctx context.Context, sc coordinator.SagaContext) (coordinator.SagaContext, error) {
	var (
		order       domain.Order
		reservation productdomain.Reservation
		payment     paymentdomain.CreatePaymentResponse
		ticket      ticketdomain.CreateTicketResponse
	)
	for key, dst := range map[string]any{
		keyCartID:      &order.CartID,
		keyCustomer:    &order.Customer,
		keyPayment:     &order.PaymentDetail,
		keyShipment:    &order.ShipmentDetail,
		keyReservation: &reservation,
		keyPaymentRef:  &payment,
		keyTicket:      &ticket,
	} {
		if err := sc.Decode(key, dst); err != nil {
			return sc, err
		}
	}

	order.PaymentID = payment.PaymentID
	order.TicketID = ticket.TicketID
	order.TicketCode = ticket.Code
	order.TotalAmount = reservation.Total
	order.Status = domain.StatusCompleted
	for _, it := range reservation.Items {
		order.Items = append(order.Items, domain.OrderItem{
			ProductID: it.ProductID,
			Title:     it.Title,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}

	e, _, err := o.repo.Create(ctx, domain.EntityType, order)
	if err != nil {
		return sc, fmt.Errorf("store order: %w", err)
	}
	order.ID = e.ID
	return coordinator.SagaContext{}.With(keyOrder, order)
}
