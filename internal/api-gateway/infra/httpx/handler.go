package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/aggregate"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/api-gateway/core/ports"
	cartdomain "github.com/jcmexdev/ecommerce-saga-engine/internal/cart-service/domain"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"
	orderdomain "github.com/jcmexdev/ecommerce-saga-engine/internal/order-service/domain"
	productdomain "github.com/jcmexdev/ecommerce-saga-engine/internal/product-service/domain"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/interceptors"
)

// Handler serves the order, cart and catalog API. Every mutating call runs
// one saga to completion before answering.
type Handler struct {
	orders  ports.OrderService
	carts   ports.CartService
	catalog ports.CatalogService
	logger  *slog.Logger
}

func NewHandler(orders ports.OrderService, carts ports.CartService, catalog ports.CatalogService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{orders: orders, carts: carts, catalog: catalog, logger: logger}
}

// CreateOrder runs the CreateOrder saga for a cart.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CartID == uuid.Nil || req.Customer == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "cart_id and customer are required")
		return
	}
	if req.Payment.CardNumber == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "payment.card_number is required")
		return
	}

	h.logger.InfoContext(r.Context(), "creating order",
		slog.String("request_id", interceptors.RequestID(r.Context())),
		slog.String("cart_id", req.CartID.String()),
		slog.String("customer", req.Customer),
	)

	order, err := h.orders.CreateOrder(r.Context(), orderdomain.CreateOrderRequest{
		CartID:   req.CartID,
		Customer: req.Customer,
		Payment:  req.Payment,
		Shipment: req.Shipment,
	})
	if err != nil {
		h.fail(w, r, "create order", err)
		return
	}
	writeJSON(w, http.StatusCreated, mapOrderToResponse(order))
}

func (h *Handler) GetOrderByID(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get order", err)
		return
	}
	writeJSON(w, http.StatusOK, mapOrderToResponse(order))
}

func (h *Handler) CreateCart(w http.ResponseWriter, r *http.Request) {
	var req CreateCartRequest
	if !decode(w, r, &req) {
		return
	}
	if req.User == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user is required")
		return
	}
	cart, err := h.carts.CreateCart(r.Context(), req.User)
	if err != nil {
		h.fail(w, r, "create cart", err)
		return
	}
	writeJSON(w, http.StatusCreated, mapCartToResponse(cart))
}

func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	cart, err := h.carts.GetCart(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get cart", err)
		return
	}
	writeJSON(w, http.StatusOK, mapCartToResponse(cart))
}

// AddCartItem runs the AddCartItem saga.
func (h *Handler) AddCartItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req AddCartItemRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ProductID == uuid.Nil || req.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_item", "product_id and a positive quantity are required")
		return
	}
	cart, err := h.carts.AddItem(r.Context(), id, req.ProductID, req.Quantity)
	if err != nil {
		h.fail(w, r, "add cart item", err)
		return
	}
	writeJSON(w, http.StatusOK, mapCartToResponse(cart))
}

// RemoveCartItem runs the RemoveCartItem saga for the line at {index}.
func (h *Handler) RemoveCartItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_index", err.Error())
		return
	}
	cart, err := h.carts.RemoveItem(r.Context(), id, index)
	if err != nil {
		h.fail(w, r, "remove cart item", err)
		return
	}
	writeJSON(w, http.StatusOK, mapCartToResponse(cart))
}

func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Code == "" || req.Price <= 0 || req.Amount < 0 {
		writeError(w, http.StatusBadRequest, "invalid_product", "code, a positive price and a non-negative amount are required")
		return
	}
	p := productdomain.Product{
		Code:        req.Code,
		Title:       req.Title,
		Description: req.Description,
		Price:       req.Price,
		Inventory:   productdomain.Inventory{Amount: req.Amount},
	}
	id, err := h.catalog.CreateProduct(r.Context(), p)
	if err != nil {
		h.fail(w, r, "create product", err)
		return
	}
	writeJSON(w, http.StatusCreated, mapProductToResponse(id, p))
}

func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.catalog.GetProduct(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get product", err)
		return
	}
	writeJSON(w, http.StatusOK, mapProductToResponse(id, p))
}

func (h *Handler) SetInventory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req SetInventoryRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Amount < 0 {
		writeError(w, http.StatusBadRequest, "invalid_amount", "amount must not be negative")
		return
	}
	if err := h.catalog.SetInventoryAmount(r.Context(), id, req.Amount); err != nil {
		h.fail(w, r, "set inventory", err)
		return
	}
	h.GetProduct(w, r)
}

// fail maps err to a status code and logs server-side failures.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("operation", op),
			slog.Any("error", err),
		)
	}
	writeError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, aggregate.ErrNotFound), errors.Is(err, coordinator.ErrExecutionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, coordinator.ErrExecutionFinished):
		return http.StatusConflict, "execution_finished"
	case errors.Is(err, aggregate.ErrVersionConflict):
		return http.StatusConflict, "version_conflict"
	case errors.Is(err, cartdomain.ErrNoItem):
		return http.StatusBadRequest, "no_such_item"
	case errors.Is(err, errors.ErrUnsupported):
		return http.StatusNotImplemented, "unsupported"
	case errors.Is(err, orderdomain.ErrOrderFailed), errors.Is(err, coordinator.ErrSagaFailed):
		return http.StatusUnprocessableEntity, "saga_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", err.Error())
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
