package httpx_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/aggregate/memory"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/api-gateway/infra/httpx"
	cartapp "github.com/jcmexdev/ecommerce-saga-engine/internal/cart-service/app"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"
	sagamemory "github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator/sagalog/memory"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/gateway/local"
	orderapp "github.com/jcmexdev/ecommerce-saga-engine/internal/order-service/app"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/participant"
	paymentapp "github.com/jcmexdev/ecommerce-saga-engine/internal/payment-service/app"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/health"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/metrics"
	productapp "github.com/jcmexdev/ecommerce-saga-engine/internal/product-service/app"
	ticketapp "github.com/jcmexdev/ecommerce-saga-engine/internal/ticket-service/app"
)

type api struct {
	srv     *httptest.Server
	gw      *local.Gateway
	manager *coordinator.Manager
	health  *health.Registry
}

func newAPI(t *testing.T, paymentLimit float64) *api {
	t.Helper()

	repo, err := memory.New()
	require.NoError(t, err)
	store, err := sagamemory.New()
	require.NoError(t, err)

	products := productapp.NewService(repo, nil)
	mux := participant.NewMux(nil)
	products.Register(mux)
	paymentapp.NewService(repo, paymentLimit, nil).Register(mux)
	ticketapp.NewService(repo, nil).Register(mux)
	cartapp.NewParticipant(repo, nil).Register(mux)

	gw := local.New(mux)
	m := metrics.New(prometheus.NewRegistry())
	manager := coordinator.NewManager(store, gw, coordinator.WithObserver(m))
	t.Cleanup(manager.Close)

	carts, err := cartapp.NewService(repo, manager, nil)
	require.NoError(t, err)
	orders, err := orderapp.NewService(repo, manager, nil, 0, nil)
	require.NoError(t, err)

	reg := health.New(0)
	router := httpx.NewRouter(
		httpx.NewHandler(orders, carts, products, nil),
		httpx.NewOpsHandler(manager, reg, nil),
		m.Handler(),
		nil,
	)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &api{srv: srv, gw: gw, manager: manager, health: reg}
}

func (a *api) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequestWithContext(context.Background(), method, a.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// shop creates a product with 10 units and a cart holding qty of it.
func (a *api) shop(t *testing.T, price float64, qty int) (cart httpx.CartResponse, product httpx.ProductResponse) {
	t.Helper()

	status := a.do(t, http.MethodPost, "/api/v1/products", httpx.CreateProductRequest{Code: "mug", Title: "Mug", Price: price, Amount: 10}, &product)
	require.Equal(t, http.StatusCreated, status)

	status = a.do(t, http.MethodPost, "/api/v1/carts", httpx.CreateCartRequest{User: "ada"}, &cart)
	require.Equal(t, http.StatusCreated, status)

	status = a.do(t, http.MethodPost, "/api/v1/carts/"+cart.ID.String()+"/items",
		httpx.AddCartItemRequest{ProductID: product.ID, Quantity: qty}, &cart)
	require.Equal(t, http.StatusOK, status)
	return cart, product
}

func orderBody(cartID uuid.UUID) map[string]any {
	return map[string]any{
		"cart_id":  cartID,
		"customer": "ada",
		"payment":  map[string]any{"card_holder": "Ada", "card_number": "4242424242424242", "card_expire": "12/30", "card_cvc": "123"},
		"shipment": map[string]any{"name": "Ada", "city": "London"},
	}
}

func TestAPI_CartAndOrderFlow(t *testing.T) {
	t.Parallel()

	a := newAPI(t, 0)
	cart, product := a.shop(t, 4.5, 2)
	require.Len(t, cart.Items, 1)
	assert.InDelta(t, 9.0, cart.Total, 1e-9)

	var order httpx.OrderResponse
	status := a.do(t, http.MethodPost, "/api/v1/orders", orderBody(cart.ID), &order)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "completed", order.Status)
	assert.Equal(t, "************4242", order.CardNumber)
	assert.InDelta(t, 9.0, order.Total, 1e-9)
	require.Len(t, order.Items, 1)
	assert.Equal(t, product.ID, order.Items[0].ProductID)

	var got httpx.OrderResponse
	status = a.do(t, http.MethodGet, "/api/v1/orders/"+order.ID.String(), nil, &got)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, order, got)

	var locked httpx.CartResponse
	status = a.do(t, http.MethodGet, "/api/v1/carts/"+cart.ID.String(), nil, &locked)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, locked.Locked)
}

func TestAPI_DeclinedOrderIsUnprocessable(t *testing.T) {
	t.Parallel()

	a := newAPI(t, 5)
	cart, _ := a.shop(t, 4.5, 2)

	var errResp httpx.ErrorResponse
	status := a.do(t, http.MethodPost, "/api/v1/orders", orderBody(cart.ID), &errResp)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "saga_failed", errResp.Error)
	assert.Contains(t, errResp.Message, "declined")
}

func TestAPI_RemoveCartItem(t *testing.T) {
	t.Parallel()

	a := newAPI(t, 0)
	cart, product := a.shop(t, 4.5, 3)

	status := a.do(t, http.MethodDelete, "/api/v1/carts/"+cart.ID.String()+"/items/0", nil, &cart)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, cart.Items)

	a.gw.Wait()
	var p httpx.ProductResponse
	status = a.do(t, http.MethodGet, "/api/v1/products/"+product.ID.String(), nil, &p)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, p.Reserved)
	assert.Equal(t, 10, p.Available)

	status = a.do(t, http.MethodDelete, "/api/v1/carts/"+cart.ID.String()+"/items/4", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPI_SetInventory(t *testing.T) {
	t.Parallel()

	a := newAPI(t, 0)
	_, product := a.shop(t, 4.5, 1)

	var p httpx.ProductResponse
	status := a.do(t, http.MethodPut, "/api/v1/products/"+product.ID.String()+"/inventory", httpx.SetInventoryRequest{Amount: 3}, &p)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 3, p.Amount)
	assert.Equal(t, 2, p.Available)
}

func TestAPI_Validation(t *testing.T) {
	t.Parallel()

	a := newAPI(t, 0)
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{name: "bad id", method: http.MethodGet, path: "/api/v1/orders/nope", want: http.StatusBadRequest},
		{name: "unknown order", method: http.MethodGet, path: "/api/v1/orders/" + uuid.NewString(), want: http.StatusNotFound},
		{name: "unknown cart", method: http.MethodGet, path: "/api/v1/carts/" + uuid.NewString(), want: http.StatusNotFound},
		{name: "order without cart", method: http.MethodPost, path: "/api/v1/orders", body: map[string]any{"customer": "ada"}, want: http.StatusBadRequest},
		{name: "cart without user", method: http.MethodPost, path: "/api/v1/carts", body: httpx.CreateCartRequest{}, want: http.StatusBadRequest},
		{name: "zero quantity", method: http.MethodPost, path: "/api/v1/carts/" + uuid.NewString() + "/items", body: httpx.AddCartItemRequest{ProductID: uuid.New()}, want: http.StatusBadRequest},
		{name: "free product", method: http.MethodPost, path: "/api/v1/products", body: httpx.CreateProductRequest{Code: "x"}, want: http.StatusBadRequest},
		{name: "malformed json", method: http.MethodPost, path: "/api/v1/carts", body: "{", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.do(t, tt.method, tt.path, tt.body, nil))
		})
	}
}

func TestAPI_Executions(t *testing.T) {
	t.Parallel()

	a := newAPI(t, 0)
	a.shop(t, 4.5, 1)

	var active []httpx.ExecutionResponse
	status := a.do(t, http.MethodGet, "/executions", nil, &active)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, active)

	var done []httpx.ExecutionResponse
	status = a.do(t, http.MethodGet, "/executions?status=succeeded&status=compensated", nil, &done)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, done, 1)
	assert.Equal(t, "AddCartItem", done[0].Saga)
	assert.Equal(t, []int{0}, done[0].CompletedSteps)

	var one httpx.ExecutionResponse
	status = a.do(t, http.MethodGet, "/executions/"+done[0].ID.String(), nil, &one)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, done[0].ID, one.ID)

	var errResp httpx.ErrorResponse
	status = a.do(t, http.MethodPost, "/executions/"+done[0].ID.String()+"/cancel", nil, &errResp)
	assert.Equal(t, http.StatusConflict, status)

	status = a.do(t, http.MethodGet, "/executions/"+uuid.NewString(), nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	// The memory store keeps no transition log.
	status = a.do(t, http.MethodGet, "/executions/"+done[0].ID.String()+"/history", nil, nil)
	assert.Equal(t, http.StatusNotImplemented, status)
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	a := newAPI(t, 0)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/healthz", nil, nil))
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/readyz", nil, nil))

	a.health.Register(health.CheckFunc{ComponentName: "redis", Check: func(context.Context) error {
		return errors.New("connection refused")
	}})
	var resp httpx.HealthResponse
	assert.Equal(t, http.StatusServiceUnavailable, a.do(t, http.MethodGet, "/readyz", nil, &resp))
	assert.Equal(t, "connection refused", resp.Components["redis"])

	a.shop(t, 4.5, 1)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, a.srv.URL+"/metrics", nil)
	require.NoError(t, err)
	res, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	var body bytes.Buffer
	_, err = body.ReadFrom(res.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), `saga_executions_finished_total{saga="AddCartItem",status="SUCCEEDED"} 1`)
}
