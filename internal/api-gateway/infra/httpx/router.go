package httpx

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/api-gateway/infra/httpx/middlewares"
)

// NewRouter mounts the shop API under /api/v1 and the ops endpoints at the
// root. A nil handler or metrics handler leaves its routes out.
func NewRouter(handler *Handler, ops *OpsHandler, metrics http.Handler, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middlewares.AttachTracingMetadata)
	r.Use(middlewares.Trace)
	r.Use(middlewares.Logger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", ops.Liveness)
	r.Get("/readyz", ops.Readiness)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/executions", func(r chi.Router) {
		r.Get("/", ops.ListExecutions)
		r.Get("/{id}", ops.GetExecution)
		r.Get("/{id}/history", ops.ExecutionHistory)
		r.Post("/{id}/cancel", ops.CancelExecution)
	})

	if handler != nil {
		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/orders", handler.CreateOrder)
			r.Get("/orders/{id}", handler.GetOrderByID)

			r.Post("/carts", handler.CreateCart)
			r.Get("/carts/{id}", handler.GetCart)
			r.Post("/carts/{id}/items", handler.AddCartItem)
			r.Delete("/carts/{id}/items/{index}", handler.RemoveCartItem)

			r.Post("/products", handler.CreateProduct)
			r.Get("/products/{id}", handler.GetProduct)
			r.Put("/products/{id}/inventory", handler.SetInventory)
		})
	}
	return r
}
