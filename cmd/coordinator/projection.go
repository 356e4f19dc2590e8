package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/aggregate"
	orderdomain "github.com/jcmexdev/ecommerce-saga-engine/internal/order-service/domain"
)

var ordersByStatus = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "shop_order_transitions_total",
	Help: "Order status changes seen on the order change stream.",
}, []string{"status"})

// orderProjection follows order changes published by the aggregate store.
type orderProjection struct {
	logger *slog.Logger
}

func newOrderProjection(logger *slog.Logger) *orderProjection {
	return &orderProjection{logger: logger}
}

func (p *orderProjection) apply(ctx context.Context, rec aggregate.ChangeRecord) error {
	if rec.Action == aggregate.ActionDelete {
		return nil
	}
	var order orderdomain.Order
	if err := json.Unmarshal(rec.Fields, &order); err != nil {
		return fmt.Errorf("projection: decode order %s: %w", rec.EntityID, err)
	}
	ordersByStatus.WithLabelValues(string(order.Status)).Inc()
	p.logger.InfoContext(ctx, "order changed",
		slog.String("order_id", rec.EntityID.String()),
		slog.Int("version", rec.Version),
		slog.String("status", string(order.Status)),
	)
	return nil
}
