package ports

import (
	"context"

	"github.com/google/uuid"

	cartdomain "github.com/jcmexdev/ecommerce-saga-engine/internal/cart-service/domain"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator/sagalog"
	orderdomain "github.com/jcmexdev/ecommerce-saga-engine/internal/order-service/domain"
	productdomain "github.com/jcmexdev/ecommerce-saga-engine/internal/product-service/domain"
)

type OrderService interface {
	CreateOrder(ctx context.Context, req orderdomain.CreateOrderRequest) (orderdomain.Order, error)
	GetOrder(ctx context.Context, id uuid.UUID) (orderdomain.Order, error)
}

type CartService interface {
	CreateCart(ctx context.Context, user string) (cartdomain.View, error)
	GetCart(ctx context.Context, id uuid.UUID) (cartdomain.View, error)
	AddItem(ctx context.Context, cartID, productID uuid.UUID, quantity int) (cartdomain.View, error)
	RemoveItem(ctx context.Context, cartID uuid.UUID, index int) (cartdomain.View, error)
}

type CatalogService interface {
	CreateProduct(ctx context.Context, p productdomain.Product) (uuid.UUID, error)
	GetProduct(ctx context.Context, id uuid.UUID) (productdomain.Product, error)
	SetInventoryAmount(ctx context.Context, id uuid.UUID, amount int) error
}

// ExecutionService is the read and cancel surface of the saga manager.
type ExecutionService interface {
	Get(ctx context.Context, id uuid.UUID) (*coordinator.Execution, error)
	List(ctx context.Context, statuses ...coordinator.Status) ([]*coordinator.Execution, error)
	History(ctx context.Context, id uuid.UUID) ([]sagalog.Entry, error)
	Cancel(ctx context.Context, id uuid.UUID) (*coordinator.Execution, error)
}

type HealthRegistry interface {
	CheckAll(ctx context.Context) map[string]error
}
