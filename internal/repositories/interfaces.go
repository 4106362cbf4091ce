package repositories

import (
	"context"
	"time"

	domain "github.com/stockroom/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Inventory() InventoryRepository
	Orders() OrderRepository
	Ping(ctx context.Context) error
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// InventoryRepository owns stock records. Reserve and Release must be atomic per product:
// the availability check and the counter mutation happen in one storage operation.
type InventoryRepository interface {
	Insert(ctx context.Context, item domain.InventoryItem) (domain.InventoryItem, error)
	Get(ctx context.Context, productID string) (domain.InventoryItem, error)
	List(ctx context.Context) ([]domain.InventoryItem, error)
	Reserve(ctx context.Context, adj InventoryAdjustment) (domain.InventoryItem, error)
	Release(ctx context.Context, adj InventoryAdjustment) (domain.InventoryItem, error)
	SetQuantity(ctx context.Context, adj InventoryAdjustment) (domain.InventoryItem, error)
}

// InventoryAdjustment names the product, the amount and the mutation timestamp.
type InventoryAdjustment struct {
	ProductID string
	Quantity  int
	Now       time.Time
}

// OrderRepository persists orders. Update and Delete compare the stored status against
// ExpectedStatus and fail with OrderErrorConflict when another writer got there first.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, query OrderListQuery) ([]domain.Order, error)
	Update(ctx context.Context, order domain.Order, expected domain.OrderStatus) error
	Delete(ctx context.Context, orderID string, expected domain.OrderStatus) error
}

// OrderListQuery filters orders at the storage layer. An empty status matches all.
type OrderListQuery struct {
	Status domain.OrderStatus
}
