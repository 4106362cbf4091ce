package services

import (
	"context"

	domain "github.com/stockroom/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order            = domain.Order
	OrderLine        = domain.OrderLine
	OrderStatus      = domain.OrderStatus
	OrderStatusEvent = domain.OrderStatusEvent
	InventoryItem    = domain.InventoryItem
	SystemStats      = domain.SystemStats
)

// InventoryService is the ledger of per-product stock. Reserve and Release are atomic per
// product; a failed call leaves the counters untouched.
type InventoryService interface {
	AddItem(ctx context.Context, cmd AddInventoryItemCommand) (InventoryItem, error)
	GetItem(ctx context.Context, productID string) (InventoryItem, error)
	ListItems(ctx context.Context) ([]InventoryItem, error)
	Reserve(ctx context.Context, productID string, quantity int) (InventoryItem, error)
	Release(ctx context.Context, productID string, quantity int) (InventoryItem, error)
	SetQuantity(ctx context.Context, cmd SetInventoryQuantityCommand) (InventoryItem, error)
}

// AddInventoryItemCommand creates a new stock record.
type AddInventoryItemCommand struct {
	ProductID string
	Name      string
	Quantity  int
	ActorID   string
}

// SetInventoryQuantityCommand overrides the on-hand quantity of a product.
type SetInventoryQuantityCommand struct {
	ProductID string
	Quantity  int
	ActorID   string
}

// OrderService coordinates reservations, the status lifecycle and order CRUD.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) ([]Order, error)
	UpdateOrder(ctx context.Context, cmd UpdateOrderCommand) (Order, error)
	DeleteOrder(ctx context.Context, cmd DeleteOrderCommand) error
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
}

// OrderLineInput is a requested line item. Name may be empty; the ledger name is used then.
type OrderLineInput struct {
	ProductID string
	Name      string
	Quantity  int
}

// CreateOrderCommand carries the payload for a new order.
type CreateOrderCommand struct {
	CustomerName    string
	CustomerEmail   string
	Items           []OrderLineInput
	PaymentReceived bool
	ActorID         string
}

// UpdateOrderCommand replaces the mutable fields of an order.
type UpdateOrderCommand struct {
	OrderID         string
	CustomerName    string
	CustomerEmail   string
	Items           []OrderLineInput
	PaymentReceived bool
	ActorID         string
}

// DeleteOrderCommand removes an order.
type DeleteOrderCommand struct {
	OrderID string
	ActorID string
}

// OrderStatusTransitionCommand requests a move to TargetStatus.
type OrderStatusTransitionCommand struct {
	OrderID      string
	TargetStatus string
	ActorID      string
}

// OrderListFilter narrows order listings. CustomerName matches case-insensitively as a substring.
type OrderListFilter struct {
	Status       string
	CustomerName string
}

// OrderEventPublisher receives status events after each accepted transition. Implementations
// must return promptly; delivery to subscribers happens asynchronously.
type OrderEventPublisher interface {
	PublishOrderStatus(ctx context.Context, event OrderStatusEvent) error
}

// OrderExportService renders orders for download. Close waits for background archive uploads.
type OrderExportService interface {
	ExportCSV(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}

// StatsService aggregates administrative statistics.
type StatsService interface {
	SystemStats(ctx context.Context) (SystemStats, error)
}
