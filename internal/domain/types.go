package domain

import (
	"time"
)

// OrderStatus enumerates the lifecycle states of an order.
type OrderStatus string

const (
	// OrderStatusPending is assigned when every line item has been reserved.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusPaid marks an order whose payment has been confirmed.
	OrderStatusPaid OrderStatus = "PAID"
	// OrderStatusFulfilled is terminal; the order has shipped.
	OrderStatusFulfilled OrderStatus = "FULFILLED"
	// OrderStatusCancelled is terminal; reservations have been returned to the ledger.
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// OrderStatuses lists every known status in lifecycle order.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusPaid,
	OrderStatusFulfilled,
	OrderStatusCancelled,
}

// Valid reports whether the status is one of the known lifecycle states.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusFulfilled, OrderStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is permitted out of the status.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFulfilled || s == OrderStatusCancelled
}

// HoldsReservation reports whether an order in this status still has stock reserved.
func (s OrderStatus) HoldsReservation() bool {
	return s == OrderStatusPending || s == OrderStatusPaid
}

// InventoryItem is a product's stock record in the ledger.
type InventoryItem struct {
	ProductID string
	Name      string
	Quantity  int
	Reserved  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Available returns the quantity that can still be reserved.
func (i InventoryItem) Available() int {
	return i.Quantity - i.Reserved
}

// OrderLine is a single product line inside an order.
type OrderLine struct {
	ProductID string
	Name      string
	Quantity  int
}

// Order captures a customer order and its lifecycle state.
type Order struct {
	ID              string
	CustomerName    string
	CustomerEmail   string
	Items           []OrderLine
	PaymentReceived bool
	Status          OrderStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Clone returns a deep copy so callers can mutate lines without aliasing stored state.
func (o Order) Clone() Order {
	cloned := o
	if o.Items != nil {
		cloned.Items = make([]OrderLine, len(o.Items))
		copy(cloned.Items, o.Items)
	}
	return cloned
}

// OrderStatusEvent is broadcast after every accepted status transition.
type OrderStatusEvent struct {
	Type           string
	OrderID        string
	Status         OrderStatus
	PreviousStatus OrderStatus
	OccurredAt     time.Time
}

// SystemStats summarises orders and inventory for administrators.
type SystemStats struct {
	TotalOrders    int
	PendingOrders  int
	OrdersByStatus map[OrderStatus]int
	RecentOrders   []Order
	InventoryItems int
	LowStockItems  []InventoryItem
	GeneratedAt    time.Time
}

// HealthStatus captures the state of a dependency probe.
type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "ok"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusError    HealthStatus = "error"
)

// HealthCheck is the outcome of probing one dependency.
type HealthCheck struct {
	Status    HealthStatus
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
}

// HealthReport aggregates dependency probes for readiness endpoints.
type HealthReport struct {
	Status      HealthStatus
	Checks      map[string]HealthCheck
	GeneratedAt time.Time
}
