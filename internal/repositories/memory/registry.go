// Package memory provides process-local repositories used for tests and single-node runs.
package memory

import (
	"context"

	"github.com/stockroom/api/internal/repositories"
)

// Registry bundles the in-memory repositories.
type Registry struct {
	inventory *InventoryRepository
	orders    *OrderRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs empty in-memory repositories.
func NewRegistry() *Registry {
	return &Registry{
		inventory: NewInventoryRepository(),
		orders:    NewOrderRepository(),
	}
}

func (r *Registry) Inventory() repositories.InventoryRepository {
	return r.inventory
}

func (r *Registry) Orders() repositories.OrderRepository {
	return r.orders
}

func (r *Registry) Ping(context.Context) error {
	return nil
}

func (r *Registry) Close(context.Context) error {
	return nil
}
