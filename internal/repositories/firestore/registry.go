// Package firestore implements the order and inventory repositories on Cloud Firestore.
package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/stockroom/api/internal/platform/firestore"
	"github.com/stockroom/api/internal/repositories"
)

// Registry bundles the Firestore repositories around one shared provider.
type Registry struct {
	provider  *pfirestore.Provider
	inventory *InventoryRepository
	orders    *OrderRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds repositories over provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry: provider is required")
	}
	inventory, err := NewInventoryRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Registry{provider: provider, inventory: inventory, orders: orders}, nil
}

func (r *Registry) Inventory() repositories.InventoryRepository { return r.inventory }

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// Ping establishes the client, which dials the backend on first use.
func (r *Registry) Ping(ctx context.Context) error {
	_, err := r.provider.Client(ctx)
	return pfirestore.WrapError("firestore.ping", err)
}

func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}
