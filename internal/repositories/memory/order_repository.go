package memory

import (
	"context"
	"sort"
	"sync"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/repositories"
)

// OrderRepository stores orders in a map guarded by a single RWMutex.
type OrderRepository struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository returns an empty in-memory order store.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{orders: make(map[string]domain.Order)}
}

func (r *OrderRepository) Insert(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[order.ID]; exists {
		return repositories.NewOrderError("orders.insert", repositories.OrderErrorAlreadyExists, order.ID, nil)
	}
	r.orders[order.ID] = order.Clone()
	return nil
}

func (r *OrderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NewOrderError("orders.find", repositories.OrderErrorNotFound, orderID, nil)
	}
	return order.Clone(), nil
}

func (r *OrderRepository) List(_ context.Context, query repositories.OrderListQuery) ([]domain.Order, error) {
	r.mu.RLock()
	orders := make([]domain.Order, 0, len(r.orders))
	for _, order := range r.orders {
		if query.Status != "" && order.Status != query.Status {
			continue
		}
		orders = append(orders, order.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID > orders[j].ID
	})
	return orders, nil
}

func (r *OrderRepository) Update(_ context.Context, order domain.Order, expected domain.OrderStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.orders[order.ID]
	if !ok {
		return repositories.NewOrderError("orders.update", repositories.OrderErrorNotFound, order.ID, nil)
	}
	if current.Status != expected {
		return repositories.NewOrderError("orders.update", repositories.OrderErrorConflict, order.ID, nil)
	}
	r.orders[order.ID] = order.Clone()
	return nil
}

func (r *OrderRepository) Delete(_ context.Context, orderID string, expected domain.OrderStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.orders[orderID]
	if !ok {
		return repositories.NewOrderError("orders.delete", repositories.OrderErrorNotFound, orderID, nil)
	}
	if current.Status != expected {
		return repositories.NewOrderError("orders.delete", repositories.OrderErrorConflict, orderID, nil)
	}
	delete(r.orders, orderID)
	return nil
}
