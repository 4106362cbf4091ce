package services

import (
	"context"
	"errors"
	"sort"
	"time"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/repositories"
)

const (
	defaultLowStockThreshold = 10
	recentOrderLimit         = 5
)

// StatsServiceDeps bundles collaborators for administrative statistics.
type StatsServiceDeps struct {
	Orders            repositories.OrderRepository
	Inventory         repositories.InventoryRepository
	LowStockThreshold int
	Clock             func() time.Time
}

type statsService struct {
	orders    repositories.OrderRepository
	inventory repositories.InventoryRepository
	threshold int
	clock     func() time.Time
}

func NewStatsService(deps StatsServiceDeps) (StatsService, error) {
	if deps.Orders == nil || deps.Inventory == nil {
		return nil, errors.New("stats service: order and inventory repositories are required")
	}
	threshold := deps.LowStockThreshold
	if threshold <= 0 {
		threshold = defaultLowStockThreshold
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &statsService{
		orders:    deps.Orders,
		inventory: deps.Inventory,
		threshold: threshold,
		clock:     clock,
	}, nil
}

// SystemStats counts orders per status and lists low-stock items (quantity below the
// threshold) sorted by quantity then product id.
func (s *statsService) SystemStats(ctx context.Context) (SystemStats, error) {
	orders, err := s.orders.List(ctx, repositories.OrderListQuery{})
	if err != nil {
		return SystemStats{}, mapOrderError(err)
	}
	items, err := s.inventory.List(ctx)
	if err != nil {
		return SystemStats{}, mapInventoryError(err)
	}

	byStatus := make(map[domain.OrderStatus]int, len(domain.OrderStatuses))
	for _, status := range domain.OrderStatuses {
		byStatus[status] = 0
	}
	for _, order := range orders {
		byStatus[order.Status]++
	}

	sort.SliceStable(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID > orders[j].ID
	})
	recent := orders
	if len(recent) > recentOrderLimit {
		recent = recent[:recentOrderLimit]
	}

	lowStock := make([]InventoryItem, 0)
	for _, item := range items {
		if item.Quantity < s.threshold {
			lowStock = append(lowStock, item)
		}
	}
	sort.SliceStable(lowStock, func(i, j int) bool {
		if lowStock[i].Quantity != lowStock[j].Quantity {
			return lowStock[i].Quantity < lowStock[j].Quantity
		}
		return lowStock[i].ProductID < lowStock[j].ProductID
	})

	return SystemStats{
		TotalOrders:    len(orders),
		PendingOrders:  byStatus[domain.OrderStatusPending],
		OrdersByStatus: byStatus,
		RecentOrders:   append([]Order(nil), recent...),
		InventoryItems: len(items),
		LowStockItems:  lowStock,
		GeneratedAt:    s.clock().UTC(),
	}, nil
}
