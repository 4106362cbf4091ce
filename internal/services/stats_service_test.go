package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/repositories/memory"
)

func TestStatsServiceSummarisesOrdersAndStock(t *testing.T) {
	registry := memory.NewRegistry()
	orders := registry.Orders().(*memory.OrderRepository)
	base := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	statuses := []domain.OrderStatus{
		domain.OrderStatusPending, domain.OrderStatusPending, domain.OrderStatusPaid,
		domain.OrderStatusPending, domain.OrderStatusCancelled, domain.OrderStatusPaid,
	}
	for i, status := range statuses {
		seedOrder(t, orders, fmt.Sprintf("ord_%d", i), "Customer", status, false, base.Add(time.Duration(i)*time.Minute))
	}

	ctx := context.Background()
	for _, item := range []domain.InventoryItem{
		{ProductID: "plenty", Name: "Plenty", Quantity: 50},
		{ProductID: "edge", Name: "Edge", Quantity: 10},
		{ProductID: "low-b", Name: "Low B", Quantity: 3},
		{ProductID: "low-a", Name: "Low A", Quantity: 3},
		{ProductID: "empty", Name: "Empty", Quantity: 0},
	} {
		if _, err := registry.Inventory().Insert(ctx, item); err != nil {
			t.Fatalf("insert %s: %v", item.ProductID, err)
		}
	}

	svc, err := NewStatsService(StatsServiceDeps{Orders: registry.Orders(), Inventory: registry.Inventory()})
	if err != nil {
		t.Fatalf("new stats service: %v", err)
	}
	stats, err := svc.SystemStats(ctx)
	if err != nil {
		t.Fatalf("system stats: %v", err)
	}

	if stats.TotalOrders != 6 || stats.PendingOrders != 3 {
		t.Fatalf("unexpected totals %+v", stats)
	}
	if stats.OrdersByStatus[domain.OrderStatusFulfilled] != 0 || stats.OrdersByStatus[domain.OrderStatusPaid] != 2 {
		t.Fatalf("unexpected per-status counts %v", stats.OrdersByStatus)
	}
	if len(stats.OrdersByStatus) != len(domain.OrderStatuses) {
		t.Fatalf("every status must be present, got %v", stats.OrdersByStatus)
	}
	if len(stats.RecentOrders) != 5 || stats.RecentOrders[0].ID != "ord_5" || stats.RecentOrders[4].ID != "ord_1" {
		t.Fatalf("unexpected recent orders %+v", stats.RecentOrders)
	}
	if stats.InventoryItems != 5 {
		t.Fatalf("expected 5 items, got %d", stats.InventoryItems)
	}
	var low []string
	for _, item := range stats.LowStockItems {
		low = append(low, item.ProductID)
	}
	if fmt.Sprint(low) != "[empty low-a low-b]" {
		t.Fatalf("unexpected low stock ordering %v", low)
	}
}
