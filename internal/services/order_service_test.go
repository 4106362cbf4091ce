package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/repositories"
	"github.com/stockroom/api/internal/repositories/memory"
)

type captureOrderEvents struct {
	mu     sync.Mutex
	events []OrderStatusEvent
	err    error
}

func (c *captureOrderEvents) PublishOrderStatus(_ context.Context, event OrderStatusEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return c.err
}

func (c *captureOrderEvents) snapshot() []OrderStatusEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]OrderStatusEvent(nil), c.events...)
}

type captureLogs struct {
	mu     sync.Mutex
	events []string
}

func (c *captureLogs) log(_ context.Context, event string, _ map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureLogs) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e == event {
			n++
		}
	}
	return n
}

type stubOrderRepo struct {
	repositories.OrderRepository
	insertFn func(ctx context.Context, order domain.Order) error
}

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, order)
	}
	return s.OrderRepository.Insert(ctx, order)
}

type orderFixture struct {
	orders    OrderService
	inventory InventoryService
	registry  *memory.Registry
	events    *captureOrderEvents
	logs      *captureLogs
}

func newOrderFixture(t *testing.T, orderRepo repositories.OrderRepository) *orderFixture {
	t.Helper()
	registry := memory.NewRegistry()
	if orderRepo == nil {
		orderRepo = registry.Orders()
	}

	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	var ticks atomic.Int64
	clock := func() time.Time {
		return base.Add(time.Duration(ticks.Add(1)) * time.Second)
	}
	var ids atomic.Int64
	logs := &captureLogs{}
	events := &captureOrderEvents{}

	inventory, err := NewInventoryService(InventoryServiceDeps{Inventory: registry.Inventory(), Clock: clock, Logger: logs.log})
	if err != nil {
		t.Fatalf("new inventory service: %v", err)
	}
	orders, err := NewOrderService(OrderServiceDeps{
		Orders:    orderRepo,
		Inventory: inventory,
		Events:    events,
		Clock:     clock,
		IDGenerator: func() string {
			return fmt.Sprintf("%03d", ids.Add(1))
		},
		Logger: logs.log,
	})
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}
	return &orderFixture{orders: orders, inventory: inventory, registry: registry, events: events, logs: logs}
}

func (f *orderFixture) stock(t *testing.T, productID, name string, quantity int) {
	t.Helper()
	if _, err := f.inventory.AddItem(context.Background(), AddInventoryItemCommand{ProductID: productID, Name: name, Quantity: quantity}); err != nil {
		t.Fatalf("add %s: %v", productID, err)
	}
}

func (f *orderFixture) reserved(t *testing.T, productID string) int {
	t.Helper()
	item, err := f.inventory.GetItem(context.Background(), productID)
	if err != nil {
		t.Fatalf("get %s: %v", productID, err)
	}
	return item.Reserved
}

func (f *orderFixture) create(t *testing.T, lines ...OrderLineInput) Order {
	t.Helper()
	order, err := f.orders.CreateOrder(context.Background(), CreateOrderCommand{CustomerName: "Ada", Items: lines})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func TestOrderServiceCreateReservesEveryLine(t *testing.T) {
	f := newOrderFixture(t, nil)
	f.stock(t, "A", "Axle", 5)
	f.stock(t, "B", "Bolt", 3)

	order, err := f.orders.CreateOrder(context.Background(), CreateOrderCommand{
		CustomerName:  "  Grace <i>Hopper</i> ",
		CustomerEmail: "grace@example.com",
		Items: []OrderLineInput{
			{ProductID: "A", Quantity: 2},
			{ProductID: "B", Name: "Bolt M4", Quantity: 3},
		},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.ID != "ord_001" {
		t.Fatalf("unexpected id %s", order.ID)
	}
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending, got %s", order.Status)
	}
	if order.CustomerName != "Grace Hopper" {
		t.Fatalf("unexpected customer %q", order.CustomerName)
	}
	if order.Items[0].Name != "Axle" || order.Items[1].Name != "Bolt M4" {
		t.Fatalf("unexpected line names %+v", order.Items)
	}
	if got := f.reserved(t, "A"); got != 2 {
		t.Fatalf("expected 2 reserved for A, got %d", got)
	}
	if got := f.reserved(t, "B"); got != 3 {
		t.Fatalf("expected 3 reserved for B, got %d", got)
	}

	stored, err := f.orders.GetOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if len(stored.Items) != 2 || stored.Items[0].ProductID != "A" {
		t.Fatalf("line order not preserved: %+v", stored.Items)
	}
}

func TestOrderServiceCreateRollsBackOnInsufficientStock(t *testing.T) {
	f := newOrderFixture(t, nil)
	f.stock(t, "A", "Axle", 5)
	f.stock(t, "B", "Bolt", 0)
	f.stock(t, "C", "Cog", 5)

	_, err := f.orders.CreateOrder(context.Background(), CreateOrderCommand{
		CustomerName: "Ada",
		Items: []OrderLineInput{
			{ProductID: "A", Name: "Axle", Quantity: 5},
			{ProductID: "B", Name: "Bolt", Quantity: 1},
			{ProductID: "C", Name: "Cog", Quantity: 1},
		},
	})
	if !errors.Is(err, ErrInventoryInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if err.Error() != "Insufficient stock for Bolt" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	for _, id := range []string{"A", "B", "C"} {
		if got := f.reserved(t, id); got != 0 {
			t.Fatalf("expected %s fully released, got %d", id, got)
		}
	}
	orders, err := f.orders.ListOrders(context.Background(), OrderListFilter{})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("no order may be stored after a failed create, got %d", len(orders))
	}
}

func TestOrderServiceCreateUnknownProductIsInsufficientStock(t *testing.T) {
	f := newOrderFixture(t, nil)
	f.stock(t, "A", "Axle", 5)

	_, err := f.orders.CreateOrder(context.Background(), CreateOrderCommand{
		CustomerName: "Ada",
		Items: []OrderLineInput{
			{ProductID: "A", Quantity: 1},
			{ProductID: "ghost", Name: "Ghost", Quantity: 1},
		},
	})
	var stockErr *InsufficientStockError
	if !errors.As(err, &stockErr) || stockErr.ProductName != "Ghost" {
		t.Fatalf("expected insufficient stock for Ghost, got %v", err)
	}
	if got := f.reserved(t, "A"); got != 0 {
		t.Fatalf("expected rollback of A, got %d", got)
	}
}

func TestOrderServiceCreateValidation(t *testing.T) {
	f := newOrderFixture(t, nil)
	f.stock(t, "A", "Axle", 5)

	cases := []struct {
		name string
		cmd  CreateOrderCommand
	}{
		{name: "no customer", cmd: CreateOrderCommand{Items: []OrderLineInput{{ProductID: "A", Quantity: 1}}}},
		{name: "no items", cmd: CreateOrderCommand{CustomerName: "Ada"}},
		{name: "zero quantity", cmd: CreateOrderCommand{CustomerName: "Ada", Items: []OrderLineInput{{ProductID: "A", Quantity: 0}}}},
		{name: "missing product", cmd: CreateOrderCommand{CustomerName: "Ada", Items: []OrderLineInput{{Quantity: 1}}}},
		{name: "duplicate product", cmd: CreateOrderCommand{CustomerName: "Ada", Items: []OrderLineInput{{ProductID: "A", Quantity: 1}, {ProductID: "A", Quantity: 1}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.orders.CreateOrder(context.Background(), tc.cmd); !errors.Is(err, ErrOrderInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
	if got := f.reserved(t, "A"); got != 0 {
		t.Fatalf("validation failures must not reserve, got %d", got)
	}
}

func TestOrderServiceCreateCompensatesWhenInsertFails(t *testing.T) {
	registry := memory.NewRegistry()
	repo := &stubOrderRepo{
		OrderRepository: registry.Orders(),
		insertFn: func(context.Context, domain.Order) error {
			return errors.New("disk full")
		},
	}
	f := newOrderFixture(t, repo)
	f.stock(t, "A", "Axle", 5)

	if _, err := f.orders.CreateOrder(context.Background(), CreateOrderCommand{
		CustomerName: "Ada",
		Items:        []OrderLineInput{{ProductID: "A", Quantity: 4}},
	}); err == nil {
		t.Fatalf("expected insert failure")
	}
	if got := f.reserved(t, "A"); got != 0 {
		t.Fatalf("expected reservation compensated, got %d", got)
	}
}

func TestOrderServiceConcurrentCreatesForLastUnit(t *testing.T) {
	f := newOrderFixture(t, nil)
	f.stock(t, "last", "Last Unit", 1)

	const workers = 8
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		short     atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orders.CreateOrder(context.Background(), CreateOrderCommand{
				CustomerName: "Racer",
				Items:        []OrderLineInput{{ProductID: "last", Quantity: 1}},
			})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrInventoryInsufficientStock):
				short.Add(1)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != 1 || short.Load() != workers-1 {
		t.Fatalf("expected one winner, got %d succeeded and %d short", succeeded.Load(), short.Load())
	}
	if got := f.reserved(t, "last"); got != 1 {
		t.Fatalf("expected exactly one unit reserved, got %d", got)
	}
}

func TestCanTransitionTable(t *testing.T) {
	allowed := map[[2]domain.OrderStatus]bool{
		{domain.OrderStatusPending, domain.OrderStatusPaid}:      true,
		{domain.OrderStatusPending, domain.OrderStatusCancelled}: true,
		{domain.OrderStatusPaid, domain.OrderStatusFulfilled}:    true,
		{domain.OrderStatusPaid, domain.OrderStatusCancelled}:    true,
	}
	for _, from := range domain.OrderStatuses {
		for _, to := range domain.OrderStatuses {
			want := allowed[[2]domain.OrderStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestOrderServiceTransitionLifecycle(t *testing.T) {
	f := newOrderFixture(t, nil)
	f.stock(t, "A", "Axle", 5)
	order := f.create(t, OrderLineInput{ProductID: "A", Quantity: 2})
	ctx := context.Background()

	paid, err := f.orders.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: order.ID, TargetStatus: "PAID"})
	if err != nil {
		t.Fatalf("transition to paid: %v", err)
	}
	if paid.Status != domain.OrderStatusPaid {
		t.Fatalf("expected paid, got %s", paid.Status)
	}
	if _, err := f.orders.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: order.ID, TargetStatus: "FULFILLED"}); err != nil {
		t.Fatalf("transition to fulfilled: %v", err)
	}
	if got := f.reserved(t, "A"); got != 2 {
		t.Fatalf("fulfilment keeps the reservation, got %d", got)
	}

	_, err = f.orders.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: order.ID, TargetStatus: "CANCELLED"})
	var illegal *IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
	if err.Error() != "Cannot change status from FULFILLED to CANCELLED" {
		t.Fatalf("unexpected message %q", err.Error())
	}

	events := f.events.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != OrderStatusUpdatedEvent || events[0].OrderID != order.ID || events[0].Status != domain.OrderStatusPaid {
		t.Fatalf("unexpected first event %+v", events[0])
	}
	if events[1].PreviousStatus != domain.OrderStatusPaid || events[1].Status != domain.OrderStatusFulfilled {
		t.Fatalf("unexpected second event %+v", events[1])
	}
}

func TestOrderServiceTransitionRejectsUnknownTargets(t *testing.T) {
	f := newOrderFixture(t, nil)
	f.stock(t, "A", "Axle", 5)
	order := f.create(t, OrderLineInput{ProductID: "A", Quantity: 1})
	ctx := context.Background()

	if _, err := f.orders.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: order.ID, TargetStatus: "SHIPPED"}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := f.orders.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: order.ID, TargetStatus: "PENDING"}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("same-state transition must be illegal, got %v", err)
	}
	if _, err := f.orders.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: "ord_missing", TargetStatus: "PAID"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(f.events.snapshot()) != 0 {
		t.Fatalf("rejected transitions must not publish")
	}
}

func TestOrderServiceConcurrentCancelReleasesOnce(t *testing.T) {
	f := newOrderFixture(t, nil)
	f.stock(t, "A", "Axle", 5)
	f.stock(t, "B", "Bolt", 5)
	order := f.create(t, OrderLineInput{ProductID: "A", Quantity: 3}, OrderLineInput{ProductID: "B", Quantity: 2})

	const workers = 6
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.orders.TransitionStatus(context.Background(), OrderStatusTransitionCommand{OrderID: order.ID, TargetStatus: "CANCELLED"}); err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != 1 {
		t.Fatalf("expected a single successful cancel, got %d", succeeded.Load())
	}
	if f.reserved(t, "A") != 0 || f.reserved(t, "B") != 0 {
		t.Fatalf("expected all reservations returned")
	}
	if f.logs.count("order.cancel.release_failed") != 0 {
		t.Fatalf("cancel must release each line exactly once")
	}
}

func TestOrderServicePublishFailureDoesNotFailTransition(t *testing.T) {
	f := newOrderFixture(t, nil)
	f.events.err = errors.New("bus down")
	f.stock(t, "A", "Axle", 5)
	order := f.create(t, OrderLineInput{ProductID: "A", Quantity: 1})

	updated, err := f.orders.TransitionStatus(context.Background(), OrderStatusTransitionCommand{OrderID: order.ID, TargetStatus: "paid"})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if updated.Status != domain.OrderStatusPaid {
		t.Fatalf("expected paid, got %s", updated.Status)
	}
	if f.logs.count("order.event.publish.failed") != 1 {
		t.Fatalf("expected publish failure to be logged")
	}
}

func TestOrderServiceUpdateReconcilesQuantities(t *testing.T) {
	f := newOrderFixture(t, nil)
	f.stock(t, "A", "Axle", 10)
	f.stock(t, "B", "Bolt", 4)
	order := f.create(t, OrderLineInput{ProductID: "A", Quantity: 2}, OrderLineInput{ProductID: "B", Quantity: 3})
	ctx := context.Background()

	updated, err := f.orders.UpdateOrder(ctx, UpdateOrderCommand{
		OrderID:         order.ID,
		CustomerName:    "Ada Lovelace",
		PaymentReceived: true,
		Items: []OrderLineInput{
			{ProductID: "B", Quantity: 1},
			{ProductID: "A", Quantity: 7},
		},
	})
	if err != nil {
		t.Fatalf("update order: %v", err)
	}
	if updated.CustomerName != "Ada Lovelace" || !updated.PaymentReceived {
		t.Fatalf("unexpected fields %+v", updated)
	}
	if updated.Items[0].ProductID != "A" || updated.Items[0].Quantity != 7 || updated.Items[0].Name != "Axle" {
		t.Fatalf("unexpected lines %+v", updated.Items)
	}
	if f.reserved(t, "A") != 7 || f.reserved(t, "B") != 1 {
		t.Fatalf("ledger not reconciled: A=%d B=%d", f.reserved(t, "A"), f.reserved(t, "B"))
	}

	_, err = f.orders.UpdateOrder(ctx, UpdateOrderCommand{
		OrderID:      order.ID,
		CustomerName: "Ada",
		Items: []OrderLineInput{
			{ProductID: "A", Quantity: 6},
			{ProductID: "B", Quantity: 9},
		},
	})
	if !errors.Is(err, ErrInventoryInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if f.reserved(t, "A") != 7 || f.reserved(t, "B") != 1 {
		t.Fatalf("failed update must leave the ledger unchanged: A=%d B=%d", f.reserved(t, "A"), f.reserved(t, "B"))
	}

	_, err = f.orders.UpdateOrder(ctx, UpdateOrderCommand{
		OrderID:      order.ID,
		CustomerName: "Ada",
		Items:        []OrderLineInput{{ProductID: "A", Quantity: 1}},
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected product set change to be rejected, got %v", err)
	}
}

func TestOrderServiceUpdateRejectsTerminalOrders(t *testing.T) {
	f := newOrderFixture(t, nil)
	f.stock(t, "A", "Axle", 10)
	order := f.create(t, OrderLineInput{ProductID: "A", Quantity: 2})
	ctx := context.Background()
	if _, err := f.orders.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: order.ID, TargetStatus: "CANCELLED"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err := f.orders.UpdateOrder(ctx, UpdateOrderCommand{
		OrderID:      order.ID,
		CustomerName: "Ada",
		Items:        []OrderLineInput{{ProductID: "A", Quantity: 5}},
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected terminal order to be read-only, got %v", err)
	}
	if got := f.reserved(t, "A"); got != 0 {
		t.Fatalf("expected no reservation, got %d", got)
	}
}

func TestOrderServiceDeleteReleasesHeldStock(t *testing.T) {
	f := newOrderFixture(t, nil)
	f.stock(t, "A", "Axle", 10)
	ctx := context.Background()

	pending := f.create(t, OrderLineInput{ProductID: "A", Quantity: 2})
	fulfilled := f.create(t, OrderLineInput{ProductID: "A", Quantity: 3})
	for _, target := range []string{"PAID", "FULFILLED"} {
		if _, err := f.orders.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: fulfilled.ID, TargetStatus: target}); err != nil {
			t.Fatalf("transition %s: %v", target, err)
		}
	}

	if err := f.orders.DeleteOrder(ctx, DeleteOrderCommand{OrderID: pending.ID}); err != nil {
		t.Fatalf("delete pending: %v", err)
	}
	if got := f.reserved(t, "A"); got != 3 {
		t.Fatalf("expected pending stock returned, got %d reserved", got)
	}
	if err := f.orders.DeleteOrder(ctx, DeleteOrderCommand{OrderID: fulfilled.ID}); err != nil {
		t.Fatalf("delete fulfilled: %v", err)
	}
	if got := f.reserved(t, "A"); got != 3 {
		t.Fatalf("fulfilled stock stays consumed, got %d reserved", got)
	}

	if err := f.orders.DeleteOrder(ctx, DeleteOrderCommand{OrderID: pending.ID}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.orders.GetOrder(ctx, pending.ID); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestOrderServiceListFilters(t *testing.T) {
	f := newOrderFixture(t, nil)
	f.stock(t, "A", "Axle", 10)
	ctx := context.Background()

	first, err := f.orders.CreateOrder(ctx, CreateOrderCommand{CustomerName: "Alice Smith", Items: []OrderLineInput{{ProductID: "A", Quantity: 1}}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := f.orders.CreateOrder(ctx, CreateOrderCommand{CustomerName: "Bob", Items: []OrderLineInput{{ProductID: "A", Quantity: 1}}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.orders.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: second.ID, TargetStatus: "PAID"}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	all, err := f.orders.ListOrders(ctx, OrderListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].ID != second.ID || all[1].ID != first.ID {
		t.Fatalf("expected newest first, got %+v", all)
	}

	byName, err := f.orders.ListOrders(ctx, OrderListFilter{CustomerName: "SMITH"})
	if err != nil {
		t.Fatalf("list by name: %v", err)
	}
	if len(byName) != 1 || byName[0].ID != first.ID {
		t.Fatalf("unexpected name filter result %+v", byName)
	}

	paid, err := f.orders.ListOrders(ctx, OrderListFilter{Status: "PAID"})
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(paid) != 1 || paid[0].ID != second.ID {
		t.Fatalf("unexpected status filter result %+v", paid)
	}

	if _, err := f.orders.ListOrders(ctx, OrderListFilter{Status: "LOST"}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid status filter to fail, got %v", err)
	}
}
