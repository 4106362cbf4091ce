package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/platform/textutil"
	"github.com/stockroom/api/internal/repositories"
)

const (
	// OrderStatusUpdatedEvent is the event type broadcast after every accepted transition.
	OrderStatusUpdatedEvent = "orderStatusUpdated"

	orderIDPrefix = "ord_"
	tracerName    = "github.com/stockroom/api/internal/services"
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:   {domain.OrderStatusPaid, domain.OrderStatusCancelled},
	domain.OrderStatusPaid:      {domain.OrderStatusFulfilled, domain.OrderStatusCancelled},
	domain.OrderStatusFulfilled: {},
	domain.OrderStatusCancelled: {},
}

// CanTransition reports whether the lifecycle table allows moving from one status to another.
// Same-state moves and moves out of terminal states are never allowed.
func CanTransition(from, to domain.OrderStatus) bool {
	return slices.Contains(orderStateTransitions[from], to)
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Inventory   InventoryService
	Events      OrderEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Meter       metric.Meter
	Tracer      trace.Tracer
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders      repositories.OrderRepository
	inventory   InventoryService
	events      OrderEventPublisher
	clock       func() time.Time
	newID       func() string
	tracer      trace.Tracer
	logger      func(context.Context, string, map[string]any)
	transitions metric.Int64Counter
	locks       *keyedMutex
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("order service: inventory service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(metricNamespace)
	}
	transitions, err := meter.Int64Counter("orders.status.transitions",
		metric.WithDescription("Accepted order status transitions"))
	if err != nil {
		return nil, fmt.Errorf("order service: register transition counter: %w", err)
	}

	return &orderService{
		orders:    deps.Orders,
		inventory: deps.Inventory,
		events:    deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:       idGen,
		tracer:      tracer,
		logger:      logger,
		transitions: transitions,
		locks:       newKeyedMutex(),
	}, nil
}

// CreateOrder reserves every line in caller order and only then stores the order as
// PENDING. The first line that cannot be reserved aborts the call after every earlier
// reservation has been released again.
func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	ctx, span := s.tracer.Start(ctx, "orders.create")
	defer span.End()

	customer := textutil.CleanName(cmd.CustomerName)
	if customer == "" {
		return Order{}, fmt.Errorf("%w: customer name is required", ErrOrderInvalidInput)
	}
	lines, err := normaliseOrderLines(cmd.Items)
	if err != nil {
		return Order{}, err
	}

	reserved := make([]OrderLine, 0, len(lines))
	for _, line := range lines {
		item, err := s.inventory.Reserve(ctx, line.ProductID, line.Quantity)
		if err != nil {
			s.releaseLines(ctx, "order.create.rollback_failed", "", reserved)
			err = unsatisfiableLine(line, err)
			recordSpanError(span, err)
			return Order{}, err
		}
		if line.Name == "" {
			line.Name = item.Name
		}
		reserved = append(reserved, line)
	}

	now := s.clock()
	order := Order{
		ID:              ensureOrderID(s.newID()),
		CustomerName:    customer,
		CustomerEmail:   strings.TrimSpace(cmd.CustomerEmail),
		Items:           reserved,
		PaymentReceived: cmd.PaymentReceived,
		Status:          domain.OrderStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	span.SetAttributes(attribute.String("order.id", order.ID), attribute.Int("order.lines", len(order.Items)))

	if err := s.orders.Insert(ctx, order); err != nil {
		s.releaseLines(ctx, "order.create.rollback_failed", order.ID, reserved)
		err = mapOrderError(err)
		recordSpanError(span, err)
		return Order{}, err
	}

	s.logger(ctx, "order.created", map[string]any{
		"orderId": order.ID,
		"lines":   len(order.Items),
		"actorId": cmd.ActorID,
	})
	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderError(err)
	}
	return order, nil
}

// ListOrders returns orders newest first, filtered by exact status and a case-insensitive
// customer name substring.
func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) ([]Order, error) {
	var status domain.OrderStatus
	if raw := strings.TrimSpace(filter.Status); raw != "" {
		status = domain.OrderStatus(strings.ToUpper(raw))
		if !status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, raw)
		}
	}

	orders, err := s.orders.List(ctx, repositories.OrderListQuery{Status: status})
	if err != nil {
		return nil, mapOrderError(err)
	}

	needle := strings.TrimSpace(filter.CustomerName)
	result := make([]Order, 0, len(orders))
	for _, order := range orders {
		if textutil.FoldContains(order.CustomerName, needle) {
			result = append(result, order)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result, nil
}

// UpdateOrder replaces the mutable fields of a non-terminal order and reconciles the
// ledger with the per-line quantity delta. The product set cannot change.
func (s *orderService) UpdateOrder(ctx context.Context, cmd UpdateOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	customer := textutil.CleanName(cmd.CustomerName)
	if customer == "" {
		return Order{}, fmt.Errorf("%w: customer name is required", ErrOrderInvalidInput)
	}
	requested, err := normaliseOrderLines(cmd.Items)
	if err != nil {
		return Order{}, err
	}

	unlock := s.locks.Lock(orderID)
	defer unlock()

	current, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderError(err)
	}
	if current.Status.Terminal() {
		return Order{}, fmt.Errorf("%w: order %s is %s and can no longer be edited", ErrOrderInvalidInput, orderID, current.Status)
	}

	lines, err := mergeLines(current.Items, requested)
	if err != nil {
		return Order{}, err
	}

	applied, err := s.reconcile(ctx, current.Items, lines)
	if err != nil {
		return Order{}, err
	}

	updated := current.Clone()
	updated.CustomerName = customer
	updated.CustomerEmail = strings.TrimSpace(cmd.CustomerEmail)
	updated.Items = lines
	updated.PaymentReceived = cmd.PaymentReceived
	updated.UpdatedAt = s.clock()

	if err := s.orders.Update(ctx, updated, current.Status); err != nil {
		s.undoAdjustments(ctx, orderID, applied)
		return Order{}, mapOrderError(err)
	}

	s.logger(ctx, "order.updated", map[string]any{
		"orderId":     orderID,
		"adjustments": len(applied),
		"actorId":     cmd.ActorID,
	})
	return updated, nil
}

// DeleteOrder removes the order. Orders still holding stock (PENDING, PAID) give it back.
func (s *orderService) DeleteOrder(ctx context.Context, cmd DeleteOrderCommand) error {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	unlock := s.locks.Lock(orderID)
	defer unlock()

	current, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return mapOrderError(err)
	}
	if err := s.orders.Delete(ctx, orderID, current.Status); err != nil {
		return mapOrderError(err)
	}
	if current.Status.HoldsReservation() {
		s.releaseLines(ctx, "order.delete.release_failed", orderID, current.Items)
	}

	s.logger(ctx, "order.deleted", map[string]any{
		"orderId": orderID,
		"status":  string(current.Status),
		"actorId": cmd.ActorID,
	})
	return nil
}

// TransitionStatus applies one step of the lifecycle. Cancellation releases every line
// once; the status compare-and-set guarantees a single winner. The status event is
// published after the change is stored and its failure is only logged.
func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	ctx, span := s.tracer.Start(ctx, "orders.transition")
	defer span.End()

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	rawTarget := strings.TrimSpace(cmd.TargetStatus)
	if rawTarget == "" {
		return Order{}, fmt.Errorf("%w: target status is required", ErrOrderInvalidInput)
	}
	target := domain.OrderStatus(strings.ToUpper(rawTarget))
	if !target.Valid() {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, rawTarget)
	}

	unlock := s.locks.Lock(orderID)
	defer unlock()

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		err = mapOrderError(err)
		recordSpanError(span, err)
		return Order{}, err
	}
	previous := order.Status
	span.SetAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.status.from", string(previous)),
		attribute.String("order.status.to", string(target)),
	)
	if !CanTransition(previous, target) {
		err := &IllegalTransitionError{From: previous, To: target}
		recordSpanError(span, err)
		return Order{}, err
	}

	updated := order.Clone()
	updated.Status = target
	updated.UpdatedAt = s.clock()
	if err := s.orders.Update(ctx, updated, previous); err != nil {
		err = mapOrderError(err)
		recordSpanError(span, err)
		return Order{}, err
	}

	if target == domain.OrderStatusCancelled {
		s.releaseLines(ctx, "order.cancel.release_failed", orderID, updated.Items)
	}

	s.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(previous)),
		attribute.String("to", string(target)),
	))
	s.logger(ctx, "order.status.changed", map[string]any{
		"orderId": orderID,
		"from":    string(previous),
		"to":      string(target),
		"actorId": cmd.ActorID,
	})
	s.publishEvent(ctx, OrderStatusEvent{
		Type:           OrderStatusUpdatedEvent,
		OrderID:        orderID,
		Status:         target,
		PreviousStatus: previous,
		OccurredAt:     updated.UpdatedAt,
	})
	return updated, nil
}

type stockAdjustment struct {
	productID string
	delta     int
}

// reconcile reserves increases first and releases decreases second, both in line order.
// Any failure undoes what was applied before returning.
func (s *orderService) reconcile(ctx context.Context, before, after []OrderLine) ([]stockAdjustment, error) {
	previous := make(map[string]int, len(before))
	for _, line := range before {
		previous[line.ProductID] = line.Quantity
	}

	var increases, decreases []stockAdjustment
	for _, line := range after {
		delta := line.Quantity - previous[line.ProductID]
		switch {
		case delta > 0:
			increases = append(increases, stockAdjustment{productID: line.ProductID, delta: delta})
		case delta < 0:
			decreases = append(decreases, stockAdjustment{productID: line.ProductID, delta: delta})
		}
	}

	applied := make([]stockAdjustment, 0, len(increases)+len(decreases))
	for _, adj := range increases {
		if _, err := s.inventory.Reserve(ctx, adj.productID, adj.delta); err != nil {
			s.undoAdjustments(ctx, "", applied)
			return nil, unsatisfiableLine(lineFor(after, adj.productID), err)
		}
		applied = append(applied, adj)
	}
	for _, adj := range decreases {
		if _, err := s.inventory.Release(ctx, adj.productID, -adj.delta); err != nil {
			s.undoAdjustments(ctx, "", applied)
			return nil, err
		}
		applied = append(applied, adj)
	}
	return applied, nil
}

// undoAdjustments reverses applied adjustments in reverse order. It runs detached from the
// caller's cancellation so a rollback is never cut short.
func (s *orderService) undoAdjustments(ctx context.Context, orderID string, applied []stockAdjustment) {
	ctx = context.WithoutCancel(ctx)
	for i := len(applied) - 1; i >= 0; i-- {
		adj := applied[i]
		var err error
		if adj.delta > 0 {
			_, err = s.inventory.Release(ctx, adj.productID, adj.delta)
		} else {
			_, err = s.inventory.Reserve(ctx, adj.productID, -adj.delta)
		}
		if err != nil {
			s.logger(ctx, "order.update.rollback_failed", map[string]any{
				"orderId":   orderID,
				"productId": adj.productID,
				"delta":     adj.delta,
				"error":     err.Error(),
			})
		}
	}
}

// releaseLines returns reserved stock for lines in reverse order, detached from the
// caller's cancellation. Failures are logged under event.
func (s *orderService) releaseLines(ctx context.Context, event, orderID string, lines []OrderLine) {
	ctx = context.WithoutCancel(ctx)
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if _, err := s.inventory.Release(ctx, line.ProductID, line.Quantity); err != nil {
			s.logger(ctx, event, map[string]any{
				"orderId":   orderID,
				"productId": line.ProductID,
				"quantity":  line.Quantity,
				"error":     err.Error(),
			})
		}
	}
}

func (s *orderService) publishEvent(ctx context.Context, event OrderStatusEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderStatus(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"status": string(event.Status),
			"error":  err.Error(),
		})
	}
}

// unsatisfiableLine reports a failed reservation in terms of the caller's line. A missing
// product cannot be satisfied either, so it is reported as insufficient stock too.
func unsatisfiableLine(line OrderLine, err error) error {
	var stockErr *InsufficientStockError
	if errors.As(err, &stockErr) {
		if line.Name != "" {
			stockErr.ProductName = line.Name
		}
		return stockErr
	}
	if errors.Is(err, ErrInventoryNotFound) {
		name := line.Name
		if name == "" {
			name = line.ProductID
		}
		return &InsufficientStockError{ProductID: line.ProductID, ProductName: name, Requested: line.Quantity}
	}
	return err
}

func normaliseOrderLines(items []OrderLineInput) ([]OrderLine, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", ErrOrderInvalidInput)
	}
	seen := make(map[string]struct{}, len(items))
	lines := make([]OrderLine, 0, len(items))
	for i, item := range items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return nil, fmt.Errorf("%w: item %d product id is required", ErrOrderInvalidInput, i)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be positive", ErrOrderInvalidInput, productID)
		}
		if _, dup := seen[productID]; dup {
			return nil, fmt.Errorf("%w: product %s listed more than once", ErrOrderInvalidInput, productID)
		}
		seen[productID] = struct{}{}
		lines = append(lines, OrderLine{
			ProductID: productID,
			Name:      textutil.CleanName(item.Name),
			Quantity:  item.Quantity,
		})
	}
	return lines, nil
}

// mergeLines keeps the stored line order and applies requested quantities and names.
func mergeLines(current, requested []OrderLine) ([]OrderLine, error) {
	if len(current) != len(requested) {
		return nil, fmt.Errorf("%w: the set of products in an order cannot change", ErrOrderInvalidInput)
	}
	byProduct := make(map[string]OrderLine, len(requested))
	for _, line := range requested {
		byProduct[line.ProductID] = line
	}
	merged := make([]OrderLine, len(current))
	for i, line := range current {
		next, ok := byProduct[line.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: the set of products in an order cannot change", ErrOrderInvalidInput)
		}
		if next.Name == "" {
			next.Name = line.Name
		}
		merged[i] = next
	}
	return merged, nil
}

func lineFor(lines []OrderLine, productID string) OrderLine {
	for _, line := range lines {
		if line.ProductID == productID {
			return line
		}
	}
	return OrderLine{ProductID: productID}
}

func ensureOrderID(candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		trimmed = ulid.Make().String()
	}
	if strings.HasPrefix(trimmed, orderIDPrefix) {
		return trimmed
	}
	return orderIDPrefix + trimmed
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func mapOrderError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}
	return err
}
