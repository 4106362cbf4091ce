package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/stockroom/api/internal/platform/textutil"
	"github.com/stockroom/api/internal/repositories"
)

const (
	metricNamespace = "github.com/stockroom/api/internal/services"

	eventInventoryAdded       = "inventory.added"
	eventInventoryQuantitySet = "inventory.quantity.set"
)

// InventoryServiceDeps bundles the collaborators required to construct an inventory service.
type InventoryServiceDeps struct {
	Inventory repositories.InventoryRepository
	Clock     func() time.Time
	Meter     metric.Meter
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type inventoryService struct {
	repo         repositories.InventoryRepository
	clock        func() time.Time
	logger       func(context.Context, string, map[string]any)
	reservations metric.Int64Counter
	releases     metric.Int64Counter
}

// NewInventoryService wires dependencies into a concrete InventoryService implementation.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Inventory == nil {
		return nil, errors.New("inventory service: inventory repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(metricNamespace)
	}
	reservations, err := meter.Int64Counter("inventory.reservations",
		metric.WithDescription("Reservation attempts by outcome"))
	if err != nil {
		return nil, fmt.Errorf("inventory service: register reservation counter: %w", err)
	}
	releases, err := meter.Int64Counter("inventory.releases",
		metric.WithDescription("Release attempts by outcome"))
	if err != nil {
		return nil, fmt.Errorf("inventory service: register release counter: %w", err)
	}

	return &inventoryService{
		repo: deps.Inventory,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger:       logger,
		reservations: reservations,
		releases:     releases,
	}, nil
}

func (s *inventoryService) AddItem(ctx context.Context, cmd AddInventoryItemCommand) (InventoryItem, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return InventoryItem{}, fmt.Errorf("%w: product id is required", ErrInventoryInvalidInput)
	}
	name := textutil.CleanName(cmd.Name)
	if name == "" {
		return InventoryItem{}, fmt.Errorf("%w: name is required", ErrInventoryInvalidInput)
	}
	if cmd.Quantity < 0 {
		return InventoryItem{}, fmt.Errorf("%w: quantity must be >= 0", ErrInventoryInvalidInput)
	}

	now := s.clock()
	item, err := s.repo.Insert(ctx, InventoryItem{
		ProductID: productID,
		Name:      name,
		Quantity:  cmd.Quantity,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return InventoryItem{}, mapInventoryError(err)
	}

	s.logger(ctx, eventInventoryAdded, map[string]any{
		"productId": item.ProductID,
		"quantity":  item.Quantity,
		"actorId":   cmd.ActorID,
	})
	return item, nil
}

func (s *inventoryService) GetItem(ctx context.Context, productID string) (InventoryItem, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return InventoryItem{}, fmt.Errorf("%w: product id is required", ErrInventoryInvalidInput)
	}
	item, err := s.repo.Get(ctx, productID)
	if err != nil {
		return InventoryItem{}, mapInventoryError(err)
	}
	return item, nil
}

func (s *inventoryService) ListItems(ctx context.Context) ([]InventoryItem, error) {
	items, err := s.repo.List(ctx)
	if err != nil {
		return nil, mapInventoryError(err)
	}
	if items == nil {
		items = []InventoryItem{}
	}
	return items, nil
}

// Reserve holds quantity units of productID. On insufficient stock the returned error is
// an *InsufficientStockError carrying the product name.
func (s *inventoryService) Reserve(ctx context.Context, productID string, quantity int) (InventoryItem, error) {
	productID = strings.TrimSpace(productID)
	if err := validateAdjustment(productID, quantity); err != nil {
		return InventoryItem{}, err
	}
	item, err := s.repo.Reserve(ctx, repositories.InventoryAdjustment{ProductID: productID, Quantity: quantity, Now: s.clock()})
	s.reservations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
	if err != nil {
		mapped := mapInventoryError(err)
		var stockErr *InsufficientStockError
		if errors.As(mapped, &stockErr) {
			stockErr.Requested = quantity
		}
		return InventoryItem{}, mapped
	}
	return item, nil
}

// Release returns quantity units to availability. Releasing more than is reserved fails
// with ErrInventoryOverRelease and changes nothing.
func (s *inventoryService) Release(ctx context.Context, productID string, quantity int) (InventoryItem, error) {
	productID = strings.TrimSpace(productID)
	if err := validateAdjustment(productID, quantity); err != nil {
		return InventoryItem{}, err
	}
	item, err := s.repo.Release(ctx, repositories.InventoryAdjustment{ProductID: productID, Quantity: quantity, Now: s.clock()})
	s.releases.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
	if err != nil {
		return InventoryItem{}, mapInventoryError(err)
	}
	return item, nil
}

func (s *inventoryService) SetQuantity(ctx context.Context, cmd SetInventoryQuantityCommand) (InventoryItem, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return InventoryItem{}, fmt.Errorf("%w: product id is required", ErrInventoryInvalidInput)
	}
	if cmd.Quantity < 0 {
		return InventoryItem{}, fmt.Errorf("%w: quantity must be >= 0", ErrInventoryInvalidInput)
	}
	item, err := s.repo.SetQuantity(ctx, repositories.InventoryAdjustment{ProductID: productID, Quantity: cmd.Quantity, Now: s.clock()})
	if err != nil {
		return InventoryItem{}, mapInventoryError(err)
	}
	s.logger(ctx, eventInventoryQuantitySet, map[string]any{
		"productId": item.ProductID,
		"quantity":  item.Quantity,
		"reserved":  item.Reserved,
		"actorId":   cmd.ActorID,
	})
	return item, nil
}

func validateAdjustment(productID string, quantity int) error {
	if productID == "" {
		return fmt.Errorf("%w: product id is required", ErrInventoryInvalidInput)
	}
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity for %s must be positive", ErrInventoryInvalidInput, productID)
	}
	return nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		return string(invErr.Code)
	}
	return "error"
}

func mapInventoryError(err error) error {
	if err == nil {
		return nil
	}

	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		switch invErr.Code {
		case repositories.InventoryErrorInsufficientStock:
			name := invErr.Name
			if name == "" {
				name = invErr.ProductID
			}
			return &InsufficientStockError{ProductID: invErr.ProductID, ProductName: name, Available: invErr.Available}
		case repositories.InventoryErrorStockNotFound:
			return fmt.Errorf("%w: %s", ErrInventoryNotFound, invErr.Message)
		case repositories.InventoryErrorAlreadyExists:
			return fmt.Errorf("%w: %s", ErrInventoryConflict, invErr.Message)
		case repositories.InventoryErrorOverRelease:
			return fmt.Errorf("%w: %s", ErrInventoryOverRelease, invErr.Message)
		case repositories.InventoryErrorBelowReserved:
			return fmt.Errorf("%w: %s", ErrInventoryInvalidInput, invErr.Message)
		}
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
		return fmt.Errorf("%w: %v", ErrInventoryUnavailable, err)
	}
	return err
}
