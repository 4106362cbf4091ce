package services

import (
	"errors"
	"fmt"

	domain "github.com/stockroom/api/internal/domain"
)

var (
	// ErrInventoryInvalidInput signals the caller provided invalid arguments.
	ErrInventoryInvalidInput = errors.New("inventory: invalid input")
	// ErrInventoryNotFound indicates the product has no stock record.
	ErrInventoryNotFound = errors.New("inventory: product not found")
	// ErrInventoryConflict indicates a stock record already exists for the product.
	ErrInventoryConflict = errors.New("inventory: conflict")
	// ErrInventoryInsufficientStock indicates the requested quantity exceeds availability.
	ErrInventoryInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrInventoryOverRelease indicates a release larger than what is reserved.
	ErrInventoryOverRelease = errors.New("inventory: release exceeds reserved stock")
	// ErrInventoryUnavailable indicates the backing store could not be reached.
	ErrInventoryUnavailable = errors.New("inventory: repository unavailable")

	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates a concurrent writer changed the order first.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates the backing store could not be reached.
	ErrOrderUnavailable = errors.New("order: repository unavailable")
)

// InsufficientStockError names the first line item that could not be reserved.
type InsufficientStockError struct {
	ProductID   string
	ProductName string
	Requested   int
	Available   int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("Insufficient stock for %s", e.ProductName)
}

// Is lets callers match the error with errors.Is(err, ErrInventoryInsufficientStock).
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInventoryInsufficientStock
}

// IllegalTransitionError reports a status change outside the transition table.
type IllegalTransitionError struct {
	From domain.OrderStatus
	To   domain.OrderStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("Cannot change status from %s to %s", e.From, e.To)
}

// Is lets callers match the error with errors.Is(err, ErrOrderInvalidState).
func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrOrderInvalidState
}
