package repositories

import "fmt"

// InventoryErrorCode enumerates repository error causes for inventory operations.
type InventoryErrorCode string

const (
	// InventoryErrorUnknown represents an unspecified failure.
	InventoryErrorUnknown InventoryErrorCode = "inventory_unknown"
	// InventoryErrorInsufficientStock indicates requested quantity exceeds availability.
	InventoryErrorInsufficientStock InventoryErrorCode = "inventory_insufficient_stock"
	// InventoryErrorStockNotFound indicates the product does not have a stock record.
	InventoryErrorStockNotFound InventoryErrorCode = "inventory_stock_not_found"
	// InventoryErrorOverRelease indicates a release larger than the reserved count.
	InventoryErrorOverRelease InventoryErrorCode = "inventory_over_release"
	// InventoryErrorBelowReserved indicates a quantity override below the reserved count.
	InventoryErrorBelowReserved InventoryErrorCode = "inventory_below_reserved"
	// InventoryErrorAlreadyExists indicates a stock record already exists for the product.
	InventoryErrorAlreadyExists InventoryErrorCode = "inventory_already_exists"
)

// InventoryError wraps inventory-specific failures with machine readable codes.
type InventoryError struct {
	Op        string
	Code      InventoryErrorCode
	Message   string
	ProductID string
	// Name and Available are filled for insufficient stock so callers can report the product.
	Name      string
	Available int
	Err       error
}

// Error implements the error interface.
func (e *InventoryError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *InventoryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewInventoryError constructs a typed inventory error.
func NewInventoryError(code InventoryErrorCode, productID, message string, err error) *InventoryError {
	if message == "" {
		message = string(code)
	}
	return &InventoryError{
		Code:      code,
		Message:   message,
		ProductID: productID,
		Err:       err,
	}
}

// NewInsufficientStockError reports that the product cannot cover the requested quantity.
func NewInsufficientStockError(productID, name string, available, requested int) *InventoryError {
	err := NewInventoryError(InventoryErrorInsufficientStock, productID,
		fmt.Sprintf("product %s has %d available, %d requested", productID, available, requested), nil)
	err.Name = name
	err.Available = available
	return err
}

// WithOp annotates the error with the repository operation that produced it.
func (e *InventoryError) WithOp(op string) *InventoryError {
	if e == nil {
		return nil
	}
	e.Op = op
	return e
}
