package repositories

import "fmt"

// OrderErrorCode enumerates repository error causes for order persistence.
type OrderErrorCode string

const (
	// OrderErrorUnknown represents an unspecified failure.
	OrderErrorUnknown OrderErrorCode = "order_unknown"
	// OrderErrorNotFound indicates the order does not exist.
	OrderErrorNotFound OrderErrorCode = "order_not_found"
	// OrderErrorAlreadyExists indicates an order with the same id is already stored.
	OrderErrorAlreadyExists OrderErrorCode = "order_already_exists"
	// OrderErrorConflict indicates the stored status no longer matches the expected one.
	OrderErrorConflict OrderErrorCode = "order_conflict"
)

// OrderError wraps order persistence failures with machine readable codes.
type OrderError struct {
	Op      string
	Code    OrderErrorCode
	OrderID string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *OrderError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *OrderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *OrderError) IsNotFound() bool {
	return e != nil && e.Code == OrderErrorNotFound
}

func (e *OrderError) IsConflict() bool {
	return e != nil && (e.Code == OrderErrorConflict || e.Code == OrderErrorAlreadyExists)
}

func (e *OrderError) IsUnavailable() bool {
	return false
}

var _ RepositoryError = (*OrderError)(nil)

// NewOrderError constructs a typed order error.
func NewOrderError(op string, code OrderErrorCode, orderID string, err error) *OrderError {
	message := string(code)
	if orderID != "" {
		message = fmt.Sprintf("%s (order %s)", code, orderID)
	}
	return &OrderError{
		Op:      op,
		Code:    code,
		OrderID: orderID,
		Message: message,
		Err:     err,
	}
}
