package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/stockroom/api/internal/platform/httpx"
	"github.com/stockroom/api/internal/platform/requestctx"
	"github.com/stockroom/api/internal/services"
)

// writeServiceError maps service errors onto the JSON error envelope. The message key
// carries the text clients show to users.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	var stockErr *services.InsufficientStockError
	if errors.As(err, &stockErr) {
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", stockErr.Error(), http.StatusBadRequest).
			WithDetails(map[string]any{"productId": stockErr.ProductID}))
		return
	}
	var transitionErr *services.IllegalTransitionError
	if errors.As(err, &transitionErr) {
		httpx.WriteError(ctx, w, httpx.NewError("illegal_transition", transitionErr.Error(), http.StatusBadRequest).
			WithDetails(map[string]any{"from": transitionErr.From, "to": transitionErr.To}))
		return
	}

	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", reason(err, services.ErrOrderInvalidInput), http.StatusBadRequest))
	case errors.Is(err, services.ErrInventoryInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", reason(err, services.ErrInventoryInvalidInput), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "Order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInventoryNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("item_not_found", "Item not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInventoryConflict):
		httpx.WriteError(ctx, w, httpx.NewError("item_exists", "Item already exists", http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "Order was modified concurrently, retry the request", http.StatusConflict))
	case errors.Is(err, services.ErrInventoryOverRelease):
		httpx.WriteError(ctx, w, httpx.NewError("over_release", "Release exceeds reserved stock", http.StatusConflict))
	case errors.Is(err, services.ErrOrderUnavailable), errors.Is(err, services.ErrInventoryUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("unavailable", "Service temporarily unavailable", http.StatusServiceUnavailable))
	default:
		requestctx.Logger(ctx).Error("unhandled service error", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_server_error", "Internal server error", http.StatusInternalServerError))
	}
}

// reason strips the sentinel prefix so clients see only the validation detail.
func reason(err, sentinel error) string {
	msg := err.Error()
	if trimmed := strings.TrimPrefix(msg, sentinel.Error()+": "); trimmed != msg {
		return trimmed
	}
	return msg
}

func writeDecodeError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, httpx.ErrBodyTooLarge) {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "Request body too large", http.StatusRequestEntityTooLarge))
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
}
