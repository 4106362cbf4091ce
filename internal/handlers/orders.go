package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/notify"
	"github.com/stockroom/api/internal/platform/auth"
	"github.com/stockroom/api/internal/platform/httpx"
	"github.com/stockroom/api/internal/platform/requestctx"
	"github.com/stockroom/api/internal/services"
)

const defaultKeepAlive = 15 * time.Second

// EventSource hands out subscriptions to order status events.
type EventSource interface {
	Subscribe() (<-chan domain.OrderStatusEvent, func(), error)
}

// OrderHandlers serves /orders.
type OrderHandlers struct {
	authn      *auth.Authenticator
	orders     services.OrderService
	exports    services.OrderExportService
	events     EventSource
	idempotent func(http.Handler) http.Handler
	keepAlive  time.Duration
}

// OrderHandlersOption customises OrderHandlers.
type OrderHandlersOption func(*OrderHandlers)

// WithOrderExports enables GET /orders/export/csv.
func WithOrderExports(exports services.OrderExportService) OrderHandlersOption {
	return func(h *OrderHandlers) { h.exports = exports }
}

// WithOrderEvents enables GET /orders/events.
func WithOrderEvents(events EventSource) OrderHandlersOption {
	return func(h *OrderHandlers) { h.events = events }
}

// WithOrderIdempotency guards order creation with the given idempotency middleware.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderHandlersOption {
	return func(h *OrderHandlers) { h.idempotent = mw }
}

// WithKeepAlive sets the interval between SSE keep-alive comments.
func WithKeepAlive(d time.Duration) OrderHandlersOption {
	return func(h *OrderHandlers) {
		if d > 0 {
			h.keepAlive = d
		}
	}
}

func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{authn: authn, orders: orders, keepAlive: defaultKeepAlive}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.idempotent == nil {
		h.idempotent = passthrough
	}
	return h
}

// Routes registers the request/response endpoints under /orders.
func (h *OrderHandlers) Routes(r chi.Router) {
	member := h.authn.RequireAuth(auth.RoleAdmin, auth.RoleStaff, auth.RoleUser)
	owner := h.authn.RequireAuth(auth.RoleAdmin, auth.RoleUser)

	r.With(member, h.idempotent).Post("/", h.createOrder)
	r.With(member).Get("/", h.listOrders)
	r.With(member).Get("/export/csv", h.exportCSV)
	r.With(member).Get("/{orderID}", h.getOrder)
	r.With(member).Put("/{orderID}", h.updateOrder)
	r.With(member).Patch("/{orderID}/status", h.updateStatus)
	r.With(owner).Delete("/{orderID}", h.deleteOrder)
}

// StreamRoutes registers the long-lived event stream. It must be mounted outside any
// request timeout middleware.
func (h *OrderHandlers) StreamRoutes(r chi.Router) {
	r.With(h.authn.RequireAuth(auth.RoleAdmin, auth.RoleStaff, auth.RoleUser)).Get("/orders/events", h.streamEvents)
}

type orderLineRequest struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
}

type orderRequest struct {
	CustomerName    string             `json:"customerName"`
	CustomerEmail   string             `json:"customerEmail"`
	Items           []orderLineRequest `json:"items"`
	PaymentReceived bool               `json:"paymentReceived"`
}

func (req orderRequest) lines() []services.OrderLineInput {
	lines := make([]services.OrderLineInput, 0, len(req.Items))
	for _, item := range req.Items {
		lines = append(lines, services.OrderLineInput{ProductID: item.ProductID, Name: item.Name, Quantity: item.Quantity})
	}
	return lines
}

type statusRequest struct {
	Status string `json:"status"`
}

type orderLinePayload struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
}

type orderPayload struct {
	ID              string             `json:"id"`
	CustomerName    string             `json:"customerName"`
	CustomerEmail   string             `json:"customerEmail,omitempty"`
	Items           []orderLinePayload `json:"items"`
	PaymentReceived bool               `json:"paymentReceived"`
	Status          string             `json:"status"`
	CreatedAt       string             `json:"createdAt"`
	UpdatedAt       string             `json:"updatedAt"`
}

func buildOrderPayload(order services.Order) orderPayload {
	items := make([]orderLinePayload, 0, len(order.Items))
	for _, line := range order.Items {
		items = append(items, orderLinePayload{ProductID: line.ProductID, Name: line.Name, Quantity: line.Quantity})
	}
	return orderPayload{
		ID:              order.ID,
		CustomerName:    order.CustomerName,
		CustomerEmail:   order.CustomerEmail,
		Items:           items,
		PaymentReceived: order.PaymentReceived,
		Status:          string(order.Status),
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
	}
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req orderRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}

	order, err := h.orders.CreateOrder(ctx, services.CreateOrderCommand{
		CustomerName:    req.CustomerName,
		CustomerEmail:   req.CustomerEmail,
		Items:           req.lines(),
		PaymentReceived: req.PaymentReceived,
		ActorID:         auth.ActorID(ctx),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, buildOrderPayload(order))
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()
	orders, err := h.orders.ListOrders(ctx, services.OrderListFilter{
		Status:       strings.TrimSpace(query.Get("status")),
		CustomerName: strings.TrimSpace(query.Get("customerName")),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	payload := make([]orderPayload, 0, len(orders))
	for _, order := range orders {
		payload = append(payload, buildOrderPayload(order))
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	order, err := h.orders.GetOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) updateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req orderRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}

	order, err := h.orders.UpdateOrder(ctx, services.UpdateOrderCommand{
		OrderID:         chi.URLParam(r, "orderID"),
		CustomerName:    req.CustomerName,
		CustomerEmail:   req.CustomerEmail,
		Items:           req.lines(),
		PaymentReceived: req.PaymentReceived,
		ActorID:         auth.ActorID(ctx),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req statusRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}

	order, err := h.orders.TransitionStatus(ctx, services.OrderStatusTransitionCommand{
		OrderID:      chi.URLParam(r, "orderID"),
		TargetStatus: req.Status,
		ActorID:      auth.ActorID(ctx),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) deleteOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	err := h.orders.DeleteOrder(ctx, services.DeleteOrderCommand{
		OrderID: chi.URLParam(r, "orderID"),
		ActorID: auth.ActorID(ctx),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteMessage(w, http.StatusOK, "Order deleted")
}

func (h *OrderHandlers) exportCSV(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.exports == nil {
		httpx.WriteError(ctx, w, httpx.NewError("export_unavailable", "Export is not configured", http.StatusServiceUnavailable))
		return
	}
	data, err := h.exports.ExportCSV(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="orders.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *OrderHandlers) streamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.events == nil {
		httpx.WriteError(ctx, w, httpx.NewError("events_unavailable", "Event stream is not configured", http.StatusServiceUnavailable))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("streaming_unsupported", "Streaming is not supported", http.StatusInternalServerError))
		return
	}
	events, unsubscribe, err := h.events.Subscribe()
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("events_unavailable", "Event stream is shutting down", http.StatusServiceUnavailable))
		return
	}
	defer unsubscribe()

	// The server write timeout would otherwise cut the stream.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	logger := requestctx.Logger(ctx)
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-events:
			if !open {
				return
			}
			data, err := notify.EncodeEvent(event)
			if err != nil {
				logger.Warn("order event encode failed", zap.String("orderId", event.OrderID), zap.Error(err))
				continue
			}
			name := event.Type
			if name == "" {
				name = services.OrderStatusUpdatedEvent
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func passthrough(next http.Handler) http.Handler { return next }

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
