package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/notify"
	"github.com/stockroom/api/internal/platform/auth"
	"github.com/stockroom/api/internal/platform/idempotency"
	"github.com/stockroom/api/internal/repositories/memory"
	"github.com/stockroom/api/internal/services"
)

const testSecret = "handler-test-secret"

type testEnv struct {
	router    chi.Router
	inventory services.InventoryService
	hub       *notify.Hub
}

type envOption func(*[]Option)

func withRateLimit(limit int) envOption {
	return func(opts *[]Option) {
		*opts = append(*opts, WithMiddlewares(RateLimit(limit, time.Minute, nil)))
	}
}

func newTestEnv(t *testing.T, extra ...envOption) *testEnv {
	t.Helper()
	registry := memory.NewRegistry()
	base := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	var ticks atomic.Int64
	clock := func() time.Time { return base.Add(time.Duration(ticks.Add(1)) * time.Second) }
	var ids atomic.Int64

	hub := notify.NewHub(8)
	t.Cleanup(func() { _ = hub.Close(context.Background()) })

	inventory, err := services.NewInventoryService(services.InventoryServiceDeps{Inventory: registry.Inventory(), Clock: clock})
	require.NoError(t, err)
	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:      registry.Orders(),
		Inventory:   inventory,
		Events:      hub,
		Clock:       clock,
		IDGenerator: func() string { return fmt.Sprintf("%03d", ids.Add(1)) },
	})
	require.NoError(t, err)
	exports, err := services.NewOrderExportService(services.OrderExportServiceDeps{Orders: registry.Orders(), Clock: clock})
	require.NoError(t, err)
	stats, err := services.NewStatsService(services.StatsServiceDeps{Orders: registry.Orders(), Inventory: registry.Inventory(), Clock: clock})
	require.NoError(t, err)

	verifier, err := auth.NewJWTVerifier(testSecret)
	require.NoError(t, err)
	authn := auth.NewAuthenticator(verifier)
	idem := idempotency.Middleware(idempotency.NewMemoryStore())

	opts := []Option{
		WithMiddlewares(CORS([]string{"http://localhost:5173"})),
		WithOrderRoutes(NewOrderHandlers(authn, orders,
			WithOrderExports(exports),
			WithOrderEvents(hub),
			WithOrderIdempotency(idem),
			WithKeepAlive(50*time.Millisecond),
		)),
		WithInventoryRoutes(NewInventoryHandlers(authn, inventory, idem)),
		WithAdminRoutes(NewAdminHandlers(authn, stats)),
	}
	for _, fn := range extra {
		fn(&opts)
	}
	return &testEnv{router: NewRouter(opts...), inventory: inventory, hub: hub}
}

func token(t *testing.T, role string) string {
	t.Helper()
	tok, err := auth.SignToken(testSecret, auth.Identity{Subject: role + "-1", Roles: []string{role}}, "", time.Hour, time.Now())
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, role string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, role))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) stock(t *testing.T, productID, name string, quantity int) {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/v1/inventory", auth.RoleStaff, map[string]any{"productId": productID, "name": name, "quantity": quantity})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func newOrderBody(items ...map[string]any) map[string]any {
	return map[string]any{"customerName": "Ada Lovelace", "customerEmail": "ada@example.com", "items": items}
}

func line(productID string, quantity int) map[string]any {
	return map[string]any{"productId": productID, "quantity": quantity}
}

func TestCreateOrderReservesStock(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "A", "Widget A", 5)

	rr := env.do(t, http.MethodPost, "/api/v1/orders", auth.RoleUser, newOrderBody(line("A", 3)))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	order := decode[orderPayload](t, rr)
	assert.Equal(t, "ord_001", order.ID)
	assert.Equal(t, "PENDING", order.Status)
	require.Len(t, order.Items, 1)
	assert.Equal(t, "Widget A", order.Items[0].Name)

	item, err := env.inventory.GetItem(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, 3, item.Reserved)
}

func TestCreateOrderInsufficientStockNamesProduct(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "A", "Widget A", 5)
	env.stock(t, "B", "Widget B", 1)

	rr := env.do(t, http.MethodPost, "/api/v1/orders", auth.RoleUser, newOrderBody(line("A", 3), line("B", 2)))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	body := decode[map[string]any](t, rr)
	assert.Equal(t, "Insufficient stock for Widget B", body["message"])

	item, err := env.inventory.GetItem(context.Background(), "A")
	require.NoError(t, err)
	assert.Zero(t, item.Reserved)
}

func TestRoleChecks(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "A", "Widget A", 5)
	created := env.do(t, http.MethodPost, "/api/v1/orders", auth.RoleUser, newOrderBody(line("A", 1)))
	require.Equal(t, http.StatusCreated, created.Code)

	cases := []struct {
		name   string
		method string
		path   string
		role   string
		body   any
		status int
	}{
		{"anonymous list", http.MethodGet, "/api/v1/orders", "", nil, http.StatusUnauthorized},
		{"user adds inventory", http.MethodPost, "/api/v1/inventory", auth.RoleUser, map[string]any{"productId": "Z", "name": "Z", "quantity": 1}, http.StatusForbidden},
		{"staff deletes order", http.MethodDelete, "/api/v1/orders/ord_001", auth.RoleStaff, nil, http.StatusForbidden},
		{"staff reads stats", http.MethodGet, "/api/v1/admin/stats", auth.RoleStaff, nil, http.StatusForbidden},
		{"user lists inventory", http.MethodGet, "/api/v1/inventory", auth.RoleUser, nil, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.do(t, tc.method, tc.path, tc.role, tc.body)
			assert.Equal(t, tc.status, rr.Code, rr.Body.String())
		})
	}
}

func TestStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "A", "Widget A", 5)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/orders", auth.RoleUser, newOrderBody(line("A", 2))).Code)

	rr := env.do(t, http.MethodPatch, "/api/v1/orders/ord_001/status", auth.RoleStaff, map[string]any{"status": "FULFILLED"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "Cannot change status from PENDING to FULFILLED", decode[map[string]any](t, rr)["message"])

	rr = env.do(t, http.MethodPatch, "/api/v1/orders/ord_001/status", auth.RoleStaff, map[string]any{"status": "paid"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "PAID", decode[orderPayload](t, rr).Status)

	rr = env.do(t, http.MethodPatch, "/api/v1/orders/ord_001/status", auth.RoleStaff, map[string]any{"status": "SHIPPED"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPatch, "/api/v1/orders/ord_001/status", auth.RoleAdmin, map[string]any{"status": "CANCELLED"})
	require.Equal(t, http.StatusOK, rr.Code)
	item, err := env.inventory.GetItem(context.Background(), "A")
	require.NoError(t, err)
	assert.Zero(t, item.Reserved)

	rr = env.do(t, http.MethodPatch, "/api/v1/orders/ord_001/status", auth.RoleAdmin, map[string]any{"status": "CANCELLED"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUpdateAndDeleteOrder(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "A", "Widget A", 5)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/orders", auth.RoleUser, newOrderBody(line("A", 2))).Code)

	update := newOrderBody(line("A", 4))
	update["customerName"] = "Ada King"
	rr := env.do(t, http.MethodPut, "/api/v1/orders/ord_001", auth.RoleUser, update)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "Ada King", decode[orderPayload](t, rr).CustomerName)

	item, err := env.inventory.GetItem(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, 4, item.Reserved)

	rr = env.do(t, http.MethodDelete, "/api/v1/orders/ord_001", auth.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Order deleted", decode[map[string]any](t, rr)["message"])

	item, err = env.inventory.GetItem(context.Background(), "A")
	require.NoError(t, err)
	assert.Zero(t, item.Reserved)

	rr = env.do(t, http.MethodGet, "/api/v1/orders/ord_001", auth.RoleUser, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListOrdersFilters(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "A", "Widget A", 10)
	first := newOrderBody(line("A", 1))
	second := newOrderBody(line("A", 1))
	second["customerName"] = "Grace Hopper"
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/orders", auth.RoleUser, first).Code)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/orders", auth.RoleUser, second).Code)

	rr := env.do(t, http.MethodGet, "/api/v1/orders", auth.RoleUser, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	all := decode[[]orderPayload](t, rr)
	require.Len(t, all, 2)
	assert.Equal(t, "ord_002", all[0].ID)

	rr = env.do(t, http.MethodGet, "/api/v1/orders?customerName=grace", auth.RoleUser, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	filtered := decode[[]orderPayload](t, rr)
	require.Len(t, filtered, 1)
	assert.Equal(t, "Grace Hopper", filtered[0].CustomerName)

	rr = env.do(t, http.MethodGet, "/api/v1/orders?status=bogus", auth.RoleUser, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestExportCSV(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "A", "Widget A", 10)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/orders", auth.RoleUser, newOrderBody(line("A", 1))).Code)

	rr := env.do(t, http.MethodGet, "/api/v1/orders/export/csv", auth.RoleStaff, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/csv", rr.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="orders.csv"`, rr.Header().Get("Content-Disposition"))

	rows := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
	require.Len(t, rows, 2)
	assert.Equal(t, "OrderID,CustomerName,Status,PaymentReceived,CreatedAt", rows[0])
	assert.True(t, strings.HasPrefix(rows[1], "ord_001,Ada Lovelace,PENDING,false,2025-04-01T08:00:"), rows[1])
}

func TestAdminStats(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "A", "Widget A", 3)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/orders", auth.RoleUser, newOrderBody(line("A", 1))).Code)

	rr := env.do(t, http.MethodGet, "/api/v1/admin/stats", auth.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	stats := decode[statsPayload](t, rr)
	assert.Equal(t, 1, stats.Orders.Total)
	assert.Equal(t, 1, stats.Orders.Pending)
	assert.Equal(t, map[string]int{"PENDING": 1, "PAID": 0, "FULFILLED": 0, "CANCELLED": 0}, stats.Orders.ByStatus)
	assert.Equal(t, 1, stats.Inventory.LowStock)
}

func TestIdempotentOrderCreation(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "A", "Widget A", 5)

	first := env.do(t, http.MethodPost, "/api/v1/orders", auth.RoleUser, newOrderBody(line("A", 2)), "Idempotency-Key", "order-key-1")
	second := env.do(t, http.MethodPost, "/api/v1/orders", auth.RoleUser, newOrderBody(line("A", 2)), "Idempotency-Key", "order-key-1")
	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get(idempotency.ReplayHeader))

	item, err := env.inventory.GetItem(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, 2, item.Reserved)

	conflict := env.do(t, http.MethodPost, "/api/v1/orders", auth.RoleUser, newOrderBody(line("A", 1)), "Idempotency-Key", "order-key-1")
	assert.Equal(t, http.StatusConflict, conflict.Code)
}

func TestRateLimitReturnsRetryAfter(t *testing.T) {
	env := newTestEnv(t, withRateLimit(2))
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/inventory", auth.RoleUser, nil).Code)
	}
	rr := env.do(t, http.MethodGet, "/api/v1/inventory", auth.RoleUser, nil)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodOptions, "/api/v1/orders", "", nil,
		"Origin", "http://localhost:5173",
		"Access-Control-Request-Method", http.MethodPost)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "http://localhost:5173", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))

	rr = env.do(t, http.MethodOptions, "/api/v1/orders", "", nil,
		"Origin", "https://evil.example",
		"Access-Control-Request-Method", http.MethodPost)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestOrderEventStream(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "A", "Widget A", 5)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/orders", auth.RoleUser, newOrderBody(line("A", 1))).Code)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/orders/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, auth.RoleStaff))
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	rr := env.do(t, http.MethodPatch, "/api/v1/orders/ord_001/status", auth.RoleStaff, map[string]any{"status": "PAID"})
	require.Equal(t, http.StatusOK, rr.Code)

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for eventLine == "" || dataLine == "" {
		text, err := reader.ReadString('\n')
		require.NoError(t, err)
		text = strings.TrimSpace(text)
		switch {
		case strings.HasPrefix(text, "event: "):
			eventLine = strings.TrimPrefix(text, "event: ")
		case strings.HasPrefix(text, "data: ") && eventLine != "":
			dataLine = strings.TrimPrefix(text, "data: ")
		}
	}
	assert.Equal(t, services.OrderStatusUpdatedEvent, eventLine)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(dataLine), &payload))
	assert.Equal(t, "ord_001", payload["orderId"])
	assert.Equal(t, string(domain.OrderStatusPaid), payload["status"])
	assert.Equal(t, string(domain.OrderStatusPending), payload["previousStatus"])
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, rr)["status"])

	rr = env.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

type fixedReport domain.HealthReport

func (f fixedReport) Collect(context.Context) domain.HealthReport { return domain.HealthReport(f) }

func TestReadyzReportsDegradedDependencies(t *testing.T) {
	h := NewHealthHandlers(WithReadiness(fixedReport{
		Status: domain.HealthStatusDegraded,
		Checks: map[string]domain.HealthCheck{"store": {Status: domain.HealthStatusDegraded, Detail: "ping failed"}},
	}))
	rr := httptest.NewRecorder()
	h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	body := decode[map[string]any](t, rr)
	assert.Equal(t, "degraded", body["status"])
}
