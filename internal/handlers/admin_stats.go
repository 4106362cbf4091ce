package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/platform/auth"
	"github.com/stockroom/api/internal/platform/httpx"
	"github.com/stockroom/api/internal/services"
)

// AdminHandlers serves /admin.
type AdminHandlers struct {
	authn *auth.Authenticator
	stats services.StatsService
}

func NewAdminHandlers(authn *auth.Authenticator, stats services.StatsService) *AdminHandlers {
	return &AdminHandlers{authn: authn, stats: stats}
}

func (h *AdminHandlers) Routes(r chi.Router) {
	r.With(h.authn.RequireAuth(auth.RoleAdmin)).Get("/stats", h.systemStats)
}

type recentOrderPayload struct {
	ID           string `json:"id"`
	CustomerName string `json:"customerName"`
	Status       string `json:"status"`
	CreatedAt    string `json:"createdAt"`
}

type statsPayload struct {
	Orders struct {
		Total    int                  `json:"total"`
		Pending  int                  `json:"pending"`
		ByStatus map[string]int       `json:"byStatus"`
		Recent   []recentOrderPayload `json:"recent"`
	} `json:"orders"`
	Inventory struct {
		Total    int                `json:"total"`
		LowStock int                `json:"lowStock"`
		Items    []inventoryPayload `json:"lowStockItems"`
	} `json:"inventory"`
	GeneratedAt string `json:"generatedAt"`
}

func (h *AdminHandlers) systemStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := h.stats.SystemStats(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	var payload statsPayload
	payload.Orders.Total = stats.TotalOrders
	payload.Orders.Pending = stats.PendingOrders
	payload.Orders.ByStatus = make(map[string]int, len(domain.OrderStatuses))
	for _, status := range domain.OrderStatuses {
		payload.Orders.ByStatus[string(status)] = stats.OrdersByStatus[status]
	}
	payload.Orders.Recent = make([]recentOrderPayload, 0, len(stats.RecentOrders))
	for _, order := range stats.RecentOrders {
		payload.Orders.Recent = append(payload.Orders.Recent, recentOrderPayload{
			ID:           order.ID,
			CustomerName: order.CustomerName,
			Status:       string(order.Status),
			CreatedAt:    formatTime(order.CreatedAt),
		})
	}
	payload.Inventory.Total = stats.InventoryItems
	payload.Inventory.LowStock = len(stats.LowStockItems)
	payload.Inventory.Items = make([]inventoryPayload, 0, len(stats.LowStockItems))
	for _, item := range stats.LowStockItems {
		payload.Inventory.Items = append(payload.Inventory.Items, buildInventoryPayload(item))
	}
	payload.GeneratedAt = formatTime(stats.GeneratedAt)

	httpx.WriteJSON(w, http.StatusOK, payload)
}
