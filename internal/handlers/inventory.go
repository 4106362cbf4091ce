package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stockroom/api/internal/platform/auth"
	"github.com/stockroom/api/internal/platform/httpx"
	"github.com/stockroom/api/internal/services"
)

// InventoryHandlers serves /inventory.
type InventoryHandlers struct {
	authn      *auth.Authenticator
	inventory  services.InventoryService
	idempotent func(http.Handler) http.Handler
}

// NewInventoryHandlers wires the handlers; idempotent may be nil.
func NewInventoryHandlers(authn *auth.Authenticator, inventory services.InventoryService, idempotent func(http.Handler) http.Handler) *InventoryHandlers {
	if idempotent == nil {
		idempotent = passthrough
	}
	return &InventoryHandlers{authn: authn, inventory: inventory, idempotent: idempotent}
}

func (h *InventoryHandlers) Routes(r chi.Router) {
	staff := h.authn.RequireAuth(auth.RoleAdmin, auth.RoleStaff)
	member := h.authn.RequireAuth(auth.RoleAdmin, auth.RoleStaff, auth.RoleUser)

	r.With(staff, h.idempotent).Post("/", h.addItem)
	r.With(member).Get("/", h.listItems)
	r.With(staff).Put("/{productID}", h.setQuantity)
}

type addItemRequest struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
}

type setQuantityRequest struct {
	Quantity *int `json:"quantity"`
}

type inventoryPayload struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	Reserved  int    `json:"reserved"`
	Available int    `json:"available"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

func buildInventoryPayload(item services.InventoryItem) inventoryPayload {
	return inventoryPayload{
		ProductID: item.ProductID,
		Name:      item.Name,
		Quantity:  item.Quantity,
		Reserved:  item.Reserved,
		Available: item.Available(),
		UpdatedAt: formatTime(item.UpdatedAt),
	}
}

func (h *InventoryHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req addItemRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	item, err := h.inventory.AddItem(ctx, services.AddInventoryItemCommand{
		ProductID: req.ProductID,
		Name:      req.Name,
		Quantity:  req.Quantity,
		ActorID:   auth.ActorID(ctx),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, buildInventoryPayload(item))
}

func (h *InventoryHandlers) listItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	items, err := h.inventory.ListItems(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	payload := make([]inventoryPayload, 0, len(items))
	for _, item := range items {
		payload = append(payload, buildInventoryPayload(item))
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}

func (h *InventoryHandlers) setQuantity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req setQuantityRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	if req.Quantity == nil {
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", "quantity is required", http.StatusBadRequest))
		return
	}
	item, err := h.inventory.SetQuantity(ctx, services.SetInventoryQuantityCommand{
		ProductID: chi.URLParam(r, "productID"),
		Quantity:  *req.Quantity,
		ActorID:   auth.ActorID(ctx),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildInventoryPayload(item))
}
