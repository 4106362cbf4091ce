package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/repositories"
)

// InventoryRepository keeps stock records in process memory. The map is guarded by an
// RWMutex while each record carries its own mutex, so reserve/release on different
// products never contend.
type InventoryRepository struct {
	mu    sync.RWMutex
	items map[string]*stockEntry
}

type stockEntry struct {
	mu   sync.Mutex
	item domain.InventoryItem
}

var _ repositories.InventoryRepository = (*InventoryRepository)(nil)

// NewInventoryRepository returns an empty in-memory ledger.
func NewInventoryRepository() *InventoryRepository {
	return &InventoryRepository{items: make(map[string]*stockEntry)}
}

func (r *InventoryRepository) Insert(_ context.Context, item domain.InventoryItem) (domain.InventoryItem, error) {
	productID := strings.TrimSpace(item.ProductID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[productID]; exists {
		return domain.InventoryItem{}, repositories.NewInventoryError(repositories.InventoryErrorAlreadyExists, productID,
			fmt.Sprintf("product %s already exists", productID), nil).WithOp("inventory.insert")
	}
	item.ProductID = productID
	r.items[productID] = &stockEntry{item: item}
	return item, nil
}

func (r *InventoryRepository) Get(_ context.Context, productID string) (domain.InventoryItem, error) {
	entry, err := r.entry("inventory.get", productID)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.item, nil
}

func (r *InventoryRepository) List(_ context.Context) ([]domain.InventoryItem, error) {
	r.mu.RLock()
	entries := make([]*stockEntry, 0, len(r.items))
	for _, entry := range r.items {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	items := make([]domain.InventoryItem, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		items = append(items, entry.item)
		entry.mu.Unlock()
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })
	return items, nil
}

func (r *InventoryRepository) Reserve(_ context.Context, adj repositories.InventoryAdjustment) (domain.InventoryItem, error) {
	return r.mutate("inventory.reserve", adj, func(item *domain.InventoryItem) error {
		if available := item.Available(); available < adj.Quantity {
			return repositories.NewInsufficientStockError(item.ProductID, item.Name, available, adj.Quantity)
		}
		item.Reserved += adj.Quantity
		return nil
	})
}

func (r *InventoryRepository) Release(_ context.Context, adj repositories.InventoryAdjustment) (domain.InventoryItem, error) {
	return r.mutate("inventory.release", adj, func(item *domain.InventoryItem) error {
		if item.Reserved < adj.Quantity {
			return repositories.NewInventoryError(repositories.InventoryErrorOverRelease, item.ProductID,
				fmt.Sprintf("product %s has %d reserved, %d released", item.ProductID, item.Reserved, adj.Quantity), nil)
		}
		item.Reserved -= adj.Quantity
		return nil
	})
}

func (r *InventoryRepository) SetQuantity(_ context.Context, adj repositories.InventoryAdjustment) (domain.InventoryItem, error) {
	return r.mutate("inventory.setQuantity", adj, func(item *domain.InventoryItem) error {
		if adj.Quantity < item.Reserved {
			return repositories.NewInventoryError(repositories.InventoryErrorBelowReserved, item.ProductID,
				fmt.Sprintf("product %s has %d reserved, quantity %d rejected", item.ProductID, item.Reserved, adj.Quantity), nil)
		}
		item.Quantity = adj.Quantity
		return nil
	})
}

// mutate applies fn to a working copy under the product lock and commits it only when fn succeeds.
func (r *InventoryRepository) mutate(op string, adj repositories.InventoryAdjustment, fn func(*domain.InventoryItem) error) (domain.InventoryItem, error) {
	entry, err := r.entry(op, adj.ProductID)
	if err != nil {
		return domain.InventoryItem{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	working := entry.item
	if err := fn(&working); err != nil {
		if invErr, ok := err.(*repositories.InventoryError); ok {
			return domain.InventoryItem{}, invErr.WithOp(op)
		}
		return domain.InventoryItem{}, err
	}
	working.UpdatedAt = adj.Now
	entry.item = working
	return working, nil
}

func (r *InventoryRepository) entry(op, productID string) (*stockEntry, error) {
	productID = strings.TrimSpace(productID)
	r.mu.RLock()
	entry, ok := r.items[productID]
	r.mu.RUnlock()
	if !ok {
		return nil, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, productID,
			fmt.Sprintf("product %s not found", productID), nil).WithOp(op)
	}
	return entry, nil
}
