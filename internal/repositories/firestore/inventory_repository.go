package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/stockroom/api/internal/domain"
	pfirestore "github.com/stockroom/api/internal/platform/firestore"
	"github.com/stockroom/api/internal/repositories"
)

const inventoryCollection = "inventory"

// InventoryRepository stores one document per product. Every counter mutation reads and
// writes the document inside a transaction, so Firestore's optimistic concurrency retries
// a reservation whose availability check raced another writer.
type InventoryRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.InventoryRepository = (*InventoryRepository)(nil)

func NewInventoryRepository(provider *pfirestore.Provider) (*InventoryRepository, error) {
	if provider == nil {
		return nil, errors.New("inventory repository requires firestore provider")
	}
	return &InventoryRepository{provider: provider}, nil
}

type stockDocument struct {
	Name      string    `firestore:"name"`
	Quantity  int       `firestore:"quantity"`
	Reserved  int       `firestore:"reserved"`
	Available int       `firestore:"available"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func (d stockDocument) toDomain(productID string) domain.InventoryItem {
	return domain.InventoryItem{
		ProductID: productID,
		Name:      d.Name,
		Quantity:  d.Quantity,
		Reserved:  d.Reserved,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}

func (r *InventoryRepository) Insert(ctx context.Context, item domain.InventoryItem) (domain.InventoryItem, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.InventoryItem{}, pfirestore.WrapError("inventory.insert", err)
	}
	productID := strings.TrimSpace(item.ProductID)
	doc := stockDocument{
		Name:      item.Name,
		Quantity:  item.Quantity,
		Reserved:  item.Reserved,
		Available: item.Quantity - item.Reserved,
		CreatedAt: item.CreatedAt.UTC(),
		UpdatedAt: item.UpdatedAt.UTC(),
	}
	if _, err := client.Collection(inventoryCollection).Doc(productID).Create(ctx, doc); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return domain.InventoryItem{}, repositories.NewInventoryError(repositories.InventoryErrorAlreadyExists, productID,
				fmt.Sprintf("product %s already exists", productID), err).WithOp("inventory.insert")
		}
		return domain.InventoryItem{}, pfirestore.WrapError("inventory.insert", err)
	}
	return doc.toDomain(productID), nil
}

func (r *InventoryRepository) Get(ctx context.Context, productID string) (domain.InventoryItem, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.InventoryItem{}, pfirestore.WrapError("inventory.get", err)
	}
	snap, err := client.Collection(inventoryCollection).Doc(productID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return domain.InventoryItem{}, stockNotFound("inventory.get", productID, err)
		}
		return domain.InventoryItem{}, pfirestore.WrapError("inventory.get", err)
	}
	var doc stockDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.InventoryItem{}, fmt.Errorf("decode inventory %s: %w", productID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

func (r *InventoryRepository) List(ctx context.Context) ([]domain.InventoryItem, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("inventory.list", err)
	}
	iter := client.Collection(inventoryCollection).Documents(ctx)
	defer iter.Stop()

	var items []domain.InventoryItem
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("inventory.list", err)
		}
		var doc stockDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode inventory %s: %w", snap.Ref.ID, err)
		}
		items = append(items, doc.toDomain(snap.Ref.ID))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })
	return items, nil
}

func (r *InventoryRepository) Reserve(ctx context.Context, adj repositories.InventoryAdjustment) (domain.InventoryItem, error) {
	return r.mutate(ctx, "inventory.reserve", adj, func(productID string, doc *stockDocument) error {
		if available := doc.Quantity - doc.Reserved; available < adj.Quantity {
			return repositories.NewInsufficientStockError(productID, doc.Name, available, adj.Quantity)
		}
		doc.Reserved += adj.Quantity
		return nil
	})
}

func (r *InventoryRepository) Release(ctx context.Context, adj repositories.InventoryAdjustment) (domain.InventoryItem, error) {
	return r.mutate(ctx, "inventory.release", adj, func(productID string, doc *stockDocument) error {
		if doc.Reserved < adj.Quantity {
			return repositories.NewInventoryError(repositories.InventoryErrorOverRelease, productID,
				fmt.Sprintf("product %s has %d reserved, %d released", productID, doc.Reserved, adj.Quantity), nil)
		}
		doc.Reserved -= adj.Quantity
		return nil
	})
}

func (r *InventoryRepository) SetQuantity(ctx context.Context, adj repositories.InventoryAdjustment) (domain.InventoryItem, error) {
	return r.mutate(ctx, "inventory.setQuantity", adj, func(productID string, doc *stockDocument) error {
		if adj.Quantity < doc.Reserved {
			return repositories.NewInventoryError(repositories.InventoryErrorBelowReserved, productID,
				fmt.Sprintf("product %s has %d reserved, quantity %d rejected", productID, doc.Reserved, adj.Quantity), nil)
		}
		doc.Quantity = adj.Quantity
		return nil
	})
}

func (r *InventoryRepository) mutate(ctx context.Context, op string, adj repositories.InventoryAdjustment, fn func(string, *stockDocument) error) (domain.InventoryItem, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.InventoryItem{}, pfirestore.WrapError(op, err)
	}
	ref := client.Collection(inventoryCollection).Doc(adj.ProductID)

	var result domain.InventoryItem
	err = r.provider.RunTransaction(ctx, op, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return stockNotFound(op, adj.ProductID, err)
			}
			return err
		}
		var doc stockDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode inventory %s: %w", adj.ProductID, err)
		}
		if err := fn(adj.ProductID, &doc); err != nil {
			return err
		}
		doc.Available = doc.Quantity - doc.Reserved
		doc.UpdatedAt = adj.Now.UTC()
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		result = doc.toDomain(adj.ProductID)
		return nil
	})
	if err != nil {
		return domain.InventoryItem{}, unwrapInventoryError(op, err)
	}
	return result, nil
}

func stockNotFound(op, productID string, err error) *repositories.InventoryError {
	return repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, productID,
		fmt.Sprintf("product %s not found", productID), err).WithOp(op)
}

// unwrapInventoryError surfaces typed inventory errors returned from inside a transaction.
func unwrapInventoryError(op string, err error) error {
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		return invErr.WithOp(op)
	}
	return err
}
