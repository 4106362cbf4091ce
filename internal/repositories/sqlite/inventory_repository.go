package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/repositories"
)

const inventoryColumns = `product_id, name, quantity, reserved, created_at, updated_at`

// InventoryRepository stores stock records in the inventory table.
type InventoryRepository struct {
	db *sql.DB
}

var _ repositories.InventoryRepository = (*InventoryRepository)(nil)

func (r *InventoryRepository) Insert(ctx context.Context, item domain.InventoryItem) (domain.InventoryItem, error) {
	item.ProductID = strings.TrimSpace(item.ProductID)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO inventory (`+inventoryColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		item.ProductID, item.Name, item.Quantity, item.Reserved,
		toMillis(item.CreatedAt), toMillis(item.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.InventoryItem{}, repositories.NewInventoryError(repositories.InventoryErrorAlreadyExists, item.ProductID,
				fmt.Sprintf("product %s already exists", item.ProductID), err).WithOp("inventory.insert")
		}
		return domain.InventoryItem{}, fmt.Errorf("inventory.insert: %w", err)
	}
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return item, nil
}

func (r *InventoryRepository) Get(ctx context.Context, productID string) (domain.InventoryItem, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+inventoryColumns+` FROM inventory WHERE product_id = ?`, productID)
	item, err := scanInventory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.InventoryItem{}, notFound("inventory.get", productID)
	}
	if err != nil {
		return domain.InventoryItem{}, fmt.Errorf("inventory.get: %w", err)
	}
	return item, nil
}

func (r *InventoryRepository) List(ctx context.Context) ([]domain.InventoryItem, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+inventoryColumns+` FROM inventory ORDER BY product_id`)
	if err != nil {
		return nil, fmt.Errorf("inventory.list: %w", err)
	}
	defer rows.Close()

	var items []domain.InventoryItem
	for rows.Next() {
		item, err := scanInventory(rows)
		if err != nil {
			return nil, fmt.Errorf("inventory.list: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inventory.list: %w", err)
	}
	return items, nil
}

// Reserve increments reserved only while the row still has enough available stock.
func (r *InventoryRepository) Reserve(ctx context.Context, adj repositories.InventoryAdjustment) (domain.InventoryItem, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE inventory SET reserved = reserved + ?, updated_at = ?
		 WHERE product_id = ? AND quantity - reserved >= ?
		 RETURNING `+inventoryColumns,
		adj.Quantity, toMillis(adj.Now), adj.ProductID, adj.Quantity,
	)
	item, err := scanInventory(row)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.InventoryItem{}, fmt.Errorf("inventory.reserve: %w", err)
	}

	current, getErr := r.Get(ctx, adj.ProductID)
	if getErr != nil {
		return domain.InventoryItem{}, withOp(getErr, "inventory.reserve")
	}
	return domain.InventoryItem{}, repositories.NewInsufficientStockError(current.ProductID, current.Name, current.Available(), adj.Quantity).
		WithOp("inventory.reserve")
}

// Release decrements reserved only while at least the released amount is reserved.
func (r *InventoryRepository) Release(ctx context.Context, adj repositories.InventoryAdjustment) (domain.InventoryItem, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE inventory SET reserved = reserved - ?, updated_at = ?
		 WHERE product_id = ? AND reserved >= ?
		 RETURNING `+inventoryColumns,
		adj.Quantity, toMillis(adj.Now), adj.ProductID, adj.Quantity,
	)
	item, err := scanInventory(row)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.InventoryItem{}, fmt.Errorf("inventory.release: %w", err)
	}

	current, getErr := r.Get(ctx, adj.ProductID)
	if getErr != nil {
		return domain.InventoryItem{}, withOp(getErr, "inventory.release")
	}
	return domain.InventoryItem{}, repositories.NewInventoryError(repositories.InventoryErrorOverRelease, current.ProductID,
		fmt.Sprintf("product %s has %d reserved, %d released", current.ProductID, current.Reserved, adj.Quantity), nil).
		WithOp("inventory.release")
}

func (r *InventoryRepository) SetQuantity(ctx context.Context, adj repositories.InventoryAdjustment) (domain.InventoryItem, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE inventory SET quantity = ?, updated_at = ?
		 WHERE product_id = ? AND reserved <= ?
		 RETURNING `+inventoryColumns,
		adj.Quantity, toMillis(adj.Now), adj.ProductID, adj.Quantity,
	)
	item, err := scanInventory(row)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.InventoryItem{}, fmt.Errorf("inventory.setQuantity: %w", err)
	}

	current, getErr := r.Get(ctx, adj.ProductID)
	if getErr != nil {
		return domain.InventoryItem{}, withOp(getErr, "inventory.setQuantity")
	}
	return domain.InventoryItem{}, repositories.NewInventoryError(repositories.InventoryErrorBelowReserved, current.ProductID,
		fmt.Sprintf("product %s has %d reserved, quantity %d rejected", current.ProductID, current.Reserved, adj.Quantity), nil).
		WithOp("inventory.setQuantity")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInventory(row rowScanner) (domain.InventoryItem, error) {
	var (
		item               domain.InventoryItem
		createdAt, updated int64
	)
	if err := row.Scan(&item.ProductID, &item.Name, &item.Quantity, &item.Reserved, &createdAt, &updated); err != nil {
		return domain.InventoryItem{}, err
	}
	item.CreatedAt = fromMillis(createdAt)
	item.UpdatedAt = fromMillis(updated)
	return item, nil
}

func notFound(op, productID string) *repositories.InventoryError {
	return repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, productID,
		fmt.Sprintf("product %s not found", productID), nil).WithOp(op)
}

func withOp(err error, op string) error {
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		return invErr.WithOp(op)
	}
	return err
}
