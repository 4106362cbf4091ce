package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/repositories"
)

const orderColumns = `o.id, o.customer_name, o.customer_email, o.payment_received, o.status, o.created_at, o.updated_at`

// OrderRepository stores orders and their lines in the orders and order_lines tables.
type OrderRepository struct {
	db *sql.DB
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	return r.inTx(ctx, "orders.insert", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO orders (id, customer_name, customer_email, payment_received, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			order.ID, order.CustomerName, order.CustomerEmail, order.PaymentReceived, string(order.Status),
			toMillis(order.CreatedAt), toMillis(order.UpdatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return repositories.NewOrderError("orders.insert", repositories.OrderErrorAlreadyExists, order.ID, err)
			}
			return err
		}
		return insertLines(ctx, tx, order)
	})
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	orders, err := r.query(ctx, `WHERE o.id = ?`, orderID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("orders.find: %w", err)
	}
	if len(orders) == 0 {
		return domain.Order{}, repositories.NewOrderError("orders.find", repositories.OrderErrorNotFound, orderID, nil)
	}
	return orders[0], nil
}

func (r *OrderRepository) List(ctx context.Context, query repositories.OrderListQuery) ([]domain.Order, error) {
	var (
		orders []domain.Order
		err    error
	)
	if query.Status != "" {
		orders, err = r.query(ctx, `WHERE o.status = ?`, string(query.Status))
	} else {
		orders, err = r.query(ctx, ``)
	}
	if err != nil {
		return nil, fmt.Errorf("orders.list: %w", err)
	}
	return orders, nil
}

// Update rewrites the order only when its stored status still equals expected.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order, expected domain.OrderStatus) error {
	return r.inTx(ctx, "orders.update", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE orders SET customer_name = ?, customer_email = ?, payment_received = ?, status = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			order.CustomerName, order.CustomerEmail, order.PaymentReceived, string(order.Status), toMillis(order.UpdatedAt),
			order.ID, string(expected),
		)
		if err != nil {
			return err
		}
		if err := r.checkAffected(ctx, tx, "orders.update", order.ID, res); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM order_lines WHERE order_id = ?`, order.ID); err != nil {
			return err
		}
		return insertLines(ctx, tx, order)
	})
}

// Delete removes the order only when its stored status still equals expected. Lines cascade.
func (r *OrderRepository) Delete(ctx context.Context, orderID string, expected domain.OrderStatus) error {
	return r.inTx(ctx, "orders.delete", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE id = ? AND status = ?`, orderID, string(expected))
		if err != nil {
			return err
		}
		return r.checkAffected(ctx, tx, "orders.delete", orderID, res)
	})
}

func (r *OrderRepository) checkAffected(ctx context.Context, tx *sql.Tx, op, orderID string, res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM orders WHERE id = ?`, orderID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return repositories.NewOrderError(op, repositories.OrderErrorNotFound, orderID, nil)
	}
	if err != nil {
		return err
	}
	return repositories.NewOrderError(op, repositories.OrderErrorConflict, orderID, nil)
}

func (r *OrderRepository) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		var orderErr *repositories.OrderError
		if errors.As(err, &orderErr) {
			return err
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

// query loads orders with their lines in one pass, newest first.
func (r *OrderRepository) query(ctx context.Context, where string, args ...any) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orderColumns+`, l.product_id, l.name, l.quantity
		 FROM orders o LEFT JOIN order_lines l ON l.order_id = o.id `+where+`
		 ORDER BY o.created_at DESC, o.id DESC, l.position ASC`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		orders []domain.Order
		index  = make(map[string]int)
	)
	for rows.Next() {
		var (
			order              domain.Order
			status             string
			createdAt, updated int64
			productID, name    sql.NullString
			quantity           sql.NullInt64
		)
		if err := rows.Scan(&order.ID, &order.CustomerName, &order.CustomerEmail, &order.PaymentReceived, &status,
			&createdAt, &updated, &productID, &name, &quantity); err != nil {
			return nil, err
		}
		pos, seen := index[order.ID]
		if !seen {
			order.Status = domain.OrderStatus(status)
			order.CreatedAt = fromMillis(createdAt)
			order.UpdatedAt = fromMillis(updated)
			order.Items = []domain.OrderLine{}
			orders = append(orders, order)
			pos = len(orders) - 1
			index[order.ID] = pos
		}
		if productID.Valid {
			orders[pos].Items = append(orders[pos].Items, domain.OrderLine{
				ProductID: productID.String,
				Name:      name.String,
				Quantity:  int(quantity.Int64),
			})
		}
	}
	return orders, rows.Err()
}

func insertLines(ctx context.Context, tx *sql.Tx, order domain.Order) error {
	for i, line := range order.Items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO order_lines (order_id, position, product_id, name, quantity) VALUES (?, ?, ?, ?, ?)`,
			order.ID, i, line.ProductID, line.Name, line.Quantity,
		); err != nil {
			return err
		}
	}
	return nil
}
