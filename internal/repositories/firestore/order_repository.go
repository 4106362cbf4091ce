package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/stockroom/api/internal/domain"
	pfirestore "github.com/stockroom/api/internal/platform/firestore"
	"github.com/stockroom/api/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository stores orders as documents with embedded line arrays.
type OrderRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{provider: provider}, nil
}

type orderDocument struct {
	CustomerName    string              `firestore:"customerName"`
	CustomerEmail   string              `firestore:"customerEmail,omitempty"`
	Items           []orderLineDocument `firestore:"items"`
	PaymentReceived bool                `firestore:"paymentReceived"`
	Status          string              `firestore:"status"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
}

type orderLineDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	Quantity  int    `firestore:"quantity"`
}

func newOrderDocument(order domain.Order) orderDocument {
	lines := make([]orderLineDocument, len(order.Items))
	for i, line := range order.Items {
		lines[i] = orderLineDocument(line)
	}
	return orderDocument{
		CustomerName:    order.CustomerName,
		CustomerEmail:   order.CustomerEmail,
		Items:           lines,
		PaymentReceived: order.PaymentReceived,
		Status:          string(order.Status),
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	lines := make([]domain.OrderLine, len(d.Items))
	for i, line := range d.Items {
		lines[i] = domain.OrderLine(line)
	}
	return domain.Order{
		ID:              id,
		CustomerName:    d.CustomerName,
		CustomerEmail:   d.CustomerEmail,
		Items:           lines,
		PaymentReceived: d.PaymentReceived,
		Status:          domain.OrderStatus(d.Status),
		CreatedAt:       d.CreatedAt.UTC(),
		UpdatedAt:       d.UpdatedAt.UTC(),
	}
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	if _, err := client.Collection(ordersCollection).Doc(order.ID).Create(ctx, newOrderDocument(order)); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return repositories.NewOrderError("orders.insert", repositories.OrderErrorAlreadyExists, order.ID, err)
		}
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.find", err)
	}
	snap, err := client.Collection(ordersCollection).Doc(orderID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return domain.Order{}, repositories.NewOrderError("orders.find", repositories.OrderErrorNotFound, orderID, err)
		}
		return domain.Order{}, pfirestore.WrapError("orders.find", err)
	}
	return decodeOrder(snap)
}

// List filters by status server-side and sorts newest first in memory, which avoids a
// composite index on (status, createdAt).
func (r *OrderRepository) List(ctx context.Context, query repositories.OrderListQuery) ([]domain.Order, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("orders.list", err)
	}
	q := client.Collection(ordersCollection).Query
	if query.Status != "" {
		q = q.Where("status", "==", string(query.Status))
	}
	iter := q.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("orders.list", err)
		}
		order, err := decodeOrder(snap)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID > orders[j].ID
	})
	return orders, nil
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order, expected domain.OrderStatus) error {
	return r.compareAndApply(ctx, "orders.update", order.ID, expected, func(tx *firestore.Transaction, ref *firestore.DocumentRef) error {
		return tx.Set(ref, newOrderDocument(order))
	})
}

func (r *OrderRepository) Delete(ctx context.Context, orderID string, expected domain.OrderStatus) error {
	return r.compareAndApply(ctx, "orders.delete", orderID, expected, func(tx *firestore.Transaction, ref *firestore.DocumentRef) error {
		return tx.Delete(ref)
	})
}

func (r *OrderRepository) compareAndApply(ctx context.Context, op, orderID string, expected domain.OrderStatus, apply func(*firestore.Transaction, *firestore.DocumentRef) error) error {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return pfirestore.WrapError(op, err)
	}
	ref := client.Collection(ordersCollection).Doc(orderID)
	err = r.provider.RunTransaction(ctx, op, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewOrderError(op, repositories.OrderErrorNotFound, orderID, err)
			}
			return err
		}
		current, err := snap.DataAt("status")
		if err != nil {
			return fmt.Errorf("decode order %s status: %w", orderID, err)
		}
		if current != string(expected) {
			return repositories.NewOrderError(op, repositories.OrderErrorConflict, orderID, nil)
		}
		return apply(tx, ref)
	})
	if err != nil {
		var orderErr *repositories.OrderError
		if errors.As(err, &orderErr) {
			return orderErr
		}
		return err
	}
	return nil
}

func decodeOrder(snap *firestore.DocumentSnapshot) (domain.Order, error) {
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}
