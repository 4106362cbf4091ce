package services

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/repositories/memory"
)

type captureArchiver struct {
	paths []string
	data  [][]byte
	err   error
}

func (c *captureArchiver) ArchiveExport(_ context.Context, objectPath, contentType string, data []byte) error {
	if contentType != "text/csv" {
		return errors.New("unexpected content type " + contentType)
	}
	c.paths = append(c.paths, objectPath)
	c.data = append(c.data, append([]byte(nil), data...))
	return c.err
}

func seedOrder(t *testing.T, repo *memory.OrderRepository, id, customer string, status domain.OrderStatus, paid bool, createdAt time.Time) {
	t.Helper()
	err := repo.Insert(context.Background(), domain.Order{
		ID:              id,
		CustomerName:    customer,
		Items:           []domain.OrderLine{{ProductID: "A", Name: "Axle", Quantity: 1}},
		PaymentReceived: paid,
		Status:          status,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	})
	if err != nil {
		t.Fatalf("seed order %s: %v", id, err)
	}
}

func TestOrderExportServiceRendersSortedCSV(t *testing.T) {
	repo := memory.NewOrderRepository()
	base := time.Date(2025, 1, 2, 3, 4, 5, 678_000_000, time.UTC)
	seedOrder(t, repo, "ord_b", "Bob", domain.OrderStatusPaid, true, base)
	seedOrder(t, repo, "ord_a", "Smith, Alice", domain.OrderStatusPending, false, base)
	seedOrder(t, repo, "ord_c", `Carl "C" Jr`, domain.OrderStatusCancelled, false, base.Add(-time.Hour))

	svc, err := NewOrderExportService(OrderExportServiceDeps{Orders: repo})
	if err != nil {
		t.Fatalf("new export service: %v", err)
	}
	data, err := svc.ExportCSV(context.Background())
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	want := strings.Join([]string{
		"OrderID,CustomerName,Status,PaymentReceived,CreatedAt",
		`ord_c,"Carl ""C"" Jr",CANCELLED,false,2025-01-02T02:04:05.678Z`,
		`ord_a,"Smith, Alice",PENDING,false,2025-01-02T03:04:05.678Z`,
		"ord_b,Bob,PAID,true,2025-01-02T03:04:05.678Z",
		"",
	}, "\n")
	if string(data) != want {
		t.Fatalf("unexpected csv:\n%s\nwant:\n%s", data, want)
	}

	again, err := svc.ExportCSV(context.Background())
	if err != nil {
		t.Fatalf("second export: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Fatalf("exports without writes in between must be identical")
	}
}

func TestOrderExportServiceEmptyHasHeaderOnly(t *testing.T) {
	svc, err := NewOrderExportService(OrderExportServiceDeps{Orders: memory.NewOrderRepository()})
	if err != nil {
		t.Fatalf("new export service: %v", err)
	}
	data, err := svc.ExportCSV(context.Background())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if string(data) != "OrderID,CustomerName,Status,PaymentReceived,CreatedAt\n" {
		t.Fatalf("unexpected csv %q", data)
	}
}

func TestOrderExportServiceArchivesBestEffort(t *testing.T) {
	repo := memory.NewOrderRepository()
	seedOrder(t, repo, "ord_a", "Ada", domain.OrderStatusPending, false, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC))
	archiver := &captureArchiver{err: errors.New("bucket missing")}
	logs := &captureLogs{}

	svc, err := NewOrderExportService(OrderExportServiceDeps{
		Orders:   repo,
		Archiver: archiver,
		Clock: func() time.Time {
			return time.Date(2025, 6, 7, 8, 9, 10, 0, time.UTC)
		},
		Logger: logs.log,
	})
	if err != nil {
		t.Fatalf("new export service: %v", err)
	}
	data, err := svc.ExportCSV(context.Background())
	if err != nil {
		t.Fatalf("archive failures must not fail the export: %v", err)
	}
	if err := svc.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(archiver.paths) != 1 || archiver.paths[0] != "exports/orders-20250607T080910.000Z.csv" {
		t.Fatalf("unexpected archive paths %v", archiver.paths)
	}
	if !bytes.Equal(archiver.data[0], data) {
		t.Fatalf("archived bytes differ from response")
	}
	if logs.count("order.export.archive_failed") != 1 {
		t.Fatalf("expected archive failure to be logged")
	}
}

type blockingArchiver struct {
	release chan struct{}
	done    chan error
}

func (b *blockingArchiver) ArchiveExport(ctx context.Context, _, _ string, _ []byte) error {
	select {
	case <-b.release:
		b.done <- nil
		return nil
	case <-ctx.Done():
		b.done <- ctx.Err()
		return ctx.Err()
	}
}

func TestOrderExportServiceDoesNotWaitForArchive(t *testing.T) {
	repo := memory.NewOrderRepository()
	seedOrder(t, repo, "ord_a", "Ada", domain.OrderStatusPending, false, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC))
	archiver := &blockingArchiver{release: make(chan struct{}), done: make(chan error, 1)}

	svc, err := NewOrderExportService(OrderExportServiceDeps{Orders: repo, Archiver: archiver, ArchiveTimeout: time.Minute})
	if err != nil {
		t.Fatalf("new export service: %v", err)
	}

	returned := make(chan struct{})
	go func() {
		defer close(returned)
		if _, err := svc.ExportCSV(context.Background()); err != nil {
			t.Errorf("export: %v", err)
		}
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("export waited on a stalled archive upload")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := svc.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected close to time out while the upload is pending, got %v", err)
	}

	close(archiver.release)
	if err := svc.Close(context.Background()); err != nil {
		t.Fatalf("close after release: %v", err)
	}
	if err := <-archiver.done; err != nil {
		t.Fatalf("upload finished with %v", err)
	}
}

func TestOrderExportServiceBoundsArchiveUpload(t *testing.T) {
	repo := memory.NewOrderRepository()
	archiver := &blockingArchiver{release: make(chan struct{}), done: make(chan error, 1)}
	logs := &captureLogs{}

	svc, err := NewOrderExportService(OrderExportServiceDeps{
		Orders:         repo,
		Archiver:       archiver,
		ArchiveTimeout: 20 * time.Millisecond,
		Logger:         logs.log,
	})
	if err != nil {
		t.Fatalf("new export service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := svc.ExportCSV(ctx); err != nil {
		t.Fatalf("export: %v", err)
	}
	cancel()

	if err := <-archiver.done; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the upload deadline to fire, got %v", err)
	}
	if err := svc.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if logs.count("order.export.archive_failed") != 1 {
		t.Fatalf("expected the timed out upload to be logged")
	}
}
