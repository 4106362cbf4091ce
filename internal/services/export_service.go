package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/stockroom/api/internal/repositories"
)

const (
	csvTimestampLayout    = "2006-01-02T15:04:05.000Z"
	exportContentType     = "text/csv"
	defaultArchiveTimeout = 30 * time.Second
)

var csvHeader = []string{"OrderID", "CustomerName", "Status", "PaymentReceived", "CreatedAt"}

// ExportArchiver persists a copy of a rendered export.
type ExportArchiver interface {
	ArchiveExport(ctx context.Context, objectPath, contentType string, data []byte) error
}

// OrderExportServiceDeps bundles collaborators for the CSV exporter.
// ArchiveTimeout bounds each upload and defaults to 30s.
type OrderExportServiceDeps struct {
	Orders         repositories.OrderRepository
	Archiver       ExportArchiver
	ArchiveTimeout time.Duration
	Clock          func() time.Time
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type orderExportService struct {
	orders         repositories.OrderRepository
	archiver       ExportArchiver
	archiveTimeout time.Duration
	clock          func() time.Time
	logger         func(context.Context, string, map[string]any)
	pending        sync.WaitGroup
}

// NewOrderExportService constructs the CSV exporter. Archiver is optional.
func NewOrderExportService(deps OrderExportServiceDeps) (OrderExportService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order export service: order repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	timeout := deps.ArchiveTimeout
	if timeout <= 0 {
		timeout = defaultArchiveTimeout
	}
	return &orderExportService{
		orders:         deps.Orders,
		archiver:       deps.Archiver,
		archiveTimeout: timeout,
		clock:          clock,
		logger:         logger,
	}, nil
}

// ExportCSV renders every order oldest first. Output depends only on stored state, so two
// exports with no writes in between are byte-identical.
func (s *orderExportService) ExportCSV(ctx context.Context) ([]byte, error) {
	orders, err := s.orders.List(ctx, repositories.OrderListQuery{})
	if err != nil {
		return nil, mapOrderError(err)
	}
	sort.SliceStable(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("order export: write header: %w", err)
	}
	for _, order := range orders {
		record := []string{
			order.ID,
			order.CustomerName,
			string(order.Status),
			strconv.FormatBool(order.PaymentReceived),
			order.CreatedAt.UTC().Format(csvTimestampLayout),
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("order export: write %s: %w", order.ID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("order export: flush: %w", err)
	}

	data := buf.Bytes()
	s.archive(ctx, data, len(orders))
	return data, nil
}

// archive uploads in the background; the response never waits on the bucket.
func (s *orderExportService) archive(ctx context.Context, data []byte, rows int) {
	if s.archiver == nil {
		return
	}
	objectPath := fmt.Sprintf("exports/orders-%s.csv", s.clock().UTC().Format("20060102T150405.000Z"))
	detached := context.WithoutCancel(ctx)

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		uploadCtx, cancel := context.WithTimeout(detached, s.archiveTimeout)
		defer cancel()
		if err := s.archiver.ArchiveExport(uploadCtx, objectPath, exportContentType, data); err != nil {
			s.logger(detached, "order.export.archive_failed", map[string]any{
				"object": objectPath,
				"error":  err.Error(),
			})
			return
		}
		s.logger(detached, "order.export.archived", map[string]any{
			"object": objectPath,
			"rows":   rows,
		})
	}()
}

// Close waits for in-flight archive uploads or until ctx is done.
func (s *orderExportService) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
