// Package sqlite provides SQLite-backed order and inventory repositories. Reservations are
// expressed as single conditional UPDATE statements so the availability check and the
// counter increment are one atomic storage operation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/stockroom/api/internal/repositories"
	"github.com/stockroom/api/internal/repositories/sqlite/migrations"
)

// Store owns the SQLite handle and exposes the repositories backed by it.
type Store struct {
	db        *sql.DB
	inventory *InventoryRepository
	orders    *OrderRepository
}

var _ repositories.Registry = (*Store)(nil)

// Open opens (or creates) the database at path and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite: storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: run migrations: %w", err)
	}
	return &Store{
		db:        db,
		inventory: &InventoryRepository{db: db},
		orders:    &OrderRepository{db: db},
	}, nil
}

func (s *Store) Inventory() repositories.InventoryRepository { return s.inventory }

func (s *Store) Orders() repositories.OrderRepository { return s.orders }

// Ping verifies the database handle is usable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite: store is not configured")
	}
	return s.db.PingContext(ctx)
}

// Close closes the SQLite handle.
func (s *Store) Close(context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
