package migrations

import "embed"

// FS contains embedded SQLite migrations for the order and inventory tables.
//
//go:embed *.sql
var FS embed.FS
