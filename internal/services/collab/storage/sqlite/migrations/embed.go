package migrations

import "embed"

// FS contains embedded SQLite migrations for document snapshots.
//
//go:embed *.sql
var FS embed.FS
