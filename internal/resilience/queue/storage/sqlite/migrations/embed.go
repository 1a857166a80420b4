package migrations

import "embed"

// FS contains embedded SQLite migrations for retry queue storage.
//
//go:embed *.sql
var FS embed.FS
