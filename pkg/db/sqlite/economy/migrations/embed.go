package migrations

import "embed"

// FS contains embedded SQLite migrations for the economy store.
//
//go:embed *.sql
var FS embed.FS
