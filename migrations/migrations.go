package migrations

import "embed"

// FS holds the goose SQL migrations for the mention store.
//
//go:embed *.sql
var FS embed.FS
