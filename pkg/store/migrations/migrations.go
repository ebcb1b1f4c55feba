// Package migrations embeds the PostgreSQL schema for the dispatch tables.
package migrations

import "embed"

// FS contains the SQL migration files.
//
//go:embed *.sql
var FS embed.FS
