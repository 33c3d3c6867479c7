// Package migrations embeds the goose SQL migration files applied by
// internal/store.RunMigrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
