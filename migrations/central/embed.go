// Package central embeds the goose migrations for the central node database.
package central

import "embed"

// FS contains the SQL migration files applied at startup.
//
//go:embed *.sql
var FS embed.FS
