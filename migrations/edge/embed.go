// Package edge embeds the goose migrations for the edge node database.
package edge

import "embed"

// FS contains the SQL migration files applied at startup.
//
//go:embed *.sql
var FS embed.FS
