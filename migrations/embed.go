// Package migrations embeds the Postgres schema so the server and tests can
// migrate without depending on the working directory.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in lexical order.
//
//go:embed *.sql
var FS embed.FS
