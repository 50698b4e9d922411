// Package dbmigrations exposes the embedded SQL migrations for the market binaries.
package dbmigrations

import "embed"

// Files contains the SQL migrations bundled into marketd and migrate.
//
//go:embed *.sql
var Files embed.FS
