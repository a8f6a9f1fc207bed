// Package sqlite embeds the goose migrations for the SQLite entity snapshots
// and audit trail.
package sqlite

import "embed"

//go:embed *.sql
var FS embed.FS
