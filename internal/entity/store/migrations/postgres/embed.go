// Package postgres embeds the goose migrations for the Postgres entity
// snapshots and audit trail.
package postgres

import "embed"

//go:embed *.sql
var FS embed.FS
