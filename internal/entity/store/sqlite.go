package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"tillhouse/internal/entity"
	"tillhouse/pkg/domain"
)

// SQLiteStore persists snapshots in a single SQLite file. It suits single-node
// deployments and tests.
type SQLiteStore struct {
	sqlStore
}

// NewSQLite wraps an open modernc sqlite *sql.DB. Call MigrateSQLite first.
func NewSQLite(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{sqlStore{
		db:         db,
		isConflict: isConstraintError,
		isBusy:     isBusyError,
	}}
}

func (s *SQLiteStore) LoadMany(ctx context.Context, keys []domain.Key) ([]entity.Snapshot, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = string(k)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	return s.queryMany(ctx,
		`SELECT `+selectColumns+` FROM entity_snapshots WHERE entity_key IN (`+placeholders+`) ORDER BY entity_key`,
		args...)
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}
