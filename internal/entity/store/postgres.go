package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"tillhouse/internal/entity"
	pgmigrations "tillhouse/internal/entity/store/migrations/postgres"
	sqlitemigrations "tillhouse/internal/entity/store/migrations/sqlite"
	"tillhouse/pkg/domain"
)

// goose keeps its base FS and dialect in package state.
var gooseMu sync.Mutex

// PostgresStore persists snapshots in the entity_snapshots table.
type PostgresStore struct {
	sqlStore
}

// NewPostgres wraps an open pgx-backed *sql.DB. Call MigratePostgres first.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{sqlStore{
		db:         db,
		numbered:   true,
		isConflict: isUniqueViolation,
		isBusy:     isSerializationFailure,
	}}
}

// LoadMany fetches all existing snapshots among keys in one round trip.
func (s *PostgresStore) LoadMany(ctx context.Context, keys []domain.Key) ([]entity.Snapshot, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	return s.queryMany(ctx,
		`SELECT `+selectColumns+` FROM entity_snapshots WHERE entity_key = ANY($1) ORDER BY entity_key`,
		pq.Array(keyStrings(keys)))
}

// MigratePostgres applies the embedded schema: entity snapshots and the
// audit trail.
func MigratePostgres(ctx context.Context, db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(pgmigrations.FS)
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

// MigrateSQLite applies the embedded schema: entity snapshots and the audit
// trail.
func MigrateSQLite(ctx context.Context, db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(sqlitemigrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
