package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tillhouse/internal/entity"
	"tillhouse/internal/events"
	"tillhouse/pkg/domain"
	"tillhouse/pkg/platform/sentinel"
)

// sqlStore holds the SQL shared by the Postgres and SQLite stores. Queries are
// written with ? placeholders and rebound for Postgres.
type sqlStore struct {
	db         *sql.DB
	numbered   bool
	isConflict func(error) bool
	isBusy     func(error) bool
}

const (
	selectColumns = `entity_key, version, data, outbox, created_at_ns, updated_at_ns`

	insertSnapshot = `INSERT INTO entity_snapshots
		(entity_key, kind, partition_key, version, data, outbox, created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_key) DO NOTHING`

	updateSnapshot = `UPDATE entity_snapshots
		SET version = ?, data = ?, outbox = ?, updated_at_ns = ?
		WHERE entity_key = ? AND version = ?`
)

func (s *sqlStore) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Load(ctx context.Context, key domain.Key) (entity.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+selectColumns+` FROM entity_snapshots WHERE entity_key = ?`), string(key))
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Snapshot{}, sentinel.ErrNotFound
	}
	if err != nil {
		return entity.Snapshot{}, s.classify(err, "load snapshot")
	}
	return snap, nil
}

func (s *sqlStore) Save(ctx context.Context, snap entity.Snapshot, expectedVersion uint64) error {
	if err := entity.CheckSave(snap, expectedVersion); err != nil {
		return err
	}
	outbox, err := encodeOutbox(snap.Outbox)
	if err != nil {
		return err
	}
	data := string(snap.Data)
	if data == "" {
		data = "null"
	}

	var res sql.Result
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx, s.rebind(insertSnapshot),
			string(snap.Key), snap.Key.Kind(), snap.Key.Partition(), int64(snap.Version),
			data, outbox, snap.CreatedAt.UnixNano(), snap.UpdatedAt.UnixNano())
	} else {
		res, err = s.db.ExecContext(ctx, s.rebind(updateSnapshot),
			int64(snap.Version), data, outbox, snap.UpdatedAt.UnixNano(),
			string(snap.Key), int64(expectedVersion))
	}
	if err != nil {
		return s.classify(err, "save snapshot")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save snapshot rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrConflict
	}
	return nil
}

func (s *sqlStore) Keys(ctx context.Context, prefix string) ([]domain.Key, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT entity_key FROM entity_snapshots WHERE entity_key LIKE ? ESCAPE '\' ORDER BY entity_key`),
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, s.classify(err, "list keys")
	}
	defer rows.Close()

	var keys []domain.Key
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, domain.Key(k))
	}
	return keys, rows.Err()
}

func (s *sqlStore) queryMany(ctx context.Context, query string, args ...any) ([]entity.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.classify(err, "load snapshots")
	}
	defer rows.Close()

	var out []entity.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *sqlStore) classify(err error, op string) error {
	switch {
	case s.isConflict != nil && s.isConflict(err):
		return sentinel.ErrConflict
	case s.isBusy != nil && s.isBusy(err):
		return fmt.Errorf("%s: %w: %v", op, sentinel.ErrUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (entity.Snapshot, error) {
	var (
		key              string
		version          int64
		data, outbox     []byte
		created, updated int64
	)
	if err := row.Scan(&key, &version, &data, &outbox, &created, &updated); err != nil {
		return entity.Snapshot{}, err
	}
	snap := entity.Snapshot{
		Key:       domain.Key(key),
		Version:   uint64(version),
		Data:      json.RawMessage(data),
		CreatedAt: time.Unix(0, created).UTC(),
		UpdatedAt: time.Unix(0, updated).UTC(),
	}
	if len(outbox) > 0 {
		if err := json.Unmarshal(outbox, &snap.Outbox); err != nil {
			return entity.Snapshot{}, fmt.Errorf("decode outbox: %w", err)
		}
	}
	if len(snap.Outbox) == 0 {
		snap.Outbox = nil
	}
	return snap, nil
}

func encodeOutbox(outbox []events.Envelope) (string, error) {
	if len(outbox) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(outbox)
	if err != nil {
		return "", fmt.Errorf("encode outbox: %w", err)
	}
	return string(raw), nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func keyStrings(keys []domain.Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out
}
