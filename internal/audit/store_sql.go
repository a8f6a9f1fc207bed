package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SQLStore persists records in the audit_events table created by the entity
// store migrations. It serves both Postgres and SQLite.
type SQLStore struct {
	db       *sql.DB
	numbered bool
}

// NewPostgresStore wraps a migrated Postgres pool.
func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, numbered: true}
}

// NewSQLiteStore wraps a migrated SQLite database.
func NewSQLiteStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const insertRecord = `INSERT INTO audit_events
	(event_id, tenant, category, event_type, source, source_version, occurred_at_ns, request_id, payload_digest)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (event_id) DO NOTHING`

func (s *SQLStore) Append(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, s.rebind(insertRecord),
		rec.EventID, rec.Tenant, string(rec.Category), rec.Type, rec.Source,
		int64(rec.SourceVersion), rec.OccurredAt.UnixNano(), rec.RequestID, rec.PayloadDigest)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, tenant string, f Filter) ([]Record, error) {
	var (
		b    strings.Builder
		args = []any{tenant}
	)
	b.WriteString(`SELECT event_id, tenant, category, event_type, source, source_version,
		occurred_at_ns, request_id, payload_digest FROM audit_events WHERE tenant = ?`)
	if f.Category != "" {
		b.WriteString(` AND category = ?`)
		args = append(args, string(f.Category))
	}
	if f.Type != "" {
		b.WriteString(` AND event_type = ?`)
		args = append(args, f.Type)
	}
	b.WriteString(` ORDER BY occurred_at_ns DESC, event_id DESC LIMIT ?`)
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(b.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec      Record
			category string
			version  int64
			atNanos  int64
		)
		if err := rows.Scan(&rec.EventID, &rec.Tenant, &category, &rec.Type, &rec.Source,
			&version, &atNanos, &rec.RequestID, &rec.PayloadDigest); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		rec.Category = Category(category)
		rec.SourceVersion = uint64(version)
		rec.OccurredAt = time.Unix(0, atNanos).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return out, nil
}

func (s *SQLStore) rebind(query string) string {
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
