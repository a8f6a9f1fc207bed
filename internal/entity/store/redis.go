package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"tillhouse/internal/entity"
	"tillhouse/pkg/domain"
	"tillhouse/pkg/platform/sentinel"
)

const defaultRedisPrefix = "tillhouse:entity:"

// RedisStore keeps each snapshot as a JSON string value. Saves use WATCH and
// MULTI so the version check and the write are atomic.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix namespaces stored keys, letting tests share one database.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func NewRedis(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) redisKey(key domain.Key) string {
	return s.prefix + string(key)
}

func (s *RedisStore) Load(ctx context.Context, key domain.Key) (entity.Snapshot, error) {
	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return entity.Snapshot{}, sentinel.ErrNotFound
	}
	if err != nil {
		return entity.Snapshot{}, fmt.Errorf("redis get snapshot: %w", err)
	}
	return decodeSnapshot(raw)
}

func (s *RedisStore) Save(ctx context.Context, snap entity.Snapshot, expectedVersion uint64) error {
	if err := entity.CheckSave(snap, expectedVersion); err != nil {
		return err
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	rk := s.redisKey(snap.Key)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, rk).Bytes()
		var stored uint64
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("redis get snapshot: %w", err)
		default:
			prev, err := decodeSnapshot(current)
			if err != nil {
				return err
			}
			stored = prev.Version
		}
		if stored != expectedVersion {
			return sentinel.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rk, raw, 0)
			return nil
		})
		return err
	}, rk)

	if errors.Is(err, redis.TxFailedErr) {
		return sentinel.ErrConflict
	}
	if err != nil && !errors.Is(err, sentinel.ErrConflict) {
		return fmt.Errorf("redis save snapshot: %w", err)
	}
	return err
}

func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]domain.Key, error) {
	match := escapeGlob(s.prefix+prefix) + "*"
	var keys []domain.Key
	iter := s.client.Scan(ctx, 0, match, 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, domain.Key(strings.TrimPrefix(iter.Val(), s.prefix)))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan keys: %w", err)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

func (s *RedisStore) LoadMany(ctx context.Context, keys []domain.Key) ([]entity.Snapshot, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	rks := make([]string, len(keys))
	for i, k := range keys {
		rks[i] = s.redisKey(k)
	}
	vals, err := s.client.MGet(ctx, rks...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget snapshots: %w", err)
	}
	out := make([]entity.Snapshot, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		snap, err := decodeSnapshot([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func decodeSnapshot(raw []byte) (entity.Snapshot, error) {
	var snap entity.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return entity.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
