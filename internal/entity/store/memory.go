// Package store implements entity.Store over memory, Redis, Postgres and
// SQLite.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"tillhouse/internal/entity"
	"tillhouse/internal/events"
	"tillhouse/pkg/domain"
	"tillhouse/pkg/platform/sentinel"
)

// MemoryStore keeps snapshots in a map. Snapshots are copied on the way in and
// out so callers never share backing arrays with the store.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[domain.Key]entity.Snapshot
}

func NewMemory() *MemoryStore {
	return &MemoryStore{snaps: make(map[domain.Key]entity.Snapshot)}
}

func (s *MemoryStore) Load(ctx context.Context, key domain.Key) (entity.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return entity.Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[key]
	if !ok {
		return entity.Snapshot{}, sentinel.ErrNotFound
	}
	return clone(snap), nil
}

func (s *MemoryStore) Save(ctx context.Context, snap entity.Snapshot, expectedVersion uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := entity.CheckSave(snap, expectedVersion); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.snaps[snap.Key]
	var stored uint64
	if ok {
		stored = current.Version
	}
	if stored != expectedVersion {
		return sentinel.ErrConflict
	}
	s.snaps[snap.Key] = clone(snap)
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]domain.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []domain.Key
	for k := range s.snaps {
		if strings.HasPrefix(string(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

func (s *MemoryStore) LoadMany(ctx context.Context, keys []domain.Key) ([]entity.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]entity.Snapshot, 0, len(keys))
	for _, k := range keys {
		if snap, ok := s.snaps[k]; ok {
			out = append(out, clone(snap))
		}
	}
	return out, nil
}

// Len returns the number of stored snapshots.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snaps)
}

func clone(snap entity.Snapshot) entity.Snapshot {
	out := snap
	if snap.Data != nil {
		out.Data = append([]byte(nil), snap.Data...)
	}
	if snap.Outbox != nil {
		out.Outbox = make([]events.Envelope, len(snap.Outbox))
		for i, env := range snap.Outbox {
			env.Payload = append([]byte(nil), env.Payload...)
			out.Outbox[i] = env
		}
	}
	return out
}
