package audit

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	byTenant map[string][]Record
	seen     map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byTenant: make(map[string][]Record),
		seen:     make(map[string]struct{}),
	}
}

func (s *MemoryStore) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[rec.EventID]; dup {
		return nil
	}
	s.seen[rec.EventID] = struct{}{}
	s.byTenant[rec.Tenant] = append(s.byTenant[rec.Tenant], rec)
	return nil
}

func (s *MemoryStore) List(_ context.Context, tenant string, f Filter) ([]Record, error) {
	s.mu.RLock()
	all := s.byTenant[tenant]
	out := make([]Record, 0, len(all))
	for _, rec := range all {
		if f.Category != "" && rec.Category != f.Category {
			continue
		}
		if f.Type != "" && rec.Type != f.Type {
			continue
		}
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].EventID > out[j].EventID
		}
		return out[i].OccurredAt.After(out[j].OccurredAt)
	})
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
