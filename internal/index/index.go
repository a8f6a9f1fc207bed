// Package index implements secondary index actors: derived-key lookup tables
// kept beside primary entities and updated only by explicit calls.
//
// An index is an ordinary entity actor, so every Register, Unregister, Lookup
// and Query against one index key is serialized. It is not transactional with
// the primary entity; callers choose per index whether a lookup re-validates
// the owner or trusts the cached summary.
package index

import (
	"context"
	"errors"
	"sort"
	"time"

	"tillhouse/internal/actor"
	"tillhouse/internal/index/recent"
	"tillhouse/internal/platform/metrics"
	"tillhouse/pkg/domain"
	dErrors "tillhouse/pkg/domain-errors"
)

// Entry maps one derived key to a denormalized summary of its owner.
type Entry[T any] struct {
	Key   string `json:"key"`
	Owner string `json:"owner"`
	// Scopes restrict filtered lookups, e.g. the sites a user may sign in at.
	Scopes       []string  `json:"scopes,omitempty"`
	Summary      T         `json:"summary"`
	RegisteredAt time.Time `json:"registered_at"`
}

// HasScope reports whether the entry is visible in scope. An empty scope
// matches every entry.
func (e Entry[T]) HasScope(scope string) bool {
	if scope == "" {
		return true
	}
	for _, s := range e.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type state[T any] struct {
	Entries map[string]Entry[T] `json:"entries"`
	Applied *recent.Set         `json:"applied,omitempty"`
}

// Index is a typed handle to one index activation.
type Index[T any] struct {
	ref        actor.Ref[state[T]]
	name       string
	maxEntries int
	recentCap  int
	metrics    *metrics.Metrics
}

// Option configures an Index.
type Option func(*options)

type options struct {
	maxEntries int
	recentCap  int
	metrics    *metrics.Metrics
}

// WithMaxEntries bounds the index. Registering beyond the bound evicts the
// oldest entries by registration time.
func WithMaxEntries(n int) Option {
	return func(o *options) { o.maxEntries = n }
}

// WithRecentCapacity sizes the applied-message window used by RegisterOnce.
func WithRecentCapacity(n int) Option {
	return func(o *options) { o.recentCap = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New returns the index stored under key. The key's kind names the index in
// logs and metrics.
func New[T any](h *actor.Host, key domain.Key, opts ...Option) *Index[T] {
	o := options{recentCap: recent.DefaultCapacity}
	for _, opt := range opts {
		opt(&o)
	}
	return &Index[T]{
		ref:        actor.NewRef[state[T]](h, key),
		name:       key.Kind(),
		maxEntries: o.maxEntries,
		recentCap:  o.recentCap,
		metrics:    o.metrics,
	}
}

func (ix *Index[T]) Key() domain.Key { return ix.ref.Key() }

// Register maps derivedKey to summary. An existing mapping is replaced, even
// one held by another owner. Other keys of the same owner are left alone.
func (ix *Index[T]) Register(ctx context.Context, derivedKey, owner string, summary T, scopes ...string) error {
	if err := validate(derivedKey, owner); err != nil {
		return err
	}
	_, err := ix.ref.Exec(ctx, func(m *actor.Mutation[state[T]]) error {
		ix.put(m, derivedKey, owner, summary, scopes)
		return nil
	})
	return err
}

// RegisterOnce registers like Register unless messageID was already applied,
// in which case it reports false and changes nothing. The message id and the
// mapping commit together, which makes event-driven projections idempotent.
func (ix *Index[T]) RegisterOnce(ctx context.Context, messageID, derivedKey, owner string, summary T, scopes ...string) (bool, error) {
	if err := validate(derivedKey, owner); err != nil {
		return false, err
	}
	if messageID == "" {
		return false, dErrors.New(dErrors.CodeValidation, "message id is required")
	}
	_, err := ix.ref.Exec(ctx, func(m *actor.Mutation[state[T]]) error {
		if m.State.Applied == nil {
			m.State.Applied = recent.New(ix.recentCap)
		}
		if !m.State.Applied.TryAdd(messageID) {
			return actor.ErrUnchanged
		}
		ix.put(m, derivedKey, owner, summary, scopes)
		return nil
	})
	if errors.Is(err, actor.ErrUnchanged) {
		return false, nil
	}
	return err == nil, err
}

func (ix *Index[T]) put(m *actor.Mutation[state[T]], derivedKey, owner string, summary T, scopes []string) {
	if m.State.Entries == nil {
		m.State.Entries = make(map[string]Entry[T])
	}
	m.State.Entries[derivedKey] = Entry[T]{
		Key:          derivedKey,
		Owner:        owner,
		Scopes:       append([]string(nil), scopes...),
		Summary:      summary,
		RegisteredAt: m.Now,
	}
	ix.evict(m.State)
	ix.metrics.SetIndexEntries(ix.name, len(m.State.Entries))
}

// evict drops the oldest entries once the index exceeds its bound.
func (ix *Index[T]) evict(st *state[T]) {
	over := len(st.Entries) - ix.maxEntries
	if ix.maxEntries <= 0 || over <= 0 {
		return
	}
	ordered := sortedEntries(st.Entries)
	for i := len(ordered) - 1; i >= 0 && over > 0; i-- {
		delete(st.Entries, ordered[i].Key)
		over--
	}
}

// Unregister removes every entry owned by owner and returns how many were
// removed. Summaries already handed to callers are not affected.
func (ix *Index[T]) Unregister(ctx context.Context, owner string) (int, error) {
	if owner == "" {
		return 0, dErrors.New(dErrors.CodeValidation, "owner is required")
	}
	removed := 0
	_, err := ix.ref.Exec(ctx, func(m *actor.Mutation[state[T]]) error {
		for k, e := range m.State.Entries {
			if e.Owner == owner {
				delete(m.State.Entries, k)
				removed++
			}
		}
		if removed == 0 {
			return actor.ErrUnchanged
		}
		ix.metrics.SetIndexEntries(ix.name, len(m.State.Entries))
		return nil
	})
	if errors.Is(err, actor.ErrUnchanged) {
		return 0, nil
	}
	return removed, err
}

// UnregisterKey removes derivedKey only while owner still holds it, so a
// stale cleanup never deletes a mapping another owner has since taken over.
func (ix *Index[T]) UnregisterKey(ctx context.Context, derivedKey, owner string) (bool, error) {
	if err := validate(derivedKey, owner); err != nil {
		return false, err
	}
	_, err := ix.ref.Exec(ctx, func(m *actor.Mutation[state[T]]) error {
		e, ok := m.State.Entries[derivedKey]
		if !ok || e.Owner != owner {
			return actor.ErrUnchanged
		}
		delete(m.State.Entries, derivedKey)
		ix.metrics.SetIndexEntries(ix.name, len(m.State.Entries))
		return nil
	})
	if errors.Is(err, actor.ErrUnchanged) {
		return false, nil
	}
	return err == nil, err
}

// Lookup returns the entry for derivedKey visible in scope ("" for any).
func (ix *Index[T]) Lookup(ctx context.Context, derivedKey, scope string) (Entry[T], error) {
	if derivedKey == "" {
		return Entry[T]{}, dErrors.New(dErrors.CodeValidation, "derived key is required")
	}
	v, err := ix.ref.Read(ctx)
	if err != nil {
		return Entry[T]{}, err
	}
	e, ok := v.State.Entries[derivedKey]
	if !ok || !e.HasScope(scope) {
		return Entry[T]{}, dErrors.Newf(dErrors.CodeNotFound, "%s entry not found", ix.name)
	}
	return e, nil
}

// Len returns the number of entries.
func (ix *Index[T]) Len(ctx context.Context) (int, error) {
	v, err := ix.ref.Read(ctx)
	if err != nil {
		return 0, err
	}
	return len(v.State.Entries), nil
}

// Query selects entries for a page. Counters are evaluated over the filtered
// set and Total counts it, all from the same read.
type Query[T any] struct {
	Filter   func(Entry[T]) bool
	Counters map[string]func(Entry[T]) bool
	Offset   int
	Limit    int
}

// Page is one slice of a query result, newest first.
type Page[T any] struct {
	Entries []Entry[T]
	Total   int
	Counts  map[string]int
	Offset  int
	Limit   int
}

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Query scans the index. Ordering is by registration time descending, then
// derived key ascending, so pages are stable between identical reads.
func (ix *Index[T]) Query(ctx context.Context, q Query[T]) (Page[T], error) {
	if q.Offset < 0 {
		return Page[T]{}, dErrors.New(dErrors.CodeValidation, "offset must not be negative")
	}
	limit := q.Limit
	switch {
	case limit <= 0:
		limit = defaultLimit
	case limit > maxLimit:
		limit = maxLimit
	}

	v, err := ix.ref.Read(ctx)
	if err != nil {
		return Page[T]{}, err
	}

	page := Page[T]{Counts: make(map[string]int, len(q.Counters)), Offset: q.Offset, Limit: limit}
	for name := range q.Counters {
		page.Counts[name] = 0
	}
	var matched []Entry[T]
	for _, e := range sortedEntries(v.State.Entries) {
		if q.Filter != nil && !q.Filter(e) {
			continue
		}
		matched = append(matched, e)
		for name, count := range q.Counters {
			if count(e) {
				page.Counts[name]++
			}
		}
	}
	page.Total = len(matched)
	if q.Offset < len(matched) {
		end := min(q.Offset+limit, len(matched))
		page.Entries = matched[q.Offset:end]
	}
	return page, nil
}

func sortedEntries[T any](entries map[string]Entry[T]) []Entry[T] {
	out := make([]Entry[T], 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.After(out[j].RegisteredAt)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func validate(derivedKey, owner string) error {
	if derivedKey == "" {
		return dErrors.New(dErrors.CodeValidation, "derived key is required")
	}
	if owner == "" {
		return dErrors.New(dErrors.CodeValidation, "owner is required")
	}
	return nil
}
