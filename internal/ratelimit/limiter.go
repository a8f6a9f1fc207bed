// Package ratelimit throttles unauthenticated entry points (PIN login, device
// enrollment) with a sliding window per client key.
package ratelimit

import (
	"context"
	"time"
)

// Result describes one admission decision.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Store keeps the sliding windows. AllowN records cost hits under key only
// when they fit within limit for the trailing window.
type Store interface {
	AllowN(ctx context.Context, key string, cost, limit int, window time.Duration) (Result, error)
	Reset(ctx context.Context, key string) error
}

// Limiter applies one limit/window pair to a Store.
type Limiter struct {
	store  Store
	name   string
	limit  int
	window time.Duration
}

// New returns a limiter named for its key namespace, e.g. "login".
func New(store Store, name string, limit int, window time.Duration) *Limiter {
	return &Limiter{store: store, name: name, limit: limit, window: window}
}

func (l *Limiter) Name() string { return l.name }

// Allow records one hit for key.
func (l *Limiter) Allow(ctx context.Context, key string) (Result, error) {
	return l.store.AllowN(ctx, l.name+":"+key, 1, l.limit, l.window)
}

// Reset forgets key's history, e.g. after a successful login.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Reset(ctx, l.name+":"+key)
}
