// Package entity defines the persisted form of an entity actor and the
// Durable Entity Store contract the actor host depends on.
package entity

//go:generate mockgen -source=entity.go -destination=mocks/mocks.go -package=mocks Store,Lister

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tillhouse/internal/events"
	"tillhouse/pkg/domain"
	"tillhouse/pkg/platform/sentinel"
)

// Snapshot is the durable state of one entity.
//
// Version starts at 1 for the first committed mutation and grows by exactly 1
// per commit. A never-created entity has no snapshot and reads as version 0.
//
// Outbox holds events emitted by commits whose publication has not been
// confirmed yet. They are written atomically with the state and republished
// when the entity is activated again.
type Snapshot struct {
	Key       domain.Key        `json:"key"`
	Version   uint64            `json:"version"`
	Data      json.RawMessage   `json:"data"`
	Outbox    []events.Envelope `json:"outbox,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Store loads and saves snapshots with an optimistic version check.
type Store interface {
	// Load returns sentinel.ErrNotFound for a key that was never saved.
	Load(ctx context.Context, key domain.Key) (Snapshot, error)
	// Save persists snap only if the stored version equals expectedVersion
	// (0 meaning absent). Otherwise it returns sentinel.ErrConflict and
	// leaves the stored snapshot untouched.
	Save(ctx context.Context, snap Snapshot, expectedVersion uint64) error
}

// Lister is implemented by stores that can enumerate keys. It is used for
// recovery scans, never on a command path.
type Lister interface {
	// Keys returns stored keys starting with prefix, in ascending order.
	Keys(ctx context.Context, prefix string) ([]domain.Key, error)
	// LoadMany returns the snapshots that exist among keys; missing keys are
	// skipped.
	LoadMany(ctx context.Context, keys []domain.Key) ([]Snapshot, error)
}

// CheckSave validates the shape of a save request before a store touches its
// backend.
func CheckSave(snap Snapshot, expectedVersion uint64) error {
	if err := snap.Key.Validate(); err != nil {
		return err
	}
	if snap.Version != expectedVersion+1 {
		return fmt.Errorf("%w: snapshot version %d does not follow expected version %d",
			sentinel.ErrInvalidState, snap.Version, expectedVersion)
	}
	return nil
}
