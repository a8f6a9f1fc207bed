package actor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"tillhouse/internal/entity"
	"tillhouse/pkg/domain"
	dErrors "tillhouse/pkg/domain-errors"
)

// View is a read-only copy of an entity's state. It never aliases the
// activation's state.
type View[S any] struct {
	Key       domain.Key
	Version   uint64
	State     S
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Exists reports whether the entity has ever been committed.
func (v View[S]) Exists() bool { return v.Version > 0 }

// Found returns a not-found error for an entity that was never created.
func (v View[S]) Found(kind string) error {
	if v.Exists() {
		return nil
	}
	return dErrors.Newf(dErrors.CodeNotFound, "%s not found", kind)
}

// Mutation is the working copy handed to an Exec function. Changes to State
// are committed only if the function returns nil.
type Mutation[S any] struct {
	Key domain.Key
	// Version is the committed version the mutation starts from.
	Version uint64
	Now     time.Time
	State   *S

	ctx     context.Context
	emitted []emitted
	err     error
}

// Exists reports whether the entity was created before this mutation.
func (m *Mutation[S]) Exists() bool { return m.Version > 0 }

// Context carries request values of the call. It marks the entity as busy, so
// calling back into the same key with it fails instead of deadlocking.
func (m *Mutation[S]) Context() context.Context { return m.ctx }

// RequireNew rejects creation of an entity that already exists.
func (m *Mutation[S]) RequireNew(kind string) error {
	if m.Exists() {
		return dErrors.Newf(dErrors.CodeAlreadyExists, "%s already exists", kind)
	}
	return nil
}

// RequireExisting rejects commands against an entity that was never created.
func (m *Mutation[S]) RequireExisting(kind string) error {
	if !m.Exists() {
		return dErrors.Newf(dErrors.CodePreconditionFailed, "%s not initialized", kind)
	}
	return nil
}

// Emit records a domain event to be written with this commit and published
// after it. Events of a mutation that fails are discarded.
func (m *Mutation[S]) Emit(eventType string, payload any) {
	if m.err != nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		m.err = dErrors.Wrap(err, dErrors.CodeInternal, "encode "+eventType+" event")
		return
	}
	m.emitted = append(m.emitted, emitted{eventType: eventType, payload: raw})
}

// Ref is a typed handle to the entity with a given key. It is cheap to create
// and holds no state of its own.
type Ref[S any] struct {
	host *Host
	key  domain.Key
}

func NewRef[S any](h *Host, key domain.Key) Ref[S] {
	return Ref[S]{host: h, key: key}
}

func (r Ref[S]) Key() domain.Key { return r.key }

// Read returns the committed state. It never persists and never mutates.
func (r Ref[S]) Read(ctx context.Context) (View[S], error) {
	var view View[S]
	err := r.host.call(ctx, r.key, "read", func(_ context.Context, a *activation) error {
		v, err := decodeView[S](a.snap)
		view = v
		return err
	})
	return view, err
}

// Exec runs fn against a fresh copy of the state and commits the result as
// the next version. A non-nil error from fn leaves the entity untouched and
// is returned as is; ErrUnchanged additionally returns the current view.
func (r Ref[S]) Exec(ctx context.Context, fn func(m *Mutation[S]) error) (View[S], error) {
	var view View[S]
	err := r.host.call(ctx, r.key, "exec", func(ctx context.Context, a *activation) error {
		cur, err := decodeView[S](a.snap)
		if err != nil {
			return err
		}
		m := &Mutation[S]{
			Key:     a.key,
			Version: a.snap.Version,
			Now:     a.host.now(ctx),
			State:   &cur.State,
			ctx:     ctx,
		}
		if err := fn(m); err != nil {
			if errors.Is(err, ErrUnchanged) {
				view, _ = decodeView[S](a.snap)
			}
			return err
		}
		if m.err != nil {
			return m.err
		}

		data, err := json.Marshal(m.State)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "encode entity state")
		}
		next, err := a.commit(ctx, data, m.emitted)
		if err != nil {
			return err
		}
		view, err = decodeView[S](next)
		return err
	})
	return view, err
}

func decodeView[S any](snap entity.Snapshot) (View[S], error) {
	v := View[S]{
		Key:       snap.Key,
		Version:   snap.Version,
		CreatedAt: snap.CreatedAt,
		UpdatedAt: snap.UpdatedAt,
	}
	if snap.Version == 0 || len(snap.Data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(snap.Data, &v.State); err != nil {
		return v, dErrors.Wrap(err, dErrors.CodeInternal, "decode entity state")
	}
	return v, nil
}
