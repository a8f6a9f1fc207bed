package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"tillhouse/internal/entity"
	"tillhouse/internal/events"
	"tillhouse/pkg/domain"
	dErrors "tillhouse/pkg/domain-errors"
	"tillhouse/pkg/platform/sentinel"
	"tillhouse/pkg/requestcontext"
)

type request struct {
	ctx   context.Context
	op    string
	work  func(context.Context, *activation) error
	reply chan error
}

// activation is the single live instance of one entity. Only its run
// goroutine touches snap, pending, loaded and stale.
type activation struct {
	host  *Host
	shard *shard
	key   domain.Key

	// mailbox is unbuffered: a send succeeds only while run is receiving, so
	// nothing is accepted after the activation starts to passivate.
	mailbox chan *request
	done    chan struct{}

	loaded bool
	// stale forces a reload after a failed save whose outcome is uncertain or
	// lost to a concurrent writer.
	stale   bool
	snap    entity.Snapshot
	pending []events.Envelope
}

func newActivation(h *Host, s *shard, key domain.Key) *activation {
	return &activation{
		host:    h,
		shard:   s,
		key:     key,
		mailbox: make(chan *request),
		done:    make(chan struct{}),
	}
}

func (a *activation) run() {
	defer a.host.wg.Done()
	idle := a.host.newIdleTimer()
	defer idle.Stop()

	for {
		select {
		case req := <-a.mailbox:
			a.handle(req)
			idle.Reset(a.host.idleTimeout)
		case <-idle.C:
			a.passivate()
			return
		case <-a.host.stopping:
			a.passivate()
			return
		}
	}
}

func (a *activation) handle(req *request) {
	if err := req.ctx.Err(); err != nil {
		req.reply <- dErrors.Wrap(err, dErrors.CodeTimeout, "entity call abandoned")
		return
	}
	// Work already accepted runs to completion even if the caller goes away,
	// bounded by the host call timeout.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.ctx), a.host.callTimeout)
	defer cancel()
	ctx = withKey(ctx, a.key)

	if err := a.ensureLoaded(ctx); err != nil {
		req.reply <- err
		return
	}
	req.reply <- a.safely(ctx, req.work)
}

func (a *activation) safely(ctx context.Context, work func(context.Context, *activation) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.host.logger.Error("entity operation panicked",
				"entity_key", a.key,
				"panic", fmt.Sprint(r),
			)
			err = dErrors.Newf(dErrors.CodeInternal, "entity operation panicked: %v", r)
		}
	}()
	return work(ctx, a)
}

func (a *activation) ensureLoaded(ctx context.Context) error {
	if a.loaded && !a.stale {
		return nil
	}
	snap, err := a.host.store.Load(ctx, a.key)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		snap = entity.Snapshot{Key: a.key}
	case err != nil:
		a.host.logger.Error("failed to load entity",
			"entity_key", a.key,
			"error", err,
		)
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "load entity")
	}
	a.snap = snap
	a.pending = append([]events.Envelope(nil), snap.Outbox...)
	a.loaded = true
	a.stale = false
	a.publishPending(ctx)
	return nil
}

// emitted is an event recorded by a mutation, payload already encoded.
type emitted struct {
	eventType string
	payload   json.RawMessage
}

// commit persists data as the next version together with the outbox, then
// publishes. The in-memory snapshot only advances after a successful save.
func (a *activation) commit(ctx context.Context, data json.RawMessage, evs []emitted) (entity.Snapshot, error) {
	now := a.host.now(ctx)
	next := entity.Snapshot{
		Key:       a.key,
		Version:   a.snap.Version + 1,
		Data:      data,
		CreatedAt: a.snap.CreatedAt,
		UpdatedAt: now,
	}
	if a.snap.Version == 0 {
		next.CreatedAt = now
	}

	outbox := make([]events.Envelope, 0, len(a.pending)+len(evs))
	outbox = append(outbox, a.pending...)
	for _, e := range evs {
		env, err := events.NewEnvelope(a.key, next.Version, e.eventType, e.payload, now)
		if err != nil {
			return entity.Snapshot{}, dErrors.Wrap(err, dErrors.CodeInternal, "build event")
		}
		env.RequestID = requestcontext.RequestID(ctx)
		outbox = append(outbox, env)
	}
	if len(outbox) > 0 {
		next.Outbox = outbox
	}

	if err := a.host.store.Save(ctx, next, a.snap.Version); err != nil {
		a.stale = true
		if errors.Is(err, sentinel.ErrConflict) {
			a.host.metrics.IncVersionConflict(a.key.Kind())
			a.host.logger.Warn("entity version conflict",
				"entity_key", a.key,
				"expected_version", a.snap.Version,
			)
			return entity.Snapshot{}, dErrors.Wrap(err, dErrors.CodeConflict, "entity was modified concurrently")
		}
		a.host.logger.Error("failed to persist entity",
			"entity_key", a.key,
			"version", next.Version,
			"error", err,
		)
		return entity.Snapshot{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "persist entity")
	}

	a.snap = next
	a.pending = outbox
	a.publishPending(ctx)
	return next, nil
}

// publishPending publishes outbox entries in order and stops at the first
// failure so a partition never sees a later event before an earlier one.
func (a *activation) publishPending(ctx context.Context) {
	sent := 0
	for _, env := range a.pending {
		if err := a.host.publisher.Publish(ctx, env.Tenant, env); err != nil {
			a.host.metrics.IncOutboxPublishFailure(a.key.Kind())
			a.host.logger.Warn("failed to publish entity event; left in outbox",
				"entity_key", a.key,
				"event_id", env.EventID,
				"event_type", env.Type,
				"error", err,
			)
			break
		}
		sent++
	}
	if sent == 0 {
		return
	}
	rest := a.pending[sent:]
	a.pending = append([]events.Envelope(nil), rest...)
}

func (a *activation) passivate() {
	if len(a.pending) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), a.host.callTimeout)
		a.publishPending(ctx)
		cancel()
	}
	a.shard.mu.Lock()
	if a.shard.acts[a.key] == a {
		delete(a.shard.acts, a.key)
	}
	a.shard.mu.Unlock()
	close(a.done)
	a.host.metrics.ActivationStopped(a.key.Kind())
}
