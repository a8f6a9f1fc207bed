package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"tillhouse/internal/index/recent"
	"tillhouse/internal/platform/metrics"
	dErrors "tillhouse/pkg/domain-errors"
)

// rejectionCodes are the outcomes of a follow-on command that redelivery can
// never change. Anything else (unavailable, timeout, conflict, internal) is
// retried by the transport.
var rejectionCodes = map[dErrors.Code]bool{
	dErrors.CodeValidation:         true,
	dErrors.CodeBadRequest:         true,
	dErrors.CodeInvalidInput:       true,
	dErrors.CodeNotFound:           true,
	dErrors.CodeAlreadyExists:      true,
	dErrors.CodePreconditionFailed: true,
	dErrors.CodeNoChange:           true,
	dErrors.CodeExhausted:          true,
	dErrors.CodeInvariantViolation: true,
	dErrors.CodeForbidden:          true,
}

// IsRejection reports whether err is a business rejection by the target
// entity rather than an infrastructure failure.
func IsRejection(err error) bool {
	var de *dErrors.Error
	if !errors.As(err, &de) {
		return false
	}
	return rejectionCodes[de.Code]
}

// Resilient wraps h so that downstream rejections are logged and acknowledged
// instead of stalling the partition. Infrastructure errors are returned for
// redelivery.
func Resilient(name string, h Handler, logger *slog.Logger, m *metrics.Metrics) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, env Envelope, d Delivery) error {
		err := h(ctx, env, d)
		if err == nil || !IsRejection(err) {
			return err
		}
		code := dErrors.CodeOf(err)
		m.IncRejection(name, string(code))
		logger.Warn("downstream command rejected",
			"subscriber", name,
			"event_id", env.EventID,
			"event_type", env.Type,
			"tenant", env.Tenant,
			"code", code,
			"error", err,
		)
		return nil
	}
}

// Deduper drops deliveries whose EventID was recently handled successfully.
// It is a cheap first line of defence; handlers stay idempotent on their own
// natural token because the recency window is bounded.
type Deduper struct {
	mu   sync.Mutex
	seen *recent.Set
}

func NewDeduper(capacity int) *Deduper {
	return &Deduper{seen: recent.New(capacity)}
}

// Seen reports whether id is in the window.
func (d *Deduper) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen.Contains(id)
}

// Mark records id and reports whether it was new.
func (d *Deduper) Mark(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen.TryAdd(id)
}

func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen.Len()
}

// Wrap returns a handler that skips known event ids and records an id only
// after h acknowledges it, so a failed attempt is still redelivered.
func (d *Deduper) Wrap(name string, h Handler, m *metrics.Metrics) Handler {
	return func(ctx context.Context, env Envelope, del Delivery) error {
		if env.EventID != "" && d.Seen(env.EventID) {
			m.IncDuplicate(name)
			return nil
		}
		if err := h(ctx, env, del); err != nil {
			return err
		}
		if env.EventID != "" {
			d.Mark(env.EventID)
		}
		return nil
	}
}

// Subscriber describes one named consumer of the bus.
type Subscriber struct {
	Name      string
	Partition string
	Handler   Handler
}

// Group subscribes several consumers and unsubscribes them together.
type Group struct {
	bus  Bus
	subs []Subscription
}

// SubscribeAll registers every subscriber on bus. On error the subscriptions
// made so far are removed.
func SubscribeAll(bus Bus, subscribers ...Subscriber) (*Group, error) {
	g := &Group{bus: bus}
	for _, s := range subscribers {
		sub, err := bus.Subscribe(s.Partition, s.Name, s.Handler)
		if err != nil {
			_ = g.Close()
			return nil, err
		}
		g.subs = append(g.subs, sub)
	}
	return g, nil
}

func (g *Group) Close() error {
	var errs []error
	for _, s := range g.subs {
		if err := g.bus.Unsubscribe(s); err != nil {
			errs = append(errs, err)
		}
	}
	g.subs = nil
	return errors.Join(errs...)
}
