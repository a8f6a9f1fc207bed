// Package actor hosts entity actors: one live activation per key that
// serializes every read and mutation of that key.
//
// Activations are created on first use, load their snapshot lazily, and
// passivate after an idle period. Different keys never share a lock beyond
// the brief registry lookup in their shard.
package actor

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"tillhouse/internal/entity"
	"tillhouse/internal/events"
	"tillhouse/internal/platform/metrics"
	"tillhouse/pkg/domain"
	dErrors "tillhouse/pkg/domain-errors"
	"tillhouse/pkg/requestcontext"
)

const (
	defaultShards      = 64
	defaultIdleTimeout = 5 * time.Minute
	defaultCallTimeout = 10 * time.Second
)

var (
	// ErrUnchanged is returned by a mutation that found nothing to do. The
	// host commits nothing and hands the error back to the caller.
	ErrUnchanged = dErrors.New(dErrors.CodeNoChange, "no change")

	// ErrHostClosed is returned by calls made after Close.
	ErrHostClosed = errors.New("actor host closed")
)

var tracer = otel.Tracer("tillhouse/actor")

// Host owns the activation registry.
type Host struct {
	store     entity.Store
	publisher events.Publisher
	shards    []*shard

	idleTimeout time.Duration
	callTimeout time.Duration
	shardCount  int

	logger  *slog.Logger
	metrics *metrics.Metrics

	closed   atomic.Bool
	stopping chan struct{}
	wg       sync.WaitGroup
}

type shard struct {
	mu   sync.Mutex
	acts map[domain.Key]*activation
}

// Option configures a Host.
type Option func(*Host)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Host) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Host) { h.metrics = m }
}

// WithIdleTimeout sets how long an activation may sit without requests before
// it passivates.
func WithIdleTimeout(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.idleTimeout = d
		}
	}
}

// WithCallTimeout bounds persistence and publication work done for one
// request, independent of the caller's context.
func WithCallTimeout(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.callTimeout = d
		}
	}
}

func WithShards(n int) Option {
	return func(h *Host) {
		if n > 0 {
			h.shardCount = n
		}
	}
}

// NewHost creates a host persisting to store and publishing committed events
// through publisher.
func NewHost(store entity.Store, publisher events.Publisher, opts ...Option) *Host {
	h := &Host{
		store:       store,
		publisher:   publisher,
		idleTimeout: defaultIdleTimeout,
		callTimeout: defaultCallTimeout,
		shardCount:  defaultShards,
		logger:      slog.Default(),
		stopping:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.publisher == nil {
		h.publisher = events.Discard
	}
	h.shards = make([]*shard, h.shardCount)
	for i := range h.shards {
		h.shards[i] = &shard{acts: make(map[domain.Key]*activation)}
	}
	return h
}

func (h *Host) shardFor(key domain.Key) *shard {
	f := fnv.New32a()
	_, _ = f.Write([]byte(key))
	return h.shards[f.Sum32()%uint32(len(h.shards))]
}

// resolve returns the live activation for key, starting one if needed.
func (h *Host) resolve(key domain.Key) (*activation, error) {
	s := h.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.closed.Load() {
		return nil, ErrHostClosed
	}
	if a, ok := s.acts[key]; ok {
		return a, nil
	}
	a := newActivation(h, s, key)
	s.acts[key] = a
	h.wg.Add(1)
	h.metrics.ActivationStarted(key.Kind())
	go a.run()
	return a, nil
}

// Active returns the number of live activations.
func (h *Host) Active() int {
	n := 0
	for _, s := range h.shards {
		s.mu.Lock()
		n += len(s.acts)
		s.mu.Unlock()
	}
	return n
}

type reentrancyKey struct{}

func withKey(ctx context.Context, key domain.Key) context.Context {
	stack, _ := ctx.Value(reentrancyKey{}).([]domain.Key)
	next := make([]domain.Key, len(stack), len(stack)+1)
	copy(next, stack)
	return context.WithValue(ctx, reentrancyKey{}, append(next, key))
}

func inCallTo(ctx context.Context, key domain.Key) bool {
	stack, _ := ctx.Value(reentrancyKey{}).([]domain.Key)
	for _, k := range stack {
		if k == key {
			return true
		}
	}
	return false
}

// call delivers work to the activation for key and waits for its outcome.
func (h *Host) call(ctx context.Context, key domain.Key, op string, work func(context.Context, *activation) error) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if inCallTo(ctx, key) {
		return dErrors.Newf(dErrors.CodeInvariantViolation, "re-entrant call to %s", key)
	}
	start := time.Now()
	ctx, span := tracer.Start(ctx, "actor."+op)
	defer span.End()
	setSpanKey(span, key)

	req := &request{ctx: ctx, op: op, work: work, reply: make(chan error, 1)}
	for {
		a, err := h.resolve(key)
		if err != nil {
			return err
		}
		select {
		case a.mailbox <- req:
		case <-a.done:
			// Passivated between lookup and send; resolve a fresh activation.
			continue
		case <-ctx.Done():
			return dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "entity call not accepted")
		}
		break
	}

	var err error
	select {
	case err = <-req.reply:
	case <-ctx.Done():
		err = dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "entity call outcome unknown")
	}
	h.metrics.ObserveOperation(key.Kind(), op, outcome(err), start)
	recordSpanError(span, err)
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnchanged):
		return "unchanged"
	default:
		return string(dErrors.CodeOf(err))
	}
}

// now returns the request clock, honouring an injected time.
func (h *Host) now(ctx context.Context) time.Time {
	return requestcontext.Now(ctx)
}

// Close passivates every activation and waits for them to stop.
func (h *Host) Close(ctx context.Context) error {
	if h.closed.Swap(true) {
		return nil
	}
	// Serialize with in-flight resolve calls so no activation starts after
	// stopping is closed.
	for _, s := range h.shards {
		s.mu.Lock()
		s.mu.Unlock() //nolint:staticcheck // barrier
	}
	close(h.stopping)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
