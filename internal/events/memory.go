package events

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"tillhouse/internal/platform/metrics"
)

// MemoryBus is an in-process Bus. Each subscription keeps one FIFO queue and
// worker per partition it has seen, so events of one tenant reach a handler in
// publish order while tenants progress independently. A handler error
// redelivers the same event after a capped exponential delay; later events of
// that partition wait behind it.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string]*memorySub
	closed bool

	pendingMu sync.Mutex
	pending   int

	ctx    context.Context
	cancel context.CancelFunc

	initialInterval time.Duration
	maxInterval     time.Duration
	maxAttempts     int

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// MemoryOption configures a MemoryBus.
type MemoryOption func(*MemoryBus)

func WithMemoryLogger(logger *slog.Logger) MemoryOption {
	return func(b *MemoryBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithMemoryMetrics(m *metrics.Metrics) MemoryOption {
	return func(b *MemoryBus) { b.metrics = m }
}

// WithRedeliveryBackoff sets the first redelivery delay and its cap.
func WithRedeliveryBackoff(initial, max time.Duration) MemoryOption {
	return func(b *MemoryBus) {
		if initial > 0 {
			b.initialInterval = initial
		}
		if max >= initial && max > 0 {
			b.maxInterval = max
		}
	}
}

// WithMaxAttempts drops an event after n failed deliveries. Zero (the default)
// redelivers forever.
func WithMaxAttempts(n int) MemoryOption {
	return func(b *MemoryBus) {
		if n >= 0 {
			b.maxAttempts = n
		}
	}
}

func NewMemoryBus(opts ...MemoryOption) *MemoryBus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &MemoryBus{
		subs:            make(map[string]*memorySub),
		ctx:             ctx,
		cancel:          cancel,
		initialInterval: 50 * time.Millisecond,
		maxInterval:     5 * time.Second,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBus) Publish(ctx context.Context, partition string, env Envelope) error {
	if partition == "" || partition == AllPartitions {
		return errors.New("publish requires a concrete partition")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	b.metrics.IncPublished(env.Type)
	for _, sub := range b.subs {
		if Matches(sub.partition, partition) {
			sub.enqueue(partition, env)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(partition, name string, h Handler) (Subscription, error) {
	if partition == "" {
		return nil, errors.New("subscribe requires a partition")
	}
	if h == nil {
		return nil, errors.New("subscribe requires a handler")
	}
	if name == "" {
		name = "anonymous"
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	ctx, cancel := context.WithCancel(b.ctx)
	sub := &memorySub{
		bus:       b,
		id:        uuid.NewString(),
		name:      name,
		partition: partition,
		handler:   h,
		queues:    make(map[string]*partitionQueue),
		ctx:       ctx,
		cancel:    cancel,
	}
	b.subs[sub.id] = sub
	return sub, nil
}

func (b *MemoryBus) Unsubscribe(s Subscription) error {
	if s == nil {
		return nil
	}
	b.mu.Lock()
	sub, ok := b.subs[s.ID()]
	delete(b.subs, s.ID())
	b.mu.Unlock()
	if ok {
		sub.stop()
	}
	return nil
}

// Close stops every subscription worker. Publishing afterwards fails with
// ErrBusClosed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*memorySub, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = map[string]*memorySub{}
	b.mu.Unlock()

	b.cancel()
	for _, s := range subs {
		s.stop()
	}
	return nil
}

// Flush blocks until every published event has been acknowledged or dropped,
// or ctx is done.
func (b *MemoryBus) Flush(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		if b.Pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Pending returns the number of queued or in-flight deliveries.
func (b *MemoryBus) Pending() int {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return b.pending
}

func (b *MemoryBus) addPending(n int) {
	b.pendingMu.Lock()
	b.pending += n
	b.pendingMu.Unlock()
}

func (b *MemoryBus) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.initialInterval
	bo.MaxInterval = b.maxInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	return bo
}

type memorySub struct {
	bus       *MemoryBus
	id        string
	name      string
	partition string
	handler   Handler

	mu      sync.Mutex
	queues  map[string]*partitionQueue
	stopped bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *memorySub) ID() string        { return s.id }
func (s *memorySub) Name() string      { return s.name }
func (s *memorySub) Partition() string { return s.partition }

type partitionQueue struct {
	partition string
	items     []Envelope
	wake      chan struct{}
}

func (s *memorySub) enqueue(partition string, env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	q, ok := s.queues[partition]
	if !ok {
		q = &partitionQueue{partition: partition, wake: make(chan struct{}, 1)}
		s.queues[partition] = q
		s.wg.Add(1)
		go s.run(q)
	}
	q.items = append(q.items, env)
	s.bus.addPending(1)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (s *memorySub) next(q *partitionQueue) (Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(q.items) == 0 {
		return Envelope{}, false
	}
	env := q.items[0]
	q.items[0] = Envelope{}
	q.items = q.items[1:]
	return env, true
}

func (s *memorySub) run(q *partitionQueue) {
	defer s.wg.Done()
	for {
		env, ok := s.next(q)
		if !ok {
			select {
			case <-s.ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		s.deliver(q.partition, env)
		s.bus.addPending(-1)
		if s.ctx.Err() != nil {
			return
		}
	}
}

// deliver retries env until the handler acks, attempts run out, or the
// subscription stops.
func (s *memorySub) deliver(partition string, env Envelope) {
	b := s.bus
	bo := b.newBackoff()
	for attempt := 1; ; attempt++ {
		d := Delivery{
			Partition: partition,
			Attempt:   attempt,
			Token:     s.id + "/" + env.EventID + "/" + strconv.Itoa(attempt),
		}
		err := Invoke(s.ctx, s.name, s.handler, env, d)
		if err == nil {
			b.metrics.IncDelivered(s.name)
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		if b.maxAttempts > 0 && attempt >= b.maxAttempts {
			b.metrics.IncDeadLettered(s.name)
			b.logger.Error("dropping event after max delivery attempts",
				"subscriber", s.name,
				"event_id", env.EventID,
				"event_type", env.Type,
				"tenant", env.Tenant,
				"attempts", attempt,
				"error", err,
			)
			return
		}
		b.metrics.IncRedelivered(s.name)
		wait := bo.NextBackOff()
		b.logger.Warn("event handler failed; redelivering",
			"subscriber", s.name,
			"event_id", env.EventID,
			"event_type", env.Type,
			"attempt", attempt,
			"retry_in", wait,
			"error", err,
		)
		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *memorySub) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	var dropped int
	for _, q := range s.queues {
		dropped += len(q.items)
		q.items = nil
	}
	s.mu.Unlock()
	s.bus.addPending(-dropped)
}
