// Package kafka carries the event bus over a single Kafka topic. The record
// key is the event partition (tenant), so Kafka's key partitioner keeps each
// tenant's events in order on one topic partition.
//
// Subscriptions are local to the process and share one consumer group. Offsets
// are committed only after every matching subscription has acknowledged a
// record; until then the record is retried in place, and a restart resumes
// from the last committed offset.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"tillhouse/internal/events"
	"tillhouse/internal/platform/metrics"
)

const (
	headerEventType = "event_type"
	headerEventID   = "event_id"
)

type Config struct {
	Brokers []string
	Topic   string
	Group   string
	// Partitions and ReplicationFactor apply when the topic is created.
	Partitions        int32
	ReplicationFactor int16
}

type Bus struct {
	cfg    Config
	client *kgo.Client

	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool

	initialInterval time.Duration
	maxInterval     time.Duration
	maxAttempts     int

	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Bus)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithRedeliveryBackoff sets the in-place retry delay bounds.
func WithRedeliveryBackoff(initial, max time.Duration) Option {
	return func(b *Bus) {
		if initial > 0 {
			b.initialInterval = initial
		}
		if max >= initial && max > 0 {
			b.maxInterval = max
		}
	}
}

// WithMaxAttempts gives up on a record for a subscription after n failures.
// Zero retries until the handler acks or the bus stops.
func WithMaxAttempts(n int) Option {
	return func(b *Bus) {
		if n >= 0 {
			b.maxAttempts = n
		}
	}
}

// New connects to the cluster. It does not start consuming; call Run.
func New(cfg Config, opts ...Option) (*Bus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if cfg.Topic == "" || cfg.Group == "" {
		return nil, errors.New("kafka: topic and group are required")
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 12
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 1
	}
	b := &Bus{
		cfg:             cfg,
		subs:            make(map[string]*subscription),
		initialInterval: 100 * time.Millisecond,
		maxInterval:     10 * time.Second,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumerGroup(cfg.Group),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka: create client: %w", err)
	}
	b.client = client
	return b, nil
}

// EnsureTopic creates the topic if it does not exist yet.
func (b *Bus) EnsureTopic(ctx context.Context) error {
	adm := kadm.NewClient(b.client)
	resp, err := adm.CreateTopics(ctx, b.cfg.Partitions, b.cfg.ReplicationFactor, nil, b.cfg.Topic)
	if err != nil {
		return fmt.Errorf("kafka: create topic %s: %w", b.cfg.Topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("kafka: create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

func (b *Bus) Publish(ctx context.Context, partition string, env events.Envelope) error {
	if partition == "" || partition == events.AllPartitions {
		return errors.New("publish requires a concrete partition")
	}
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return events.ErrBusClosed
	}
	rec, err := encodeRecord(b.cfg.Topic, partition, env)
	if err != nil {
		return err
	}
	if err := b.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("kafka: produce %s: %w", env.Type, err)
	}
	b.metrics.IncPublished(env.Type)
	return nil
}

type subscription struct {
	id        string
	name      string
	partition string
	handler   events.Handler
}

func (s *subscription) ID() string        { return s.id }
func (s *subscription) Name() string      { return s.name }
func (s *subscription) Partition() string { return s.partition }

func (b *Bus) Subscribe(partition, name string, h events.Handler) (events.Subscription, error) {
	if partition == "" {
		return nil, errors.New("subscribe requires a partition")
	}
	if h == nil {
		return nil, errors.New("subscribe requires a handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, events.ErrBusClosed
	}
	s := &subscription{id: uuid.NewString(), name: name, partition: partition, handler: h}
	b.subs[s.id] = s
	return s, nil
}

func (b *Bus) Unsubscribe(sub events.Subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.ID()]; !ok {
		return fmt.Errorf("unknown subscription %s", sub.ID())
	}
	delete(b.subs, sub.ID())
	return nil
}

func (b *Bus) matching(partition string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*subscription
	for _, s := range b.subs {
		if events.Matches(s.partition, partition) {
			out = append(out, s)
		}
	}
	return out
}

// Run consumes until ctx is done or the client is closed. Topic partitions
// of one poll are processed concurrently; records within one are processed
// in order.
func (b *Bus) Run(ctx context.Context) error {
	for {
		fetches := b.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			b.client.AllowRebalance()
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			b.logger.Warn("kafka fetch error",
				"topic", topic,
				"partition", partition,
				"error", err,
			)
		})

		var wg sync.WaitGroup
		var commitMu sync.Mutex
		var done []*kgo.Record
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) == 0 {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				last := b.processPartition(ctx, p.Records)
				if last != nil {
					commitMu.Lock()
					done = append(done, last)
					commitMu.Unlock()
				}
			}()
		})
		wg.Wait()

		if len(done) > 0 {
			if err := b.client.CommitRecords(context.WithoutCancel(ctx), done...); err != nil {
				b.logger.Error("kafka commit failed", "error", err)
			}
		}
		b.client.AllowRebalance()
	}
}

// processPartition handles records in order and returns the last record that
// was fully acknowledged.
func (b *Bus) processPartition(ctx context.Context, records []*kgo.Record) *kgo.Record {
	var last *kgo.Record
	for _, rec := range records {
		if !b.processRecord(ctx, rec) {
			return last
		}
		last = rec
	}
	return last
}

// processRecord delivers rec to every matching subscription and reports
// whether all of them acknowledged it.
func (b *Bus) processRecord(ctx context.Context, rec *kgo.Record) bool {
	partition, env, err := decodeRecord(rec)
	if err != nil {
		b.logger.Error("skipping undecodable record",
			"partition", rec.Partition,
			"offset", rec.Offset,
			"error", err,
		)
		return true
	}
	token := fmt.Sprintf("%d/%d", rec.Partition, rec.Offset)
	for _, s := range b.matching(partition) {
		if !b.deliver(ctx, s, partition, token, env) {
			return false
		}
	}
	return true
}

func (b *Bus) deliver(ctx context.Context, s *subscription, partition, token string, env events.Envelope) bool {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.initialInterval
	bo.MaxInterval = b.maxInterval
	bo.RandomizationFactor = 0.2
	for attempt := 1; ; attempt++ {
		d := events.Delivery{Partition: partition, Attempt: attempt, Token: token}
		err := events.Invoke(ctx, s.name, s.handler, env, d)
		if err == nil {
			b.metrics.IncDelivered(s.name)
			return true
		}
		if ctx.Err() != nil {
			return false
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
			return true
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
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// Close stops producing and consuming. Offsets of unacknowledged records
// stay uncommitted.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.client.Close()
	return nil
}

func encodeRecord(topic, partition string, env events.Envelope) (*kgo.Record, error) {
	value, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("kafka: encode %s: %w", env.Type, err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(partition),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: headerEventType, Value: []byte(env.Type)},
			{Key: headerEventID, Value: []byte(env.EventID)},
		},
	}, nil
}

func decodeRecord(rec *kgo.Record) (string, events.Envelope, error) {
	var env events.Envelope
	if len(rec.Key) == 0 {
		return "", env, errors.New("record has no partition key")
	}
	if err := json.Unmarshal(rec.Value, &env); err != nil {
		return "", env, fmt.Errorf("decode envelope: %w", err)
	}
	return string(rec.Key), env, nil
}
