package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"tillhouse/internal/events"
	"tillhouse/pkg/domain"
)

func TestRecordRoundTrip(t *testing.T) {
	env, err := events.NewEnvelope(domain.OrgKey("payment", "org-1", "p-1"), 3, "payment.completed",
		map[string]int{"amount_minor": 50}, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, err)

	rec, err := encodeRecord("tillhouse-events", "org-1", env)
	require.NoError(t, err)
	assert.Equal(t, []byte("org-1"), rec.Key)
	assert.Equal(t, "tillhouse-events", rec.Topic)
	assert.Contains(t, rec.Headers, kgo.RecordHeader{Key: headerEventType, Value: []byte("payment.completed")})

	partition, got, err := decodeRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, "org-1", partition)
	assert.Equal(t, env.EventID, got.EventID)
	assert.Equal(t, env.SourceVersion, got.SourceVersion)
	assert.JSONEq(t, string(env.Payload), string(got.Payload))
	assert.True(t, env.OccurredAt.Equal(got.OccurredAt))
}

func TestDecodeRecordRejectsMalformed(t *testing.T) {
	_, _, err := decodeRecord(&kgo.Record{Value: []byte(`{}`)})
	require.Error(t, err)

	_, _, err = decodeRecord(&kgo.Record{Key: []byte("org-1"), Value: []byte(`not json`)})
	require.Error(t, err)
}

// newOfflineBus builds a bus without a client for exercising dispatch.
func newOfflineBus(opts ...Option) *Bus {
	b := &Bus{
		subs:            make(map[string]*subscription),
		initialInterval: time.Millisecond,
		maxInterval:     2 * time.Millisecond,
	}
	b.logger = testLogger()
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func TestProcessPartitionStopsAtUnackedRecord(t *testing.T) {
	b := newOfflineBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen []string
	_, err := b.Subscribe(events.AllPartitions, "probe", func(_ context.Context, env events.Envelope, _ events.Delivery) error {
		seen = append(seen, env.Type)
		if env.Type == "poison" {
			cancel()
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, err)

	recs := make([]*kgo.Record, 0, 3)
	for i, typ := range []string{"a", "poison", "c"} {
		env, err := events.NewEnvelope(domain.OrgKey("x", "org-1", "1"), uint64(i+1), typ, nil, time.Now())
		require.NoError(t, err)
		rec, err := encodeRecord("t", "org-1", env)
		require.NoError(t, err)
		rec.Offset = int64(i)
		recs = append(recs, rec)
	}

	last := b.processPartition(ctx, recs)
	require.NotNil(t, last)
	assert.Equal(t, int64(0), last.Offset)
	assert.Equal(t, []string{"a", "poison"}, seen)
}

func TestDeliverRetriesUntilAck(t *testing.T) {
	b := newOfflineBus()
	attempts := 0
	s := &subscription{name: "flaky", partition: "org-1", handler: func(_ context.Context, _ events.Envelope, d events.Delivery) error {
		attempts++
		if d.Attempt < 3 {
			return errors.New("not yet")
		}
		return nil
	}}
	ok := b.deliver(context.Background(), s, "org-1", "0/1", events.Envelope{EventID: "e-1", Type: "t"})
	assert.True(t, ok)
	assert.Equal(t, 3, attempts)
}

func TestDeliverGivesUpAfterMaxAttempts(t *testing.T) {
	b := newOfflineBus(WithMaxAttempts(2))
	attempts := 0
	s := &subscription{name: "broken", partition: "org-1", handler: func(context.Context, events.Envelope, events.Delivery) error {
		attempts++
		return errors.New("always")
	}}
	ok := b.deliver(context.Background(), s, "org-1", "0/1", events.Envelope{EventID: "e-1", Type: "t"})
	assert.True(t, ok, "dropped records are committed")
	assert.Equal(t, 2, attempts)
}

func TestPartitionFilter(t *testing.T) {
	b := newOfflineBus()
	_, err := b.Subscribe("org-1", "one", func(context.Context, events.Envelope, events.Delivery) error { return nil })
	require.NoError(t, err)
	_, err = b.Subscribe(events.AllPartitions, "all", func(context.Context, events.Envelope, events.Delivery) error { return nil })
	require.NoError(t, err)

	assert.Len(t, b.matching("org-1"), 2)
	assert.Len(t, b.matching("org-2"), 1)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Topic: "t", Group: "g"})
	require.Error(t, err)
	_, err = New(Config{Brokers: []string{"localhost:9092"}})
	require.Error(t, err)
}
