//go:build integration

package kafka

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tillhouse/internal/events"
	"tillhouse/pkg/domain"
	"tillhouse/pkg/testutil/containers"
)

func TestKafkaBus_PublishSubscribe(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	rp := containers.GetManager().GetRedpanda(t)

	bus, err := New(Config{
		Brokers: []string{rp.Broker},
		Topic:   "tillhouse-events-" + domain.NewID()[:8],
		Group:   "tillhouse-test",
	}, WithLogger(testLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	require.NoError(t, bus.EnsureTopic(ctx))
	require.NoError(t, bus.EnsureTopic(ctx), "ensure is idempotent")

	var mu sync.Mutex
	var got []uint64
	_, err = bus.Subscribe("org-1", "probe", func(_ context.Context, env events.Envelope, _ events.Delivery) error {
		mu.Lock()
		got = append(got, env.SourceVersion)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- bus.Run(runCtx) }()

	for v := uint64(1); v <= 5; v++ {
		env, err := events.NewEnvelope(domain.OrgKey("counter", "org-1", "c"), v, "counter.changed", nil, time.Now())
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, "org-1", env))
	}
	other, err := events.NewEnvelope(domain.OrgKey("counter", "org-2", "c"), 1, "counter.changed", nil, time.Now())
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "org-2", other))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, 30*time.Second, 50*time.Millisecond)

	mu.Lock()
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, got)
	mu.Unlock()

	stop()
	require.NoError(t, <-done)
}
