package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "tillhouse/pkg/domain-errors"
)

func TestResilient(t *testing.T) {
	env := testEnvelope(t, "org-1", 1)

	t.Run("rejection is acknowledged", func(t *testing.T) {
		h := Resilient("redeem", func(context.Context, Envelope, Delivery) error {
			return dErrors.New(dErrors.CodePreconditionFailed, "insufficient balance")
		}, nil, nil)
		assert.NoError(t, h(context.Background(), env, Delivery{Attempt: 1}))
	})

	t.Run("infrastructure failure is redelivered", func(t *testing.T) {
		infra := dErrors.Wrap(errors.New("dial tcp"), dErrors.CodeUnavailable, "store unavailable")
		h := Resilient("redeem", func(context.Context, Envelope, Delivery) error { return infra }, nil, nil)
		assert.ErrorIs(t, h(context.Background(), env, Delivery{Attempt: 1}), infra)
	})

	t.Run("plain error is redelivered", func(t *testing.T) {
		h := Resilient("redeem", func(context.Context, Envelope, Delivery) error { return errors.New("x") }, nil, nil)
		assert.Error(t, h(context.Background(), env, Delivery{Attempt: 1}))
	})
}

func TestDeduper(t *testing.T) {
	env := testEnvelope(t, "org-1", 1)
	d := NewDeduper(10)

	calls := 0
	fail := true
	h := d.Wrap("sub", func(context.Context, Envelope, Delivery) error {
		calls++
		if fail {
			return errors.New("transient")
		}
		return nil
	}, nil)

	require.Error(t, h(context.Background(), env, Delivery{Attempt: 1}))
	assert.False(t, d.Seen(env.EventID), "failed delivery must not be recorded")

	fail = false
	require.NoError(t, h(context.Background(), env, Delivery{Attempt: 2}))
	require.NoError(t, h(context.Background(), env, Delivery{Attempt: 3}))

	assert.Equal(t, 2, calls, "duplicate after ack is skipped")
	assert.Equal(t, 1, d.Len())
}

func TestRouter(t *testing.T) {
	var got []string
	r := NewRouter(nil, nil).
		Register("a", func(_ context.Context, env Envelope, _ Delivery) error {
			got = append(got, "a")
			return nil
		})

	require.NoError(t, r.Handle(context.Background(), Envelope{Type: "a"}, Delivery{}))
	require.NoError(t, r.Handle(context.Background(), Envelope{Type: "unknown"}, Delivery{}))
	assert.Equal(t, []string{"a"}, got)
}

func TestOn_MalformedPayloadIsRejection(t *testing.T) {
	h := On(func(context.Context, Envelope, struct{ N int }) error { return nil })
	err := h(context.Background(), Envelope{Type: "x", Payload: []byte(`{"N":"nope"}`)}, Delivery{})
	require.Error(t, err)
	assert.True(t, IsRejection(err))
}

type fakeBus struct {
	*MemoryBus
	failOn string
}

func (f *fakeBus) Subscribe(partition, name string, h Handler) (Subscription, error) {
	if name == f.failOn {
		return nil, errors.New("refused")
	}
	return f.MemoryBus.Subscribe(partition, name, h)
}

func TestSubscribeAll_RollsBackOnError(t *testing.T) {
	bus := &fakeBus{MemoryBus: NewMemoryBus(), failOn: "second"}
	defer bus.Close()
	noop := func(context.Context, Envelope, Delivery) error { return nil }

	_, err := SubscribeAll(bus,
		Subscriber{Name: "first", Partition: AllPartitions, Handler: noop},
		Subscriber{Name: "second", Partition: AllPartitions, Handler: noop},
	)
	require.Error(t, err)

	bus.MemoryBus.mu.Lock()
	defer bus.MemoryBus.mu.Unlock()
	assert.Empty(t, bus.MemoryBus.subs)
}
