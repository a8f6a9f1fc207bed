package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBreakerStartsClosed(t *testing.T) {
	b := New("payment-gateway")

	assert.Equal(t, "payment-gateway", b.Name())
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

// step is one recorded outcome and the state expected afterwards.
type step struct {
	fail     bool
	wantOpen bool
}

func TestBreakerTransitions(t *testing.T) {
	tests := []struct {
		name  string
		opts  []Option
		reset int // reset before this step index, -1 for never
		steps []step
	}{
		{
			name:  "opens on the third consecutive failure",
			opts:  []Option{WithFailureThreshold(3)},
			reset: -1,
			steps: []step{{true, false}, {true, false}, {true, true}},
		},
		{
			name:  "a success clears the failure streak",
			opts:  []Option{WithFailureThreshold(3)},
			reset: -1,
			steps: []step{{true, false}, {true, false}, {false, false}, {true, false}, {true, false}, {true, true}},
		},
		{
			name:  "closes after enough successes while open",
			opts:  []Option{WithFailureThreshold(1), WithSuccessThreshold(2)},
			reset: -1,
			steps: []step{{true, true}, {false, true}, {false, false}},
		},
		{
			name:  "a failure while open restarts the success count",
			opts:  []Option{WithFailureThreshold(1), WithSuccessThreshold(2)},
			reset: -1,
			steps: []step{{true, true}, {false, true}, {true, true}, {false, true}, {false, false}},
		},
		{
			name:  "reset closes an open breaker",
			opts:  []Option{WithFailureThreshold(1)},
			reset: 1,
			steps: []step{{true, true}, {true, true}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := New("gateway", tc.opts...)
			for i, s := range tc.steps {
				if i == tc.reset {
					b.Reset()
					require.Equal(t, StateClosed, b.State())
				}
				if s.fail {
					b.RecordFailure()
				} else {
					b.RecordSuccess()
				}
				assert.Equal(t, s.wantOpen, b.IsOpen(), "after step %d", i)
			}
		})
	}
}

func TestBreakerReportsStateChangesOnce(t *testing.T) {
	b := New("gateway", WithFailureThreshold(1), WithSuccessThreshold(1))

	useFallback, change := b.RecordFailure()
	assert.True(t, useFallback)
	assert.True(t, change.Opened)

	useFallback, change = b.RecordFailure()
	assert.True(t, useFallback)
	assert.False(t, change.Opened)

	usePrimary, change := b.RecordSuccess()
	assert.True(t, usePrimary)
	assert.True(t, change.Closed)
}

func TestBreakerAllowsOneProbePerCooldown(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b := New("gateway", WithFailureThreshold(1), WithCooldown(time.Minute), WithClock(func() time.Time { return now }))

	b.RecordFailure()
	assert.False(t, b.Allow(), "open breaker rejects during cooldown")

	now = now.Add(time.Minute)
	assert.True(t, b.Allow(), "first call after cooldown is a probe")
	assert.False(t, b.Allow(), "second call in the same window is rejected")

	b.RecordSuccess()
	assert.True(t, b.Allow())
}
