package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tillhouse/pkg/domain"
)

// Fire is invoked when the retry scheduled for key is due.
type Fire func(ctx context.Context, key domain.Key) error

// Timer keeps at most one pending wake-up per key. Timers live in memory
// only; owners re-arm them from persisted state after a restart.
type Timer struct {
	mu      sync.Mutex
	pending map[domain.Key]*time.Timer
	stopped bool
	fire    Fire
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewTimer(fire Fire, logger *slog.Logger) *Timer {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Timer{
		pending: make(map[domain.Key]*time.Timer),
		fire:    fire,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

// Schedule arms the timer for key at at, replacing an earlier schedule.
func (t *Timer) Schedule(key domain.Key, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if prev, ok := t.pending[key]; ok {
		prev.Stop()
	}
	var tm *time.Timer
	tm = time.AfterFunc(time.Until(at), func() {
		t.mu.Lock()
		if t.pending[key] != tm || t.stopped {
			t.mu.Unlock()
			return
		}
		delete(t.pending, key)
		t.wg.Add(1)
		t.mu.Unlock()
		defer t.wg.Done()

		if err := t.fire(t.ctx, key); err != nil {
			t.logger.Warn("scheduled retry failed",
				"entity_key", key,
				"error", err,
			)
		}
	})
	t.pending[key] = tm
}

// Cancel drops a pending schedule for key.
func (t *Timer) Cancel(key domain.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tm, ok := t.pending[key]; ok {
		tm.Stop()
		delete(t.pending, key)
	}
}

// Pending returns the number of armed timers.
func (t *Timer) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Stop cancels all schedules and waits for running callbacks.
func (t *Timer) Stop() {
	t.mu.Lock()
	t.stopped = true
	for k, tm := range t.pending {
		tm.Stop()
		delete(t.pending, k)
	}
	t.mu.Unlock()
	t.cancel()
	t.wg.Wait()
}
