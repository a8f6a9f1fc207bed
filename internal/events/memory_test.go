package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"tillhouse/pkg/domain"
)

type MemoryBusSuite struct {
	suite.Suite
	bus *MemoryBus
}

func TestMemoryBusSuite(t *testing.T) {
	suite.Run(t, new(MemoryBusSuite))
}

func (s *MemoryBusSuite) SetupTest() {
	s.bus = NewMemoryBus(WithRedeliveryBackoff(time.Millisecond, 5*time.Millisecond))
}

func (s *MemoryBusSuite) TearDownTest() {
	s.Require().NoError(s.bus.Close())
}

func (s *MemoryBusSuite) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Require().NoError(s.bus.Flush(ctx))
}

func testEnvelope(t require.TestingT, org string, n int) Envelope {
	env, err := NewEnvelope(domain.OrgKey("payment", org, fmt.Sprintf("p-%d", n)), 1, "test.event", map[string]int{"n": n}, time.Now())
	require.NoError(t, err)
	return env
}

type recorder struct {
	mu   sync.Mutex
	seen []Envelope
	atts []int
}

func (r *recorder) handler(ctx context.Context, env Envelope, d Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, env)
	r.atts = append(r.atts, d.Attempt)
	return nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.seen))
	for i, e := range r.seen {
		out[i] = e.EventID
	}
	return out
}

func (s *MemoryBusSuite) TestPublishOrderWithinPartition() {
	rec := &recorder{}
	_, err := s.bus.Subscribe("org-1", "rec", rec.handler)
	s.Require().NoError(err)

	var want []string
	for i := 0; i < 50; i++ {
		env := testEnvelope(s.T(), "org-1", i)
		want = append(want, env.EventID)
		s.Require().NoError(s.bus.Publish(context.Background(), "org-1", env))
	}
	s.flush()

	s.Equal(want, rec.ids())
}

func (s *MemoryBusSuite) TestPartitionFiltering() {
	only1 := &recorder{}
	all := &recorder{}
	_, err := s.bus.Subscribe("org-1", "only1", only1.handler)
	s.Require().NoError(err)
	_, err = s.bus.Subscribe(AllPartitions, "all", all.handler)
	s.Require().NoError(err)

	s.Require().NoError(s.bus.Publish(context.Background(), "org-1", testEnvelope(s.T(), "org-1", 1)))
	s.Require().NoError(s.bus.Publish(context.Background(), "org-2", testEnvelope(s.T(), "org-2", 2)))
	s.flush()

	s.Len(only1.ids(), 1)
	s.Len(all.ids(), 2)
}

func (s *MemoryBusSuite) TestRedeliversUntilAcked() {
	var mu sync.Mutex
	var attempts []int
	_, err := s.bus.Subscribe("org-1", "flaky", func(ctx context.Context, env Envelope, d Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, d.Attempt)
		if d.Attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	s.Require().NoError(err)

	s.Require().NoError(s.bus.Publish(context.Background(), "org-1", testEnvelope(s.T(), "org-1", 1)))
	s.flush()

	mu.Lock()
	defer mu.Unlock()
	s.Equal([]int{1, 2, 3}, attempts)
}

func (s *MemoryBusSuite) TestRedeliveryBlocksLaterEventsOfPartition() {
	first := testEnvelope(s.T(), "org-1", 1)
	second := testEnvelope(s.T(), "org-1", 2)

	var mu sync.Mutex
	var order []string
	_, err := s.bus.Subscribe("org-1", "ordered", func(ctx context.Context, env Envelope, d Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, fmt.Sprintf("%s#%d", env.EventID, d.Attempt))
		if env.EventID == first.EventID && d.Attempt == 1 {
			return errors.New("transient")
		}
		return nil
	})
	s.Require().NoError(err)

	s.Require().NoError(s.bus.Publish(context.Background(), "org-1", first))
	s.Require().NoError(s.bus.Publish(context.Background(), "org-1", second))
	s.flush()

	mu.Lock()
	defer mu.Unlock()
	s.Equal([]string{first.EventID + "#1", first.EventID + "#2", second.EventID + "#1"}, order)
}

func (s *MemoryBusSuite) TestMaxAttemptsDropsEvent() {
	bus := NewMemoryBus(WithRedeliveryBackoff(time.Millisecond, time.Millisecond), WithMaxAttempts(2))
	defer bus.Close()

	var mu sync.Mutex
	calls := 0
	_, err := bus.Subscribe("org-1", "always-fails", func(ctx context.Context, env Envelope, d Delivery) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("boom")
	})
	s.Require().NoError(err)

	s.Require().NoError(bus.Publish(context.Background(), "org-1", testEnvelope(s.T(), "org-1", 1)))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Require().NoError(bus.Flush(ctx))

	mu.Lock()
	defer mu.Unlock()
	s.Equal(2, calls)
}

func (s *MemoryBusSuite) TestPanicIsRedelivered() {
	var mu sync.Mutex
	calls := 0
	_, err := s.bus.Subscribe("org-1", "panics-once", func(ctx context.Context, env Envelope, d Delivery) error {
		mu.Lock()
		calls++
		mu.Unlock()
		if d.Attempt == 1 {
			panic("kaboom")
		}
		return nil
	})
	s.Require().NoError(err)

	s.Require().NoError(s.bus.Publish(context.Background(), "org-1", testEnvelope(s.T(), "org-1", 1)))
	s.flush()

	mu.Lock()
	defer mu.Unlock()
	s.Equal(2, calls)
}

func (s *MemoryBusSuite) TestUnsubscribeStopsDelivery() {
	rec := &recorder{}
	sub, err := s.bus.Subscribe("org-1", "rec", rec.handler)
	s.Require().NoError(err)
	s.Require().NoError(s.bus.Unsubscribe(sub))

	s.Require().NoError(s.bus.Publish(context.Background(), "org-1", testEnvelope(s.T(), "org-1", 1)))
	s.flush()

	s.Empty(rec.ids())
}

func (s *MemoryBusSuite) TestClosedBusRejectsPublish() {
	bus := NewMemoryBus()
	s.Require().NoError(bus.Close())

	err := bus.Publish(context.Background(), "org-1", testEnvelope(s.T(), "org-1", 1))
	s.ErrorIs(err, ErrBusClosed)
	_, err = bus.Subscribe("org-1", "late", (&recorder{}).handler)
	s.ErrorIs(err, ErrBusClosed)
}

func TestMemoryBus_PublishRequiresConcretePartition(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	assert.Error(t, bus.Publish(context.Background(), "", Envelope{}))
	assert.Error(t, bus.Publish(context.Background(), AllPartitions, Envelope{}))
}
