package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/suite"

	"tillhouse/internal/entity"
	"tillhouse/internal/events"
	"tillhouse/pkg/domain"
	"tillhouse/pkg/platform/sentinel"
)

type contractStore interface {
	entity.Store
	entity.Lister
}

// StoreContractSuite runs the same checks against every backend. Backend
// suites embed it and set newStore.
type StoreContractSuite struct {
	suite.Suite
	newStore func() contractStore
	store    contractStore
	org      string
}

func (s *StoreContractSuite) SetupTest() {
	s.store = s.newStore()
	s.org = "org-" + domain.NewID()
}

func (s *StoreContractSuite) snapshot(key domain.Key, version uint64, data string) entity.Snapshot {
	now := time.Unix(1_700_000_000, 0).UTC()
	return entity.Snapshot{
		Key:       key,
		Version:   version,
		Data:      json.RawMessage(data),
		CreatedAt: now,
		UpdatedAt: now.Add(time.Duration(version) * time.Second),
	}
}

func (s *StoreContractSuite) TestLoadUnknownKey() {
	_, err := s.store.Load(context.Background(), domain.OrgKey("giftcard", s.org, "missing"))
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *StoreContractSuite) TestSaveAndLoad() {
	ctx := context.Background()
	key := domain.OrgKey("giftcard", s.org, "card-1")
	env, err := events.NewEnvelope(key, 1, "giftcard.issued", map[string]int{"balance": 100}, time.Now().UTC())
	s.Require().NoError(err)

	snap := s.snapshot(key, 1, `{"balance":100}`)
	snap.Outbox = []events.Envelope{env}
	s.Require().NoError(s.store.Save(ctx, snap, 0))

	got, err := s.store.Load(ctx, key)
	s.Require().NoError(err)
	s.Equal(uint64(1), got.Version)
	s.JSONEq(`{"balance":100}`, string(got.Data))
	s.True(snap.UpdatedAt.Equal(got.UpdatedAt))
	s.Require().Len(got.Outbox, 1)
	s.Equal(env.EventID, got.Outbox[0].EventID)
	s.JSONEq(string(env.Payload), string(got.Outbox[0].Payload))
}

func (s *StoreContractSuite) TestSaveRequiresExpectedVersion() {
	ctx := context.Background()
	key := domain.OrgKey("giftcard", s.org, "card-2")
	s.Require().NoError(s.store.Save(ctx, s.snapshot(key, 1, `{"n":1}`), 0))

	s.ErrorIs(s.store.Save(ctx, s.snapshot(key, 1, `{"n":1}`), 0), sentinel.ErrConflict, "create twice")
	s.ErrorIs(s.store.Save(ctx, s.snapshot(key, 3, `{"n":3}`), 2), sentinel.ErrConflict, "stale expected version")

	s.Require().NoError(s.store.Save(ctx, s.snapshot(key, 2, `{"n":2}`), 1))
	got, err := s.store.Load(ctx, key)
	s.Require().NoError(err)
	s.Equal(uint64(2), got.Version)
	s.Empty(got.Outbox)
}

func (s *StoreContractSuite) TestSaveRejectsVersionGap() {
	key := domain.OrgKey("giftcard", s.org, "card-3")
	err := s.store.Save(context.Background(), s.snapshot(key, 5, `{}`), 0)
	s.ErrorIs(err, sentinel.ErrInvalidState)
}

func (s *StoreContractSuite) TestConcurrentCreateHasOneWinner() {
	key := domain.OrgKey("giftcard", s.org, "contended")
	const writers = 10

	var wg sync.WaitGroup
	var ok, conflicts atomic.Int32
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.store.Save(context.Background(), s.snapshot(key, 1, `{}`), 0)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, sentinel.ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), ok.Load())
	s.Equal(int32(writers-1), conflicts.Load())
}

func (s *StoreContractSuite) TestKeysAndLoadMany() {
	ctx := context.Background()
	a := domain.OrgKey("payment", s.org, "a")
	b := domain.OrgKey("payment", s.org, "b")
	other := domain.OrgKey("giftcard", s.org, "a")
	for _, k := range []domain.Key{b, a, other} {
		s.Require().NoError(s.store.Save(ctx, s.snapshot(k, 1, `{}`), 0))
	}

	keys, err := s.store.Keys(ctx, "org:payment:"+s.org+":")
	s.Require().NoError(err)
	s.Equal([]domain.Key{a, b}, keys)

	snaps, err := s.store.LoadMany(ctx, []domain.Key{a, domain.OrgKey("payment", s.org, "missing"), b})
	s.Require().NoError(err)
	s.Len(snaps, 2)
}
