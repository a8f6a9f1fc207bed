package users_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"tillhouse/internal/actor"
	"tillhouse/internal/auth/users"
	"tillhouse/internal/entity"
	"tillhouse/internal/entity/store"
	"tillhouse/internal/events"
	"tillhouse/internal/index"
	dErrors "tillhouse/pkg/domain-errors"
	"tillhouse/pkg/platform/sentinel"
)

type UserServiceSuite struct {
	suite.Suite
	host   *actor.Host
	hasher *users.PINHasher
	svc    *users.Service
	ctx    context.Context
}

func TestUserServiceSuite(t *testing.T) {
	suite.Run(t, new(UserServiceSuite))
}

func (s *UserServiceSuite) SetupTest() {
	s.host = actor.NewHost(store.NewMemory(), events.Discard)
	s.hasher = users.NewPINHasher("test-pepper")
	s.svc = users.NewService(s.host, s.hasher)
	s.ctx = context.Background()
}

func (s *UserServiceSuite) TearDownTest() {
	s.Require().NoError(s.host.Close(context.Background()))
}

func (s *UserServiceSuite) create(id, name string) {
	_, err := s.svc.Create(s.ctx, "org-1", users.CreateCommand{UserID: id, DisplayName: name})
	s.Require().NoError(err)
}

func (s *UserServiceSuite) TestLoginWithPIN() {
	s.create("u-1", "Ana")
	_, err := s.svc.SetPIN(s.ctx, "org-1", "u-1", "1234")
	s.Require().NoError(err)

	res, err := s.svc.LoginWithPIN(s.ctx, "org-1", "1234")
	s.Require().NoError(err)
	s.True(res.Success)
	s.Require().NotNil(res.User)
	s.Equal("u-1", res.User.ID)

	res, err = s.svc.LoginWithPIN(s.ctx, "org-1", "9999")
	s.Require().NoError(err)
	s.False(res.Success)
	s.Equal(users.LoginInvalidPIN, res.Error)

	// PINs are scoped to the organization.
	res, err = s.svc.LoginWithPIN(s.ctx, "org-2", "1234")
	s.Require().NoError(err)
	s.False(res.Success)
}

func (s *UserServiceSuite) TestChangingPINRetiresOldOne() {
	s.create("u-1", "Ana")
	_, err := s.svc.SetPIN(s.ctx, "org-1", "u-1", "1234")
	s.Require().NoError(err)
	_, err = s.svc.SetPIN(s.ctx, "org-1", "u-1", "5678")
	s.Require().NoError(err)

	res, err := s.svc.LoginWithPIN(s.ctx, "org-1", "1234")
	s.Require().NoError(err)
	s.False(res.Success)

	res, err = s.svc.LoginWithPIN(s.ctx, "org-1", "5678")
	s.Require().NoError(err)
	s.True(res.Success)

	n, err := index.New[users.Summary](s.host, users.IndexKey("org-1")).Len(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)

	_, err = s.svc.SetPIN(s.ctx, "org-1", "u-1", "5678")
	s.True(dErrors.HasCode(err, dErrors.CodeNoChange))
}

func (s *UserServiceSuite) TestPINHeldByAnotherActiveUserIsRejected() {
	s.create("u-1", "Ana")
	s.create("u-2", "Ben")
	_, err := s.svc.SetPIN(s.ctx, "org-1", "u-1", "1234")
	s.Require().NoError(err)

	_, err = s.svc.SetPIN(s.ctx, "org-1", "u-2", "1234")
	s.True(dErrors.HasCode(err, dErrors.CodeAlreadyExists))
}

func (s *UserServiceSuite) TestDeactivatedUserCannotLogin() {
	s.create("u-1", "Ana")
	_, err := s.svc.SetPIN(s.ctx, "org-1", "u-1", "1234")
	s.Require().NoError(err)

	snap, err := s.svc.Deactivate(s.ctx, "org-1", "u-1")
	s.Require().NoError(err)
	s.False(snap.Active)

	res, err := s.svc.LoginWithPIN(s.ctx, "org-1", "1234")
	s.Require().NoError(err)
	s.False(res.Success)

	_, err = s.svc.SetPIN(s.ctx, "org-1", "u-1", "4321")
	s.True(dErrors.HasCode(err, dErrors.CodePreconditionFailed))
}

func (s *UserServiceSuite) TestStaleIndexEntryIsRevalidated() {
	s.create("u-1", "Ana")
	ix := index.New[users.Summary](s.host, users.IndexKey("org-1"))
	hash := s.hasher.Hash("org-1", "2468")
	// An entry the user never committed, as left behind by a partial update.
	s.Require().NoError(ix.Register(s.ctx, hash, "u-1", users.Summary{UserID: "u-1"}))

	res, err := s.svc.LoginWithPIN(s.ctx, "org-1", "2468")
	s.Require().NoError(err)
	s.False(res.Success)
	s.Equal(users.LoginInvalidPIN, res.Error)

	_, err = ix.Lookup(s.ctx, hash, "")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *UserServiceSuite) TestValidation() {
	_, err := s.svc.Create(s.ctx, "org-1", users.CreateCommand{UserID: "u-1"})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	s.create("u-1", "Ana")
	for _, pin := range []string{"12", "123456789", "12a4"} {
		_, err := s.svc.SetPIN(s.ctx, "org-1", "u-1", pin)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation), pin)
	}

	_, err = s.svc.SetPIN(s.ctx, "org-1", "missing", "1234")
	s.True(dErrors.HasCode(err, dErrors.CodePreconditionFailed))

	_, err = s.svc.Get(s.ctx, "org-1", "missing")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func TestPINHasher(t *testing.T) {
	h := users.NewPINHasher("pepper")

	a := h.Hash("org-1", "1234")
	require.Len(t, a, 64)
	assert.Equal(t, a, h.Hash("org-1", "1234"))
	assert.NotEqual(t, a, h.Hash("org-2", "1234"))
	assert.NotEqual(t, a, users.NewPINHasher("other").Hash("org-1", "1234"))
}

// failOnceStore fails the next save of any key under prefix.
type failOnceStore struct {
	*store.MemoryStore
	mu     sync.Mutex
	prefix string
	armed  bool
}

func (f *failOnceStore) Save(ctx context.Context, snap entity.Snapshot, expected uint64) error {
	f.mu.Lock()
	fail := f.armed && strings.HasPrefix(snap.Key.String(), f.prefix)
	if fail {
		f.armed = false
	}
	f.mu.Unlock()
	if fail {
		return sentinel.ErrUnavailable
	}
	return f.MemoryStore.Save(ctx, snap, expected)
}

func (f *failOnceStore) arm() {
	f.mu.Lock()
	f.armed = true
	f.mu.Unlock()
}

func TestSetPINRecoversFromIndexWriteFailure(t *testing.T) {
	ctx := context.Background()
	st := &failOnceStore{MemoryStore: store.NewMemory(), prefix: users.IndexKey("org-1").String()}
	host := actor.NewHost(st, events.Discard)
	t.Cleanup(func() { _ = host.Close(context.Background()) })
	svc := users.NewService(host, users.NewPINHasher("test-pepper"))

	_, err := svc.Create(ctx, "org-1", users.CreateCommand{UserID: "u-1", DisplayName: "Ana"})
	require.NoError(t, err)

	st.arm()
	_, err = svc.SetPIN(ctx, "org-1", "u-1", "1234")
	require.Error(t, err)

	snap, err := svc.Get(ctx, "org-1", "u-1")
	require.NoError(t, err)
	assert.Empty(t, snap.PINHash, "user is untouched when the index write fails")

	_, err = svc.SetPIN(ctx, "org-1", "u-1", "1234")
	require.NoError(t, err)

	res, err := svc.LoginWithPIN(ctx, "org-1", "1234")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestSetPINSameValueRestoresLostIndexEntry(t *testing.T) {
	ctx := context.Background()
	host := actor.NewHost(store.NewMemory(), events.Discard)
	t.Cleanup(func() { _ = host.Close(context.Background()) })
	svc := users.NewService(host, users.NewPINHasher("test-pepper"))

	_, err := svc.Create(ctx, "org-1", users.CreateCommand{UserID: "u-1", DisplayName: "Ana"})
	require.NoError(t, err)
	_, err = svc.SetPIN(ctx, "org-1", "u-1", "1234")
	require.NoError(t, err)

	ix := index.New[users.Summary](host, users.IndexKey("org-1"))
	_, err = ix.Unregister(ctx, "u-1")
	require.NoError(t, err)

	_, err = svc.SetPIN(ctx, "org-1", "u-1", "1234")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNoChange))

	res, err := svc.LoginWithPIN(ctx, "org-1", "1234")
	require.NoError(t, err)
	assert.True(t, res.Success)
}
