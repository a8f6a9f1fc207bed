package sessions_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"tillhouse/internal/actor"
	"tillhouse/internal/auth/sessions"
	"tillhouse/internal/entity"
	"tillhouse/internal/entity/store"
	"tillhouse/internal/events"
	"tillhouse/internal/index"
	dErrors "tillhouse/pkg/domain-errors"
	"tillhouse/pkg/platform/sentinel"
)

type SessionServiceSuite struct {
	suite.Suite
	host *actor.Host
	svc  *sessions.Service
	ctx  context.Context
}

func TestSessionServiceSuite(t *testing.T) {
	suite.Run(t, new(SessionServiceSuite))
}

func (s *SessionServiceSuite) SetupTest() {
	s.host = actor.NewHost(store.NewMemory(), events.Discard)
	s.svc = sessions.NewService(s.host, sessions.NewTokenIssuer("test-signing-key", "tillhouse-test"))
	s.ctx = context.Background()
}

func (s *SessionServiceSuite) TearDownTest() {
	s.Require().NoError(s.host.Close(context.Background()))
}

func (s *SessionServiceSuite) create() sessions.Tokens {
	tokens, err := s.svc.Create(s.ctx, "org-1", sessions.CreateCommand{UserID: "u-1", DeviceID: "till-3"})
	s.Require().NoError(err)
	return tokens
}

func (s *SessionServiceSuite) TestCreateIssuesUsableTokens() {
	tokens := s.create()

	s.NotEmpty(tokens.AccessToken)
	s.NotEmpty(tokens.RefreshToken)
	s.Equal(sessions.StatusActive, tokens.Session.Status)
	s.NotEqual(tokens.RefreshToken, tokens.Session.RefreshHash)

	claims, err := s.svc.Authenticate(s.ctx, tokens.AccessToken)
	s.Require().NoError(err)
	s.Equal("u-1", claims.UserID)
	s.Equal("org-1", claims.OrgID)
	s.Equal(tokens.Session.ID, claims.SessionID)

	resolved, err := s.svc.ResolveRefreshToken(s.ctx, tokens.RefreshToken)
	s.Require().NoError(err)
	s.Equal(tokens.Session.ID, resolved.ID)
}

func (s *SessionServiceSuite) TestRefreshRotates() {
	first := s.create()

	second, err := s.svc.Refresh(s.ctx, first.RefreshToken)
	s.Require().NoError(err)
	s.NotEqual(first.RefreshToken, second.RefreshToken)
	s.Equal(1, second.Session.Rotations)
	s.Equal(first.Session.ID, second.Session.ID)

	_, err = s.svc.ResolveRefreshToken(s.ctx, first.RefreshToken)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized), "rotated token no longer resolves")

	_, err = s.svc.ResolveRefreshToken(s.ctx, second.RefreshToken)
	s.Require().NoError(err)
}

func (s *SessionServiceSuite) TestReplayOfRotatedTokenRevokesSession() {
	first := s.create()
	second, err := s.svc.Refresh(s.ctx, first.RefreshToken)
	s.Require().NoError(err)

	_, err = s.svc.Refresh(s.ctx, first.RefreshToken)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))

	snap, err := s.svc.Get(s.ctx, "org-1", first.Session.ID)
	s.Require().NoError(err)
	s.Equal(sessions.StatusRevoked, snap.Status)
	s.Equal(sessions.ReasonReplay, snap.RevokeReason)

	// The legitimate holder of the newest token is locked out as well.
	_, err = s.svc.Refresh(s.ctx, second.RefreshToken)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	_, err = s.svc.ResolveRefreshToken(s.ctx, second.RefreshToken)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	_, err = s.svc.Authenticate(s.ctx, second.AccessToken)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func (s *SessionServiceSuite) TestRevoke() {
	tokens := s.create()

	snap, err := s.svc.Revoke(s.ctx, "org-1", tokens.Session.ID, "")
	s.Require().NoError(err)
	s.Equal(sessions.StatusRevoked, snap.Status)
	s.Equal(sessions.ReasonLogout, snap.RevokeReason)

	_, err = s.svc.Revoke(s.ctx, "org-1", tokens.Session.ID, "")
	s.True(dErrors.HasCode(err, dErrors.CodeNoChange))

	_, err = s.svc.Refresh(s.ctx, tokens.RefreshToken)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))

	_, err = s.svc.Revoke(s.ctx, "org-1", "missing", "")
	s.True(dErrors.HasCode(err, dErrors.CodePreconditionFailed))
}

func (s *SessionServiceSuite) TestMalformedRefreshToken() {
	for _, tok := range []string{"", "abc", "a.b", "!!.??.x"} {
		_, err := s.svc.Refresh(s.ctx, tok)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized), tok)
	}
}

func (s *SessionServiceSuite) TestRefreshRejectsTokenMissingFromIndex() {
	tokens := s.create()

	ix := index.New[sessions.Summary](s.host, sessions.RefreshIndexKey())
	n, err := ix.Unregister(s.ctx, sessions.Key("org-1", tokens.Session.ID).String())
	s.Require().NoError(err)
	s.Require().Equal(1, n)

	_, err = s.svc.Refresh(s.ctx, tokens.RefreshToken)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))

	snap, err := s.svc.Get(s.ctx, "org-1", tokens.Session.ID)
	s.Require().NoError(err)
	s.Equal(sessions.StatusActive, snap.Status, "an unindexed current token is not a replay")
	s.Zero(snap.Rotations)
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

func TestRefreshRetriesAfterIndexWriteFailure(t *testing.T) {
	ctx := context.Background()
	st := &failOnceStore{MemoryStore: store.NewMemory(), prefix: sessions.RefreshIndexKey().String()}
	host := actor.NewHost(st, events.Discard)
	t.Cleanup(func() { _ = host.Close(context.Background()) })
	svc := sessions.NewService(host, sessions.NewTokenIssuer("k", "iss"))

	tokens, err := svc.Create(ctx, "org-1", sessions.CreateCommand{UserID: "u-1"})
	require.NoError(t, err)

	st.arm()
	_, err = svc.Refresh(ctx, tokens.RefreshToken)
	require.Error(t, err)

	snap, err := svc.Get(ctx, "org-1", tokens.Session.ID)
	require.NoError(t, err)
	assert.Zero(t, snap.Rotations, "session is untouched when the index write fails")

	next, err := svc.Refresh(ctx, tokens.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, 1, next.Session.Rotations)
	assert.Equal(t, sessions.StatusActive, next.Session.Status)

	_, err = svc.ResolveRefreshToken(ctx, next.RefreshToken)
	require.NoError(t, err)
}

func TestRefreshTokenExpires(t *testing.T) {
	host := actor.NewHost(store.NewMemory(), events.Discard)
	t.Cleanup(func() { _ = host.Close(context.Background()) })
	svc := sessions.NewService(host, sessions.NewTokenIssuer("k", "iss"), sessions.WithRefreshTTL(time.Millisecond))

	tokens, err := svc.Create(context.Background(), "org-1", sessions.CreateCommand{UserID: "u-1"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, err = svc.Refresh(context.Background(), tokens.RefreshToken)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func TestTokenIssuer(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer := sessions.NewTokenIssuer("secret", "tillhouse").WithClock(func() time.Time { return now })

	tok, exp, err := issuer.Issue("u-1", "s-1", "org-1", now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), exp)

	claims, err := issuer.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "s-1", claims.SessionID)

	_, err = sessions.NewTokenIssuer("other", "tillhouse").WithClock(func() time.Time { return now }).Validate(tok)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	late := sessions.NewTokenIssuer("secret", "tillhouse").WithClock(func() time.Time { return now.Add(2 * time.Hour) })
	_, err = late.Validate(tok)
	require.Error(t, err)
	assert.Equal(t, "token has expired", err.(*dErrors.Error).Message)
}
