package sessions

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tillhouse/internal/actor"
	"tillhouse/internal/index"
	"tillhouse/internal/index/recent"
	"tillhouse/internal/platform/metrics"
	"tillhouse/pkg/domain"
	dErrors "tillhouse/pkg/domain-errors"
	"tillhouse/pkg/requestcontext"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 30 * 24 * time.Hour
)

type Service struct {
	host       *actor.Host
	tokens     *TokenIssuer
	refresh    *index.Index[Summary]
	accessTTL  time.Duration
	refreshTTL time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithAccessTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.accessTTL = d
		}
	}
}

func WithRefreshTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.refreshTTL = d
		}
	}
}

func NewService(host *actor.Host, tokens *TokenIssuer, opts ...Option) *Service {
	s := &Service{
		host:       host,
		tokens:     tokens,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.refresh = index.New[Summary](host, RefreshIndexKey(), index.WithMetrics(s.metrics))
	return s
}

func (s *Service) ref(orgID, sessionID string) actor.Ref[Session] {
	return actor.NewRef[Session](s.host, Key(orgID, sessionID))
}

func snapshotOf(v actor.View[Session]) Snapshot {
	return Snapshot{Session: v.State, Version: v.Version}
}

// Create opens a session for an already authenticated user.
func (s *Service) Create(ctx context.Context, orgID string, cmd CreateCommand) (Tokens, error) {
	orgID, err := domain.RequireID("org_id", orgID)
	if err != nil {
		return Tokens{}, err
	}
	cmd.Normalize()
	if _, err := domain.RequireID("user_id", cmd.UserID); err != nil {
		return Tokens{}, err
	}
	sessionID := domain.NewID()
	refreshToken, err := newRefreshToken(orgID, sessionID)
	if err != nil {
		return Tokens{}, dErrors.Wrap(err, dErrors.CodeInternal, "create session")
	}
	hash := hashRefreshToken(refreshToken)
	summary := Summary{OrgID: orgID, SessionID: sessionID, UserID: cmd.UserID}
	if err := s.refresh.Register(ctx, hash, Key(orgID, sessionID).String(), summary); err != nil {
		return Tokens{}, err
	}

	v, err := s.ref(orgID, sessionID).Exec(ctx, func(m *actor.Mutation[Session]) error {
		if err := m.RequireNew(Kind); err != nil {
			return err
		}
		*m.State = Session{
			ID:               sessionID,
			OrgID:            orgID,
			UserID:           cmd.UserID,
			DeviceID:         cmd.DeviceID,
			Status:           StatusActive,
			RefreshHash:      hash,
			RefreshExpiresAt: m.Now.Add(s.refreshTTL),
			Rotated:          recent.New(rotatedCapacity),
			CreatedAt:        m.Now,
		}
		m.Emit(EventCreated, summary)
		return nil
	})
	if err != nil {
		return Tokens{}, err
	}
	return s.issue(ctx, v, refreshToken)
}

func (s *Service) issue(ctx context.Context, v actor.View[Session], refreshToken string) (Tokens, error) {
	access, exp, err := s.tokens.Issue(v.State.UserID, v.State.ID, v.State.OrgID, requestcontext.Now(ctx), s.accessTTL)
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{
		Session:          snapshotOf(v),
		AccessToken:      access,
		AccessExpiresAt:  exp,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: v.State.RefreshExpiresAt,
	}, nil
}

// ResolveRefreshToken finds the active session owning a current refresh
// token. The index entry is confirmed against the session itself.
func (s *Service) ResolveRefreshToken(ctx context.Context, refreshToken string) (Snapshot, error) {
	if refreshToken == "" {
		return Snapshot{}, dErrors.New(dErrors.CodeUnauthorized, "refresh token is required")
	}
	hash := hashRefreshToken(refreshToken)
	entry, err := s.refresh.Lookup(ctx, hash, "")
	if dErrors.HasCode(err, dErrors.CodeNotFound) {
		return Snapshot{}, dErrors.New(dErrors.CodeUnauthorized, "invalid refresh token")
	}
	if err != nil {
		return Snapshot{}, err
	}
	v, err := s.ref(entry.Summary.OrgID, entry.Summary.SessionID).Read(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if !v.Exists() || v.State.Status != StatusActive || v.State.RefreshHash != hash {
		if _, err := s.refresh.UnregisterKey(ctx, hash, entry.Owner); err != nil {
			s.logger.WarnContext(ctx, "failed to drop stale refresh token entry", "error", err)
		}
		return Snapshot{}, dErrors.New(dErrors.CodeUnauthorized, "invalid refresh token")
	}
	return snapshotOf(v), nil
}

// Refresh rotates the refresh token and issues a new access token. A token
// that was already rotated away revokes the whole session.
//
// The index is authoritative for current tokens: a token it does not know is
// rejected even if the session still carries its hash. The next token is
// registered before the session commits, so a failed index write leaves the
// presented token valid for a retry.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	if refreshToken == "" {
		return Tokens{}, dErrors.New(dErrors.CodeUnauthorized, "refresh token is required")
	}
	presented := hashRefreshToken(refreshToken)
	entry, err := s.refresh.Lookup(ctx, presented, "")
	if dErrors.HasCode(err, dErrors.CodeNotFound) {
		return Tokens{}, s.rejectUnknown(ctx, refreshToken, presented)
	}
	if err != nil {
		return Tokens{}, err
	}
	orgID, sessionID, owner := entry.Summary.OrgID, entry.Summary.SessionID, entry.Owner

	next, err := newRefreshToken(orgID, sessionID)
	if err != nil {
		return Tokens{}, dErrors.Wrap(err, dErrors.CodeInternal, "rotate refresh token")
	}
	nextHash := hashRefreshToken(next)
	if err := s.refresh.Register(ctx, nextHash, owner, entry.Summary); err != nil {
		return Tokens{}, err
	}

	replayed := false
	v, err := s.ref(orgID, sessionID).Exec(ctx, func(m *actor.Mutation[Session]) error {
		if !m.Exists() {
			return dErrors.New(dErrors.CodeUnauthorized, "invalid refresh token")
		}
		st := m.State
		if st.Status != StatusActive {
			return dErrors.New(dErrors.CodeUnauthorized, "session revoked")
		}
		if st.RefreshHash != presented {
			if st.Rotated == nil || !st.Rotated.Contains(presented) {
				return dErrors.New(dErrors.CodeUnauthorized, "invalid refresh token")
			}
			replayed = true
			revoke(m, ReasonReplay)
			return nil
		}
		if !m.Now.Before(st.RefreshExpiresAt) {
			return dErrors.New(dErrors.CodeUnauthorized, "refresh token has expired")
		}
		if st.Rotated == nil {
			st.Rotated = recent.New(rotatedCapacity)
		}
		st.Rotated.TryAdd(presented)
		st.RefreshHash = nextHash
		st.RefreshExpiresAt = m.Now.Add(s.refreshTTL)
		st.Rotations++
		at := m.Now
		st.LastRefreshedAt = &at
		m.Emit(EventRefreshed, map[string]any{"session_id": st.ID, "rotations": st.Rotations})
		return nil
	})
	if err != nil {
		// The caller never sees next, so its entry can always go.
		if _, uerr := s.refresh.UnregisterKey(ctx, nextHash, owner); uerr != nil {
			s.logger.WarnContext(ctx, "failed to drop unused refresh token entry", "owner", owner, "error", uerr)
		}
		return Tokens{}, err
	}
	if replayed {
		return Tokens{}, s.replayed(ctx, v)
	}

	if _, err := s.refresh.UnregisterKey(ctx, presented, owner); err != nil {
		s.logger.WarnContext(ctx, "failed to unregister rotated refresh token", "entity_key", v.Key, "error", err)
	}
	return s.issue(ctx, v, next)
}

// rejectUnknown handles a token missing from the index. A token the session
// already rotated away is a replay and revokes the session; anything else is
// invalid.
func (s *Service) rejectUnknown(ctx context.Context, refreshToken, presented string) error {
	invalid := dErrors.New(dErrors.CodeUnauthorized, "invalid refresh token")
	orgID, sessionID, ok := parseRefreshToken(refreshToken)
	if !ok {
		return invalid
	}
	v, err := s.ref(orgID, sessionID).Exec(ctx, func(m *actor.Mutation[Session]) error {
		st := m.State
		if !m.Exists() || st.Status != StatusActive || st.Rotated == nil || !st.Rotated.Contains(presented) {
			return actor.ErrUnchanged
		}
		revoke(m, ReasonReplay)
		return nil
	})
	if errors.Is(err, actor.ErrUnchanged) {
		return invalid
	}
	if err != nil {
		return err
	}
	return s.replayed(ctx, v)
}

func (s *Service) replayed(ctx context.Context, v actor.View[Session]) error {
	s.logger.WarnContext(ctx, "refresh token replay, session revoked",
		"entity_key", v.Key,
		"user_id", v.State.UserID,
	)
	s.unregisterAll(ctx, v.Key.String())
	return dErrors.New(dErrors.CodeUnauthorized, "refresh token reuse detected, session revoked")
}

// Revoke ends a session. Revoking a revoked session reports no_change.
func (s *Service) Revoke(ctx context.Context, orgID, sessionID, reason string) (Snapshot, error) {
	orgID, sessionID, err := ids(orgID, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	if reason == "" {
		reason = ReasonLogout
	}
	v, err := s.ref(orgID, sessionID).Exec(ctx, func(m *actor.Mutation[Session]) error {
		if err := m.RequireExisting(Kind); err != nil {
			return err
		}
		if m.State.Status == StatusRevoked {
			return dErrors.New(dErrors.CodeNoChange, "session already revoked")
		}
		revoke(m, reason)
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	s.unregisterAll(ctx, v.Key.String())
	return snapshotOf(v), nil
}

func revoke(m *actor.Mutation[Session], reason string) {
	st := m.State
	st.Status = StatusRevoked
	st.RevokeReason = reason
	at := m.Now
	st.RevokedAt = &at
	m.Emit(EventRevoked, map[string]string{"session_id": st.ID, "reason": reason})
}

func (s *Service) unregisterAll(ctx context.Context, owner string) {
	if _, err := s.refresh.Unregister(ctx, owner); err != nil {
		s.logger.WarnContext(ctx, "failed to unregister session refresh tokens", "owner", owner, "error", err)
	}
}

func (s *Service) Get(ctx context.Context, orgID, sessionID string) (Snapshot, error) {
	orgID, sessionID, err := ids(orgID, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	v, err := s.ref(orgID, sessionID).Read(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if err := v.Found(Kind); err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(v), nil
}

// Authenticate validates an access token and confirms its session is still
// active.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*Claims, error) {
	claims, err := s.tokens.Validate(accessToken)
	if err != nil {
		return nil, err
	}
	snap, err := s.Get(ctx, claims.OrgID, claims.SessionID)
	if dErrors.HasCode(err, dErrors.CodeNotFound) || dErrors.HasCode(err, dErrors.CodeValidation) {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "unknown session")
	}
	if err != nil {
		return nil, err
	}
	if snap.Status != StatusActive {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "session revoked")
	}
	return claims, nil
}

func ids(orgID, sessionID string) (string, string, error) {
	orgID, err := domain.RequireID("org_id", orgID)
	if err != nil {
		return "", "", err
	}
	sessionID, err = domain.RequireID("session_id", sessionID)
	if err != nil {
		return "", "", err
	}
	return orgID, sessionID, nil
}
