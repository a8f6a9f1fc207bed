package users

import (
	"context"
	"log/slog"

	"tillhouse/internal/actor"
	"tillhouse/internal/index"
	"tillhouse/internal/platform/metrics"
	"tillhouse/pkg/domain"
	dErrors "tillhouse/pkg/domain-errors"
)

type Service struct {
	host    *actor.Host
	hasher  *PINHasher
	logger  *slog.Logger
	metrics *metrics.Metrics
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

func NewService(host *actor.Host, hasher *PINHasher, opts ...Option) *Service {
	s := &Service{host: host, hasher: hasher, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) ref(orgID, userID string) actor.Ref[User] {
	return actor.NewRef[User](s.host, Key(orgID, userID))
}

func (s *Service) pinIndex(orgID string) *index.Index[Summary] {
	return index.New[Summary](s.host, IndexKey(orgID), index.WithMetrics(s.metrics))
}

func snapshotOf(v actor.View[User]) Snapshot {
	return Snapshot{User: v.State, Version: v.Version}
}

func (s *Service) Create(ctx context.Context, orgID string, cmd CreateCommand) (Snapshot, error) {
	orgID, err := domain.RequireID("org_id", orgID)
	if err != nil {
		return Snapshot{}, err
	}
	cmd.Normalize()
	if err := cmd.Validate(); err != nil {
		return Snapshot{}, err
	}
	v, err := s.ref(orgID, cmd.UserID).Exec(ctx, func(m *actor.Mutation[User]) error {
		if err := m.RequireNew(Kind); err != nil {
			return err
		}
		*m.State = User{
			ID:          cmd.UserID,
			OrgID:       orgID,
			DisplayName: cmd.DisplayName,
			Active:      true,
			CreatedAt:   m.Now,
		}
		m.Emit(EventCreated, Summary{UserID: cmd.UserID, DisplayName: cmd.DisplayName})
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(v), nil
}

// SetPIN stores the PIN hash on the user and moves the user's index entry to
// the new hash. A PIN held by another active user is rejected.
//
// The index entry is written before the user commits. If the user save fails
// the entry is inert, since lookups confirm the hash against the user, and a
// retry finds it already in place. Setting the current PIN again re-registers
// it before reporting no_change, so an entry lost earlier is restored.
func (s *Service) SetPIN(ctx context.Context, orgID, userID, pin string) (Snapshot, error) {
	orgID, userID, err := ids(orgID, userID)
	if err != nil {
		return Snapshot{}, err
	}
	if err := validatePIN(pin); err != nil {
		return Snapshot{}, err
	}
	hash := s.hasher.Hash(orgID, pin)
	ix := s.pinIndex(orgID)

	if holder, err := ix.Lookup(ctx, hash, ""); err == nil && holder.Owner != userID {
		if _, ok := s.activeHolder(ctx, orgID, holder.Owner, hash); ok {
			return Snapshot{}, dErrors.New(dErrors.CodeAlreadyExists, "pin is already in use")
		}
	} else if err != nil && !dErrors.HasCode(err, dErrors.CodeNotFound) {
		return Snapshot{}, err
	}

	current, err := s.Get(ctx, orgID, userID)
	if dErrors.HasCode(err, dErrors.CodeNotFound) {
		return Snapshot{}, dErrors.New(dErrors.CodePreconditionFailed, "user does not exist")
	}
	if err != nil {
		return Snapshot{}, err
	}
	if !current.Active {
		return Snapshot{}, dErrors.New(dErrors.CodePreconditionFailed, "user is not active")
	}
	if err := ix.Register(ctx, hash, userID, Summary{UserID: userID, DisplayName: current.DisplayName}); err != nil {
		return Snapshot{}, err
	}

	var previous string
	v, err := s.ref(orgID, userID).Exec(ctx, func(m *actor.Mutation[User]) error {
		if err := m.RequireExisting(Kind); err != nil {
			return err
		}
		if !m.State.Active {
			return dErrors.New(dErrors.CodePreconditionFailed, "user is not active")
		}
		if sameHash(m.State.PINHash, hash) {
			return dErrors.New(dErrors.CodeNoChange, "pin unchanged")
		}
		previous = m.State.PINHash
		m.State.PINHash = hash
		at := m.Now
		m.State.PINSetAt = &at
		m.Emit(EventPINSet, map[string]string{"user_id": userID})
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	if previous != "" {
		if _, err := ix.UnregisterKey(ctx, previous, userID); err != nil {
			// Lookups re-validate against the user, so a leftover entry is inert.
			s.logger.WarnContext(ctx, "failed to unregister previous pin",
				"entity_key", Key(orgID, userID),
				"error", err,
			)
		}
	}
	return snapshotOf(v), nil
}

// Deactivate disables the user and removes the PIN from the lookup index.
func (s *Service) Deactivate(ctx context.Context, orgID, userID string) (Snapshot, error) {
	orgID, userID, err := ids(orgID, userID)
	if err != nil {
		return Snapshot{}, err
	}
	v, err := s.ref(orgID, userID).Exec(ctx, func(m *actor.Mutation[User]) error {
		if err := m.RequireExisting(Kind); err != nil {
			return err
		}
		if !m.State.Active {
			return dErrors.New(dErrors.CodeNoChange, "user already inactive")
		}
		m.State.Active = false
		at := m.Now
		m.State.DeactivatedAt = &at
		m.Emit(EventDeactivated, map[string]string{"user_id": userID})
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	if _, err := s.pinIndex(orgID).Unregister(ctx, userID); err != nil {
		s.logger.WarnContext(ctx, "failed to unregister deactivated user pin",
			"entity_key", Key(orgID, userID),
			"error", err,
		)
	}
	return snapshotOf(v), nil
}

func (s *Service) Get(ctx context.Context, orgID, userID string) (Snapshot, error) {
	orgID, userID, err := ids(orgID, userID)
	if err != nil {
		return Snapshot{}, err
	}
	v, err := s.ref(orgID, userID).Read(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if err := v.Found(Kind); err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(v), nil
}

// LoginWithPIN resolves a PIN through the index and then confirms it against
// the user entity, which is authoritative. An entry whose user no longer
// matches is removed.
func (s *Service) LoginWithPIN(ctx context.Context, orgID, pin string) (LoginResult, error) {
	orgID, err := domain.RequireID("org_id", orgID)
	if err != nil {
		return LoginResult{}, err
	}
	if err := validatePIN(pin); err != nil {
		return LoginResult{Error: LoginInvalidPIN}, nil
	}
	hash := s.hasher.Hash(orgID, pin)
	ix := s.pinIndex(orgID)

	entry, err := ix.Lookup(ctx, hash, "")
	if dErrors.HasCode(err, dErrors.CodeNotFound) {
		return LoginResult{Error: LoginInvalidPIN}, nil
	}
	if err != nil {
		return LoginResult{}, err
	}

	user, ok := s.activeHolder(ctx, orgID, entry.Owner, hash)
	if !ok {
		if _, err := ix.UnregisterKey(ctx, hash, entry.Owner); err != nil {
			s.logger.WarnContext(ctx, "failed to drop stale pin entry", "error", err)
		}
		if user != nil && !user.Active && sameHash(user.PINHash, hash) {
			return LoginResult{Error: LoginUserInactive}, nil
		}
		return LoginResult{Error: LoginInvalidPIN}, nil
	}
	return LoginResult{Success: true, User: user}, nil
}

// activeHolder reads the user and reports whether it is active and still
// holds hash. The snapshot is returned whenever the user exists.
func (s *Service) activeHolder(ctx context.Context, orgID, userID, hash string) (*Snapshot, bool) {
	v, err := s.ref(orgID, userID).Read(ctx)
	if err != nil || !v.Exists() {
		return nil, false
	}
	snap := snapshotOf(v)
	return &snap, snap.Active && sameHash(snap.PINHash, hash)
}

func ids(orgID, userID string) (string, string, error) {
	orgID, err := domain.RequireID("org_id", orgID)
	if err != nil {
		return "", "", err
	}
	userID, err = domain.RequireID("user_id", userID)
	if err != nil {
		return "", "", err
	}
	return orgID, userID, nil
}
