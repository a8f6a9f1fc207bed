package devices

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"tillhouse/internal/actor"
	"tillhouse/internal/index"
	"tillhouse/internal/platform/metrics"
	"tillhouse/pkg/domain"
	dErrors "tillhouse/pkg/domain-errors"
	"tillhouse/pkg/requestcontext"
)

const DefaultCodeTTL = 10 * time.Minute

type Service struct {
	host    *actor.Host
	codeTTL time.Duration
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

func WithCodeTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.codeTTL = d
		}
	}
}

func NewService(host *actor.Host, opts ...Option) *Service {
	s := &Service{host: host, codeTTL: DefaultCodeTTL, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) ref(orgID, deviceID string) actor.Ref[Device] {
	return actor.NewRef[Device](s.host, Key(orgID, deviceID))
}

func (s *Service) codes(orgID string) *index.Index[Summary] {
	return index.New[Summary](s.host, IndexKey(orgID), index.WithMetrics(s.metrics))
}

func snapshotOf(v actor.View[Device]) Snapshot {
	return Snapshot{Device: v.State, Version: v.Version}
}

const maxCodeAttempts = 5

// Initiate starts the flow for a new device and returns the code to show.
func (s *Service) Initiate(ctx context.Context, orgID string, cmd InitiateCommand) (InitiateResult, error) {
	orgID, err := domain.RequireID("org_id", orgID)
	if err != nil {
		return InitiateResult{}, err
	}
	codes := s.codes(orgID)
	code, err := s.freeCode(ctx, codes)
	if err != nil {
		return InitiateResult{}, err
	}

	deviceID := domain.NewID()
	name := displayName(cmd.UserAgent)
	v, err := s.ref(orgID, deviceID).Exec(ctx, func(m *actor.Mutation[Device]) error {
		if err := m.RequireNew(Kind); err != nil {
			return err
		}
		*m.State = Device{
			ID:          deviceID,
			OrgID:       orgID,
			UserCode:    code,
			Status:      StatusPending,
			UserAgent:   strings.TrimSpace(cmd.UserAgent),
			DisplayName: name,
			ExpiresAt:   m.Now.Add(s.codeTTL),
			CreatedAt:   m.Now,
		}
		m.Emit(EventInitiated, map[string]string{"device_id": deviceID, "display_name": name})
		return nil
	})
	if err != nil {
		return InitiateResult{}, err
	}
	summary := Summary{DeviceID: deviceID, DisplayName: name, ExpiresAt: v.State.ExpiresAt}
	if err := codes.Register(ctx, code, deviceID, summary); err != nil {
		return InitiateResult{}, err
	}
	return InitiateResult{DeviceID: deviceID, UserCode: code, DisplayName: name, ExpiresAt: v.State.ExpiresAt}, nil
}

// freeCode picks a code with no live mapping. Entries whose code lapsed may
// be reused.
func (s *Service) freeCode(ctx context.Context, codes *index.Index[Summary]) (string, error) {
	now := requestcontext.Now(ctx)
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := newUserCode()
		if err != nil {
			return "", dErrors.Wrap(err, dErrors.CodeInternal, "initiate device")
		}
		e, err := codes.Lookup(ctx, code, "")
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			return code, nil
		}
		if err != nil {
			return "", err
		}
		if !now.Before(e.Summary.ExpiresAt) {
			return code, nil
		}
	}
	return "", dErrors.New(dErrors.CodeUnavailable, "could not allocate a user code")
}

// Authorize binds the device behind userCode to userID. The code is resolved
// from the index; the device itself decides whether authorization is still
// possible.
func (s *Service) Authorize(ctx context.Context, orgID, userCode, userID string) (Snapshot, error) {
	orgID, err := domain.RequireID("org_id", orgID)
	if err != nil {
		return Snapshot{}, err
	}
	userID, err = domain.RequireID("user_id", userID)
	if err != nil {
		return Snapshot{}, err
	}
	code := normalizeUserCode(userCode)
	if code == "" {
		return Snapshot{}, dErrors.New(dErrors.CodeValidation, "user code is required")
	}
	codes := s.codes(orgID)
	entry, err := codes.Lookup(ctx, code, "")
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			return Snapshot{}, dErrors.New(dErrors.CodeNotFound, "unknown user code")
		}
		return Snapshot{}, err
	}

	v, err := s.ref(orgID, entry.Summary.DeviceID).Exec(ctx, func(m *actor.Mutation[Device]) error {
		if !m.Exists() {
			return dErrors.New(dErrors.CodePreconditionFailed, "device must be initiated before authorize")
		}
		d := m.State
		if d.UserCode != code {
			return dErrors.New(dErrors.CodePreconditionFailed, "user code no longer belongs to this device")
		}
		switch d.Status {
		case StatusAuthorized:
			return dErrors.New(dErrors.CodeNoChange, "device already authorized")
		case StatusRevoked:
			return dErrors.New(dErrors.CodePreconditionFailed, "device was revoked")
		}
		if !m.Now.Before(d.ExpiresAt) {
			return dErrors.New(dErrors.CodePreconditionFailed, "user code has expired")
		}
		d.Status = StatusAuthorized
		d.UserID = userID
		at := m.Now
		d.AuthorizedAt = &at
		m.Emit(EventAuthorized, map[string]string{"device_id": d.ID, "user_id": userID})
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	s.dropCode(ctx, codes, code, v.State.ID)
	return snapshotOf(v), nil
}

// Poll reports the flow status to the waiting device.
func (s *Service) Poll(ctx context.Context, orgID, deviceID string) (PollResult, error) {
	orgID, deviceID, err := ids(orgID, deviceID)
	if err != nil {
		return PollResult{}, err
	}
	v, err := s.ref(orgID, deviceID).Read(ctx)
	if err != nil {
		return PollResult{}, err
	}
	if !v.Exists() {
		return PollResult{Status: StatusExpired}, nil
	}
	d := v.State
	if d.Status == StatusPending && !requestcontext.Now(ctx).Before(d.ExpiresAt) {
		return PollResult{Status: StatusExpired}, nil
	}
	return PollResult{Status: d.Status, UserID: d.UserID}, nil
}

func (s *Service) Revoke(ctx context.Context, orgID, deviceID string) (Snapshot, error) {
	orgID, deviceID, err := ids(orgID, deviceID)
	if err != nil {
		return Snapshot{}, err
	}
	v, err := s.ref(orgID, deviceID).Exec(ctx, func(m *actor.Mutation[Device]) error {
		if err := m.RequireExisting(Kind); err != nil {
			return err
		}
		if m.State.Status == StatusRevoked {
			return dErrors.New(dErrors.CodeNoChange, "device already revoked")
		}
		m.State.Status = StatusRevoked
		at := m.Now
		m.State.RevokedAt = &at
		m.Emit(EventRevoked, map[string]string{"device_id": m.State.ID})
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	s.dropCode(ctx, s.codes(orgID), v.State.UserCode, v.State.ID)
	return snapshotOf(v), nil
}

func (s *Service) Get(ctx context.Context, orgID, deviceID string) (Snapshot, error) {
	orgID, deviceID, err := ids(orgID, deviceID)
	if err != nil {
		return Snapshot{}, err
	}
	v, err := s.ref(orgID, deviceID).Read(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if err := v.Found(Kind); err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(v), nil
}

func (s *Service) dropCode(ctx context.Context, codes *index.Index[Summary], code, deviceID string) {
	if _, err := codes.UnregisterKey(ctx, code, deviceID); err != nil {
		s.logger.WarnContext(ctx, "failed to unregister device code",
			"entity_key", Key(codes.Key().Tenant(), deviceID),
			"error", err,
		)
	}
}

func ids(orgID, deviceID string) (string, string, error) {
	orgID, err := domain.RequireID("org_id", orgID)
	if err != nil {
		return "", "", err
	}
	deviceID, err = domain.RequireID("device_id", deviceID)
	if err != nil {
		return "", "", err
	}
	return orgID, deviceID, nil
}
