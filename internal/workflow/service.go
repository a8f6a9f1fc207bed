package workflow

import (
	"context"
	"log/slog"

	"tillhouse/internal/actor"
	"tillhouse/pkg/domain"
)

// Service exposes workflow commands and queries over the actor host.
type Service struct {
	host   *actor.Host
	logger *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(host *actor.Host, opts ...Option) *Service {
	s := &Service{host: host, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) ref(owner Owner) actor.Ref[Workflow] {
	return actor.NewRef[Workflow](s.host, owner.Key())
}

func snapshotOf(v actor.View[Workflow]) Snapshot {
	return Snapshot{Workflow: v.State, Version: v.Version}
}

// Initialize creates the workflow at version 1. A second call fails with
// already_exists.
func (s *Service) Initialize(ctx context.Context, owner Owner, cmd InitializeCommand) (Snapshot, error) {
	owner, err := owner.Normalize()
	if err != nil {
		return Snapshot{}, err
	}
	cmd.Normalize()
	if err := cmd.Validate(); err != nil {
		return Snapshot{}, err
	}
	v, err := s.ref(owner).Exec(ctx, func(m *actor.Mutation[Workflow]) error {
		if err := m.RequireNew(Kind); err != nil {
			return err
		}
		*m.State = Workflow{
			Owner:           owner,
			CurrentStatus:   cmd.InitialStatus,
			AllowedStatuses: cmd.AllowedStatuses,
			Transitions:     []Transition{},
			InitializedBy:   cmd.PerformedBy,
			InitializedAt:   m.Now,
		}
		m.Emit(EventInitialized, owner)
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(v), nil
}

// Transition records a status change and appends it to the history.
func (s *Service) Transition(ctx context.Context, owner Owner, cmd TransitionCommand) (Snapshot, error) {
	owner, err := owner.Normalize()
	if err != nil {
		return Snapshot{}, err
	}
	cmd.Normalize()
	if err := cmd.Validate(); err != nil {
		return Snapshot{}, err
	}
	v, err := s.ref(owner).Exec(ctx, func(m *actor.Mutation[Workflow]) error {
		wf := m.State
		if err := wf.checkTransition(cmd.ToStatus); err != nil {
			return err
		}
		t := Transition{
			ID:          domain.NewID(),
			FromStatus:  wf.CurrentStatus,
			ToStatus:    cmd.ToStatus,
			PerformedBy: cmd.PerformedBy,
			Reason:      cmd.Reason,
			PerformedAt: m.Now,
		}
		wf.Transitions = append(wf.Transitions, t)
		wf.CurrentStatus = cmd.ToStatus
		at := m.Now
		wf.LastTransitionAt = &at
		m.Emit(EventTransitioned, TransitionedEvent{Owner: owner, Transition: t})
		return nil
	})
	if err != nil {
		s.logger.DebugContext(ctx, "workflow transition rejected",
			"entity_key", owner.Key(),
			"to_status", cmd.ToStatus,
			"error", err,
		)
		return Snapshot{}, err
	}
	return snapshotOf(v), nil
}

// Get returns the workflow, or not_found if it was never initialized.
func (s *Service) Get(ctx context.Context, owner Owner) (Snapshot, error) {
	owner, err := owner.Normalize()
	if err != nil {
		return Snapshot{}, err
	}
	v, err := s.ref(owner).Read(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if err := v.Found(Kind); err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(v), nil
}

// Status returns the current status.
func (s *Service) Status(ctx context.Context, owner Owner) (string, error) {
	snap, err := s.Get(ctx, owner)
	if err != nil {
		return "", err
	}
	return snap.CurrentStatus, nil
}

// History returns every transition, oldest first.
func (s *Service) History(ctx context.Context, owner Owner) ([]Transition, error) {
	snap, err := s.Get(ctx, owner)
	if err != nil {
		return nil, err
	}
	return snap.Transitions, nil
}

// CanTransitionTo is a pure predicate; an uninitialized workflow yields false
// rather than an error.
func (s *Service) CanTransitionTo(ctx context.Context, owner Owner, status string) (bool, error) {
	owner, err := owner.Normalize()
	if err != nil {
		return false, err
	}
	v, err := s.ref(owner).Read(ctx)
	if err != nil {
		return false, err
	}
	return v.State.CanTransitionTo(status), nil
}
