package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"tillhouse/internal/actor"
	"tillhouse/internal/entity/store"
	dErrors "tillhouse/pkg/domain-errors"
)

type ServiceSuite struct {
	suite.Suite
	host    *actor.Host
	service *Service
	owner   Owner
	ctx     context.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.host = actor.NewHost(store.NewMemory(), nil)
	s.service = NewService(s.host)
	s.owner = Owner{OrgID: "org-1", Type: "purchase-order", ID: "po-42"}
	s.ctx = context.Background()
}

func (s *ServiceSuite) TearDownTest() {
	s.Require().NoError(s.host.Close(context.Background()))
}

func (s *ServiceSuite) initialize() Snapshot {
	snap, err := s.service.Initialize(s.ctx, s.owner, InitializeCommand{
		AllowedStatuses: []string{"Draft", "Pending", "Approved", "Rejected", "Closed"},
		InitialStatus:   "Draft",
		PerformedBy:     "manager-1",
	})
	s.Require().NoError(err)
	return snap
}

func (s *ServiceSuite) transition(to string) (Snapshot, error) {
	return s.service.Transition(s.ctx, s.owner, TransitionCommand{ToStatus: to, PerformedBy: "manager-1"})
}

func (s *ServiceSuite) TestWorkflowLegality() {
	snap := s.initialize()
	s.Equal(uint64(1), snap.Version)
	s.Equal("Draft", snap.CurrentStatus)

	_, err := s.transition("Draft")
	s.True(dErrors.HasCode(err, dErrors.CodeNoChange))
	s.ErrorContains(err, "already in status")

	_, err = s.transition("InvalidStatus")
	s.True(dErrors.HasCode(err, dErrors.CodePreconditionFailed))
	s.ErrorContains(err, "not in the allowed statuses list")

	for _, to := range []string{"Pending", "Approved", "Closed"} {
		_, err := s.transition(to)
		s.Require().NoError(err)
	}

	got, err := s.service.Get(s.ctx, s.owner)
	s.Require().NoError(err)
	s.Equal(uint64(4), got.Version)
	s.Equal("Closed", got.CurrentStatus)
	s.Require().NotNil(got.LastTransitionAt)

	history, err := s.service.History(s.ctx, s.owner)
	s.Require().NoError(err)
	s.Require().Len(history, 3)
	s.Equal(int(got.Version)-1, len(history))
	s.Equal([]string{"Draft", "Pending", "Approved"}, []string{history[0].FromStatus, history[1].FromStatus, history[2].FromStatus})
	s.Equal([]string{"Pending", "Approved", "Closed"}, []string{history[0].ToStatus, history[1].ToStatus, history[2].ToStatus})
	s.NotEqual(history[0].ID, history[1].ID)
	s.Equal("manager-1", history[2].PerformedBy)
}

func (s *ServiceSuite) TestInitializeTwiceFails() {
	s.initialize()
	_, err := s.service.Initialize(s.ctx, s.owner, InitializeCommand{
		AllowedStatuses: []string{"A", "B"},
		InitialStatus:   "A",
		PerformedBy:     "x",
	})
	s.True(dErrors.HasCode(err, dErrors.CodeAlreadyExists))
}

func (s *ServiceSuite) TestInitializeValidation() {
	tests := []struct {
		name string
		cmd  InitializeCommand
	}{
		{"too few statuses", InitializeCommand{AllowedStatuses: []string{"A"}, InitialStatus: "A"}},
		{"duplicates collapse", InitializeCommand{AllowedStatuses: []string{"A", " A "}, InitialStatus: "A"}},
		{"missing initial", InitializeCommand{AllowedStatuses: []string{"A", "B"}}},
		{"initial not allowed", InitializeCommand{AllowedStatuses: []string{"A", "B"}, InitialStatus: "C"}},
	}
	for _, tc := range tests {
		s.Run(tc.name, func() {
			_, err := s.service.Initialize(s.ctx, s.owner, tc.cmd)
			s.True(dErrors.HasCode(err, dErrors.CodeValidation), "got %v", err)
		})
	}
	_, err := s.service.Get(s.ctx, s.owner)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestTransitionUninitialized() {
	_, err := s.transition("Pending")
	s.True(dErrors.HasCode(err, dErrors.CodePreconditionFailed))
	s.ErrorContains(err, "not initialized")
}

func (s *ServiceSuite) TestTransitionRequiresPerformer() {
	s.initialize()
	_, err := s.service.Transition(s.ctx, s.owner, TransitionCommand{ToStatus: "Pending"})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ServiceSuite) TestCanTransitionTo() {
	ok, err := s.service.CanTransitionTo(s.ctx, s.owner, "Pending")
	s.Require().NoError(err)
	s.False(ok, "uninitialized workflow allows nothing")

	s.initialize()
	for status, want := range map[string]bool{"Pending": true, "Draft": false, "Bogus": false, "Closed": true} {
		ok, err := s.service.CanTransitionTo(s.ctx, s.owner, status)
		s.Require().NoError(err)
		s.Equal(want, ok, status)
	}
}

func (s *ServiceSuite) TestAnyStatusReachableFromAnyOther() {
	s.initialize()
	for _, to := range []string{"Closed", "Draft", "Rejected", "Pending"} {
		_, err := s.transition(to)
		s.Require().NoError(err)
	}
	status, err := s.service.Status(s.ctx, s.owner)
	s.Require().NoError(err)
	s.Equal("Pending", status)
}

func (s *ServiceSuite) TestOwnersAreIsolated() {
	s.initialize()
	other := Owner{OrgID: "org-1", Type: "purchase-order", ID: "po-43"}
	_, err := s.service.Get(s.ctx, other)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}
