package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	dErrors "tillhouse/pkg/domain-errors"
)

type ServiceSuite struct {
	suite.Suite
	store *MemoryStore
	svc   *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.store = NewMemoryStore()
	s.svc = NewService(s.store)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < MaxLimit+5; i++ {
		s.Require().NoError(s.store.Append(context.Background(), Record{
			EventID:    fmt.Sprintf("e-%04d", i),
			Tenant:     "org-1",
			Category:   CategoryOperations,
			Type:       "workflow.transitioned",
			OccurredAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
}

func (s *ServiceSuite) TestDefaultLimit() {
	recs, err := s.svc.List(context.Background(), "org-1", Filter{})
	s.Require().NoError(err)
	s.Len(recs, DefaultLimit)
	s.Equal(fmt.Sprintf("e-%04d", MaxLimit+4), recs[0].EventID)
}

func (s *ServiceSuite) TestLimitIsClamped() {
	recs, err := s.svc.List(context.Background(), "org-1", Filter{Limit: MaxLimit * 2})
	s.Require().NoError(err)
	s.Len(recs, MaxLimit)
}

func (s *ServiceSuite) TestEmptyTenantReturnsEmptySlice() {
	recs, err := s.svc.List(context.Background(), "org-9", Filter{})
	s.Require().NoError(err)
	s.NotNil(recs)
	s.Empty(recs)
}

func (s *ServiceSuite) TestRejectsBadFilters() {
	_, err := s.svc.List(context.Background(), "org-1", Filter{Limit: -1})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = s.svc.List(context.Background(), "org-1", Filter{Category: "finance"})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = s.svc.List(context.Background(), " ", Filter{})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}
