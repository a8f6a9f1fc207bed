package audit

import (
	"context"

	"tillhouse/pkg/domain"
	dErrors "tillhouse/pkg/domain-errors"
)

// Service answers trail queries for one organization at a time.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// List validates the filter and clamps the limit to MaxLimit.
func (s *Service) List(ctx context.Context, orgID string, f Filter) ([]Record, error) {
	orgID, err := domain.RequireID("org_id", orgID)
	if err != nil {
		return nil, err
	}
	if f.Category != "" && !f.Category.Valid() {
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown audit category %q", f.Category)
	}
	switch {
	case f.Limit < 0:
		return nil, dErrors.New(dErrors.CodeValidation, "limit must not be negative")
	case f.Limit == 0:
		f.Limit = DefaultLimit
	case f.Limit > MaxLimit:
		f.Limit = MaxLimit
	}
	recs, err := s.store.List(ctx, orgID, f)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list audit events")
	}
	if recs == nil {
		recs = []Record{}
	}
	return recs, nil
}
