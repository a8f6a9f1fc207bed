package alerts

import (
	"context"
	"log/slog"
	"strings"

	"tillhouse/internal/actor"
	"tillhouse/internal/index"
	"tillhouse/internal/platform/metrics"
	"tillhouse/pkg/domain"
	dErrors "tillhouse/pkg/domain-errors"
)

// maxIndexedAlerts bounds each organization's alert index.
const maxIndexedAlerts = 10000

type Service struct {
	host    *actor.Host
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

func NewService(host *actor.Host, opts ...Option) *Service {
	s := &Service{host: host, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) ref(orgID, alertID string) actor.Ref[Alert] {
	return actor.NewRef[Alert](s.host, Key(orgID, alertID))
}

func (s *Service) alertIndex(orgID string) *index.Index[Summary] {
	return index.New[Summary](s.host, IndexKey(orgID),
		index.WithMaxEntries(maxIndexedAlerts),
		index.WithMetrics(s.metrics),
	)
}

func summaryOf(a Alert, version uint64) Summary {
	return Summary{Alert: a, Version: version}
}

// Raise records a new alert. The index picks it up from the alert.raised event.
func (s *Service) Raise(ctx context.Context, orgID string, cmd RaiseCommand) (Snapshot, error) {
	orgID, err := domain.RequireID("org_id", orgID)
	if err != nil {
		return Snapshot{}, err
	}
	cmd.Normalize()
	if err := cmd.Validate(); err != nil {
		return Snapshot{}, err
	}
	if cmd.AlertID == "" {
		cmd.AlertID = domain.NewID()
	}
	v, err := s.ref(orgID, cmd.AlertID).Exec(ctx, func(m *actor.Mutation[Alert]) error {
		if err := m.RequireNew(Kind); err != nil {
			return err
		}
		*m.State = Alert{
			ID:       cmd.AlertID,
			OrgID:    orgID,
			Severity: cmd.Severity,
			Message:  cmd.Message,
			Status:   StatusActive,
			RaisedAt: m.Now,
		}
		m.Emit(EventRaised, summaryOf(*m.State, m.Version+1))
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Alert: v.State, Version: v.Version}, nil
}

func (s *Service) Acknowledge(ctx context.Context, orgID, alertID, by string) (Snapshot, error) {
	orgID, err := domain.RequireID("org_id", orgID)
	if err != nil {
		return Snapshot{}, err
	}
	alertID, err = domain.RequireID("alert_id", alertID)
	if err != nil {
		return Snapshot{}, err
	}
	by = strings.TrimSpace(by)
	if by == "" {
		return Snapshot{}, dErrors.New(dErrors.CodeValidation, "acknowledged by is required")
	}
	v, err := s.ref(orgID, alertID).Exec(ctx, func(m *actor.Mutation[Alert]) error {
		if err := m.RequireExisting(Kind); err != nil {
			return err
		}
		if m.State.Status == StatusAcknowledged {
			return dErrors.New(dErrors.CodeNoChange, "alert already acknowledged")
		}
		m.State.Status = StatusAcknowledged
		m.State.AcknowledgedBy = by
		at := m.Now
		m.State.AcknowledgedAt = &at
		m.Emit(EventAcknowledged, summaryOf(*m.State, m.Version+1))
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Alert: v.State, Version: v.Version}, nil
}

func (s *Service) Get(ctx context.Context, orgID, alertID string) (Snapshot, error) {
	orgID, err := domain.RequireID("org_id", orgID)
	if err != nil {
		return Snapshot{}, err
	}
	alertID, err = domain.RequireID("alert_id", alertID)
	if err != nil {
		return Snapshot{}, err
	}
	v, err := s.ref(orgID, alertID).Read(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if err := v.Found(Kind); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Alert: v.State, Version: v.Version}, nil
}

// Query reads the alert index. Results reflect the events applied so far.
func (s *Service) Query(ctx context.Context, orgID string, q Query) (Page, error) {
	orgID, err := domain.RequireID("org_id", orgID)
	if err != nil {
		return Page{}, err
	}
	if q.Severity != "" && !q.Severity.valid() {
		return Page{}, dErrors.Newf(dErrors.CodeValidation, "unknown severity %q", q.Severity)
	}
	if q.Status != "" && q.Status != StatusActive && q.Status != StatusAcknowledged {
		return Page{}, dErrors.Newf(dErrors.CodeValidation, "unknown status %q", q.Status)
	}
	res, err := s.alertIndex(orgID).Query(ctx, index.Query[Summary]{
		Filter: func(e index.Entry[Summary]) bool {
			if q.Severity != "" && e.Summary.Severity != q.Severity {
				return false
			}
			return q.Status == "" || e.Summary.Status == q.Status
		},
		Counters: map[string]func(index.Entry[Summary]) bool{
			string(StatusActive):       func(e index.Entry[Summary]) bool { return e.Summary.Status == StatusActive },
			string(StatusAcknowledged): func(e index.Entry[Summary]) bool { return e.Summary.Status == StatusAcknowledged },
		},
		Offset: q.Offset,
		Limit:  q.Limit,
	})
	if err != nil {
		return Page{}, err
	}
	page := Page{
		Alerts:       make([]Summary, 0, len(res.Entries)),
		Total:        res.Total,
		Active:       res.Counts[string(StatusActive)],
		Acknowledged: res.Counts[string(StatusAcknowledged)],
		Offset:       res.Offset,
		Limit:        res.Limit,
	}
	for _, e := range res.Entries {
		page.Alerts = append(page.Alerts, e.Summary)
	}
	return page, nil
}
