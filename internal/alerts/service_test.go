package alerts_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"tillhouse/internal/actor"
	"tillhouse/internal/alerts"
	"tillhouse/internal/entity/store"
	"tillhouse/internal/events"
	dErrors "tillhouse/pkg/domain-errors"
	"tillhouse/pkg/requestcontext"
)

type AlertSuite struct {
	suite.Suite
	bus   *events.MemoryBus
	host  *actor.Host
	svc   *alerts.Service
	group *events.Group
	start time.Time
}

func TestAlertSuite(t *testing.T) {
	suite.Run(t, new(AlertSuite))
}

func (s *AlertSuite) SetupTest() {
	s.bus = events.NewMemoryBus(events.WithRedeliveryBackoff(time.Millisecond, 10*time.Millisecond))
	s.host = actor.NewHost(store.NewMemory(), s.bus)
	s.svc = alerts.NewService(s.host)
	group, err := events.SubscribeAll(s.bus, alerts.IndexProjection(s.svc, nil, nil))
	s.Require().NoError(err)
	s.group = group
	s.start = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
}

func (s *AlertSuite) TearDownTest() {
	s.Require().NoError(s.group.Close())
	s.Require().NoError(s.host.Close(context.Background()))
	s.Require().NoError(s.bus.Close())
}

func (s *AlertSuite) ctxAt(minutes int) context.Context {
	return requestcontext.WithTime(context.Background(), s.start.Add(time.Duration(minutes)*time.Minute))
}

func (s *AlertSuite) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Require().NoError(s.bus.Flush(ctx))
}

func (s *AlertSuite) raise(minute int, id string, sev alerts.Severity) {
	_, err := s.svc.Raise(s.ctxAt(minute), "org-1", alerts.RaiseCommand{AlertID: id, Severity: sev, Message: "printer offline"})
	s.Require().NoError(err)
}

func (s *AlertSuite) TestQueryCountsAndOrder() {
	s.raise(1, "a-1", alerts.SeverityWarning)
	s.raise(2, "a-2", alerts.SeverityCritical)
	s.raise(3, "a-3", alerts.SeverityWarning)
	_, err := s.svc.Acknowledge(s.ctxAt(4), "org-1", "a-1", "u-9")
	s.Require().NoError(err)
	s.flush()

	page, err := s.svc.Query(context.Background(), "org-1", alerts.Query{})
	s.Require().NoError(err)
	s.Equal(3, page.Total)
	s.Equal(2, page.Active)
	s.Equal(1, page.Acknowledged)
	s.Require().Len(page.Alerts, 3)
	// a-1 was re-registered on acknowledgement, so it is the newest entry.
	s.Equal([]string{"a-1", "a-3", "a-2"}, []string{page.Alerts[0].ID, page.Alerts[1].ID, page.Alerts[2].ID})
	s.Equal(alerts.StatusAcknowledged, page.Alerts[0].Status)
	s.Equal("u-9", page.Alerts[0].AcknowledgedBy)

	page, err = s.svc.Query(context.Background(), "org-1", alerts.Query{Severity: alerts.SeverityWarning, Limit: 1})
	s.Require().NoError(err)
	s.Equal(2, page.Total)
	s.Len(page.Alerts, 1)
	s.Equal(1, page.Limit)

	page, err = s.svc.Query(context.Background(), "org-1", alerts.Query{Status: alerts.StatusActive})
	s.Require().NoError(err)
	s.Equal(2, page.Total)
	s.Equal(0, page.Acknowledged)
}

func (s *AlertSuite) TestProjectionIgnoresOlderSummary() {
	s.raise(1, "a-1", alerts.SeverityInfo)
	ack, err := s.svc.Acknowledge(s.ctxAt(2), "org-1", "a-1", "u-1")
	s.Require().NoError(err)
	s.flush()

	stale, err := events.NewEnvelope(alerts.Key("org-1", "a-1"), 1, alerts.EventRaised, alerts.Summary{
		Alert:   alerts.Alert{ID: "a-1", OrgID: "org-1", Severity: alerts.SeverityInfo, Status: alerts.StatusActive},
		Version: 1,
	}, s.start)
	s.Require().NoError(err)
	s.Require().NoError(s.bus.Publish(context.Background(), "org-1", stale))
	s.flush()

	page, err := s.svc.Query(context.Background(), "org-1", alerts.Query{})
	s.Require().NoError(err)
	s.Require().Len(page.Alerts, 1)
	s.Equal(alerts.StatusAcknowledged, page.Alerts[0].Status)
	s.Equal(ack.Version, page.Alerts[0].Version)
}

func (s *AlertSuite) TestCommands() {
	_, err := s.svc.Raise(s.ctxAt(0), "org-1", alerts.RaiseCommand{Severity: "loud", Message: "x"})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	snap, err := s.svc.Raise(s.ctxAt(0), "org-1", alerts.RaiseCommand{Severity: "CRITICAL", Message: "drawer open"})
	s.Require().NoError(err)
	s.NotEmpty(snap.ID)
	s.Equal(alerts.SeverityCritical, snap.Severity)

	_, err = s.svc.Acknowledge(s.ctxAt(1), "org-1", snap.ID, "")
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	_, err = s.svc.Acknowledge(s.ctxAt(1), "org-1", snap.ID, "u-1")
	s.Require().NoError(err)
	_, err = s.svc.Acknowledge(s.ctxAt(1), "org-1", snap.ID, "u-1")
	s.True(dErrors.HasCode(err, dErrors.CodeNoChange))
	_, err = s.svc.Acknowledge(s.ctxAt(1), "org-1", "missing", "u-1")
	s.True(dErrors.HasCode(err, dErrors.CodePreconditionFailed))

	got, err := s.svc.Get(context.Background(), "org-1", snap.ID)
	s.Require().NoError(err)
	s.Equal(uint64(2), got.Version)

	_, err = s.svc.Query(context.Background(), "org-1", alerts.Query{Offset: -1})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}
