package alerts

import (
	"context"
	"log/slog"

	"tillhouse/internal/events"
	"tillhouse/internal/platform/metrics"
	dErrors "tillhouse/pkg/domain-errors"
	"tillhouse/pkg/requestcontext"
)

const ProjectionName = "alerts.index-projection"

// IndexProjection keeps the alert index in step with alert events. Each
// event id is applied at most once, and a summary older than the indexed one
// is ignored.
func IndexProjection(svc *Service, logger *slog.Logger, m *metrics.Metrics) events.Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	apply := events.On(func(ctx context.Context, env events.Envelope, sum Summary) error {
		// Index entries are ordered by when the alert changed, not when the
		// event happened to be delivered.
		if !env.OccurredAt.IsZero() {
			ctx = requestcontext.WithTime(ctx, env.OccurredAt)
		}
		return svc.project(ctx, env.EventID, sum)
	})
	router := events.NewRouter(logger, nil).
		Register(EventRaised, apply).
		Register(EventAcknowledged, apply)

	return events.Subscriber{
		Name:      ProjectionName,
		Partition: events.AllPartitions,
		Handler:   events.Resilient(ProjectionName, router.Handle, logger, m),
	}
}

func (s *Service) project(ctx context.Context, eventID string, sum Summary) error {
	if sum.OrgID == "" || sum.ID == "" {
		return dErrors.New(dErrors.CodeValidation, "alert summary without id")
	}
	ix := s.alertIndex(sum.OrgID)
	cur, err := ix.Lookup(ctx, sum.ID, "")
	switch {
	case err == nil && cur.Summary.Version >= sum.Version:
		return nil
	case err != nil && !dErrors.HasCode(err, dErrors.CodeNotFound):
		return err
	}
	applied, err := ix.RegisterOnce(ctx, eventID, sum.ID, sum.ID, sum, string(sum.Severity))
	if err != nil {
		return err
	}
	if applied {
		s.logger.DebugContext(ctx, "alert index updated",
			"entity_key", Key(sum.OrgID, sum.ID),
			"status", sum.Status,
			"version", sum.Version,
		)
	}
	return nil
}
