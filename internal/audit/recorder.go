package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"tillhouse/internal/events"
	"tillhouse/internal/platform/metrics"
	"tillhouse/pkg/domain"
	dErrors "tillhouse/pkg/domain-errors"
)

const RecorderName = "audit.recorder"

// Recorder appends every event on every partition to the store. Store
// failures are returned so the bus redelivers.
func Recorder(store Store, logger *slog.Logger, m *metrics.Metrics) events.Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	h := func(ctx context.Context, env events.Envelope, _ events.Delivery) error {
		rec, err := FromEnvelope(env)
		if err != nil {
			return err
		}
		if err := store.Append(ctx, rec); err != nil {
			return err
		}
		logger.DebugContext(ctx, "audit event recorded",
			"event_id", rec.EventID,
			"type", rec.Type,
			"category", rec.Category,
		)
		return nil
	}
	return events.Subscriber{
		Name:      RecorderName,
		Partition: events.AllPartitions,
		Handler:   events.Resilient(RecorderName, h, logger, m),
	}
}

// FromEnvelope builds a record. Global events are filed under the global
// partition name.
func FromEnvelope(env events.Envelope) (Record, error) {
	if env.EventID == "" || env.Type == "" {
		return Record{}, dErrors.New(dErrors.CodeValidation, "audit: event without id or type")
	}
	tenant := env.Tenant
	if tenant == "" {
		tenant = domain.GlobalPartition
	}
	sum := sha256.Sum256(env.Payload)
	return Record{
		EventID:       env.EventID,
		Tenant:        tenant,
		Category:      CategoryOf(env.Type),
		Type:          env.Type,
		Source:        env.Source.String(),
		SourceVersion: env.SourceVersion,
		OccurredAt:    env.OccurredAt.UTC(),
		RequestID:     env.RequestID,
		PayloadDigest: hex.EncodeToString(sum[:]),
	}, nil
}
