package actor

import (
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tillhouse/pkg/domain"
)

func setSpanKey(span trace.Span, key domain.Key) {
	span.SetAttributes(
		attribute.String("entity.key", string(key)),
		attribute.String("entity.kind", key.Kind()),
	)
}

func recordSpanError(span trace.Span, err error) {
	if err == nil || errors.Is(err, ErrUnchanged) {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (h *Host) newIdleTimer() *time.Timer {
	return time.NewTimer(h.idleTimeout)
}
