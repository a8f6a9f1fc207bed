package events

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("tillhouse/events")

// Invoke runs h for one delivery inside an "events.handle" span. A panicking
// handler is reported as an error so the transport redelivers instead of
// losing its worker.
func Invoke(ctx context.Context, subscriber string, h Handler, env Envelope, d Delivery) (err error) {
	ctx, span := tracer.Start(ctx, "events.handle", trace.WithAttributes(
		attribute.String("event.type", env.Type),
		attribute.String("event.id", env.EventID),
		attribute.String("event.tenant", env.Tenant),
		attribute.String("subscriber", subscriber),
		attribute.Int("delivery.attempt", d.Attempt),
	))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", subscriber, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return h(ctx, env, d)
}
