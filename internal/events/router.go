package events

import (
	"context"
	"log/slog"

	dErrors "tillhouse/pkg/domain-errors"
)

// Router dispatches envelopes to handlers registered per event type.
// Types with no handler are acknowledged so they are not redelivered.
type Router struct {
	handlers map[string]Handler
	fallback Handler
	logger   *slog.Logger
}

// NewRouter creates a type router with an optional fallback handler.
func NewRouter(logger *slog.Logger, fallback Handler) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers: make(map[string]Handler),
		fallback: fallback,
		logger:   logger,
	}
}

// Register adds a handler for eventType, replacing any previous one.
func (r *Router) Register(eventType string, h Handler) *Router {
	r.handlers[eventType] = h
	return r
}

// Handle routes env to its type handler. It satisfies Handler.
func (r *Router) Handle(ctx context.Context, env Envelope, d Delivery) error {
	h, ok := r.handlers[env.Type]
	if !ok {
		if r.fallback != nil {
			return r.fallback(ctx, env, d)
		}
		r.logger.Debug("no handler for event type, skipping",
			"event_type", env.Type,
			"event_id", env.EventID,
		)
		return nil
	}
	return h(ctx, env, d)
}

// On adapts a typed payload handler. A payload that does not decode is a
// permanent failure and is reported as a validation rejection.
func On[T any](fn func(ctx context.Context, env Envelope, payload T) error) Handler {
	return func(ctx context.Context, env Envelope, _ Delivery) error {
		var payload T
		if err := env.Decode(&payload); err != nil {
			return dErrors.Wrap(err, dErrors.CodeValidation, "malformed event payload")
		}
		return fn(ctx, env, payload)
	}
}
