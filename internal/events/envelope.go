// Package events defines the domain event envelope, the Event Bus contract and
// an in-process bus.
//
// Delivery is partitioned by tenant and ordered within a partition. It is
// at-least-once: the same EventID may reach a handler more than once, so
// handler effects must be idempotent.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"tillhouse/pkg/domain"
)

// Envelope is the transport-agnostic form of a domain event.
type Envelope struct {
	EventID       string          `json:"event_id"`
	Type          string          `json:"type"`
	Tenant        string          `json:"tenant"`
	Source        domain.Key      `json:"source"`
	SourceVersion uint64          `json:"source_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	RequestID     string          `json:"request_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope builds an envelope for an event produced by source at version.
func NewEnvelope(source domain.Key, version uint64, eventType string, payload any, at time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       domain.NewID(),
		Type:          eventType,
		Tenant:        source.Partition(),
		Source:        source,
		SourceVersion: version,
		OccurredAt:    at,
		Payload:       raw,
	}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
