// Package audit keeps a per-organization trail of every domain event the
// system publishes.
//
// Records are materialized from the event bus by the recorder subscriber, so
// the trail may briefly lag the command that produced an event. Payloads are
// not retained; each record carries a SHA-256 digest of the payload so a
// record can be matched to an event without storing PIN hashes or tokens.
package audit

import (
	"context"
	"strings"
	"time"
)

// Category classifies records by their primary purpose.
type Category string

const (
	// CategorySecurity covers credential and session activity.
	CategorySecurity Category = "security"
	// CategoryCompliance covers money movement.
	CategoryCompliance Category = "compliance"
	// CategoryOperations covers everything else.
	CategoryOperations Category = "operations"
)

var categoryByPrefix = map[string]Category{
	"user":     CategorySecurity,
	"session":  CategorySecurity,
	"device":   CategorySecurity,
	"payment":  CategoryCompliance,
	"giftcard": CategoryCompliance,
}

// CategoryOf derives the category from the event type prefix, e.g.
// "payment.completed" is compliance.
func CategoryOf(eventType string) Category {
	prefix, _, _ := strings.Cut(eventType, ".")
	if c, ok := categoryByPrefix[prefix]; ok {
		return c
	}
	return CategoryOperations
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategorySecurity, CategoryCompliance, CategoryOperations:
		return true
	}
	return false
}

// Record is one audited event.
type Record struct {
	EventID       string    `json:"event_id"`
	Tenant        string    `json:"tenant"`
	Category      Category  `json:"category"`
	Type          string    `json:"type"`
	Source        string    `json:"source"`
	SourceVersion uint64    `json:"source_version"`
	OccurredAt    time.Time `json:"occurred_at"`
	RequestID     string    `json:"request_id,omitempty"`
	PayloadDigest string    `json:"payload_digest"`
}

// Filter narrows a List call. Zero fields match everything.
type Filter struct {
	Category Category
	Type     string
	Limit    int
}

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Store persists records. Append must be idempotent on EventID so bus
// redelivery does not duplicate the trail. List returns newest first.
type Store interface {
	Append(ctx context.Context, rec Record) error
	List(ctx context.Context, tenant string, f Filter) ([]Record, error)
}
