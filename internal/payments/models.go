// Package payments implements the payment entity. Authorization goes to an
// external gateway behind a circuit breaker; transient failures schedule
// retries with the embedded retry tracker until it is exhausted.
package payments

import (
	"strings"
	"time"

	"tillhouse/internal/retry"
	"tillhouse/pkg/domain"
	dErrors "tillhouse/pkg/domain-errors"
)

const (
	Kind = "payment"

	EventInitiated  = "payment.initiated"
	EventAuthorized = "payment.authorized"
	EventCompleted  = "payment.completed"
	EventFailed     = "payment.failed"
)

type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusAuthorized Status = "authorized"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func Key(orgID, paymentID string) domain.Key {
	return domain.OrgKey(Kind, orgID, paymentID)
}

// Payment is the persisted state.
type Payment struct {
	ID               string        `json:"id"`
	OrgID            string        `json:"org_id"`
	AmountMinor      int64         `json:"amount_minor"`
	Currency         string        `json:"currency"`
	GiftCardID       string        `json:"gift_card_id,omitempty"`
	Status           Status        `json:"status"`
	AuthorizationRef string        `json:"authorization_ref,omitempty"`
	FailureReason    string        `json:"failure_reason,omitempty"`
	Retry            retry.Tracker `json:"retry"`
	InitiatedAt      time.Time     `json:"initiated_at"`
	AuthorizedAt     *time.Time    `json:"authorized_at,omitempty"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
}

// Snapshot is a payment with its committed version.
type Snapshot struct {
	Payment
	Version uint64 `json:"version"`
}

func (p *Payment) canAuthorize() error {
	if p.Status != StatusInitiated {
		return dErrors.Newf(dErrors.CodePreconditionFailed,
			"payment must be initiated before authorize (status %s)", p.Status)
	}
	return nil
}

func (p *Payment) canCapture() error {
	if p.Status != StatusAuthorized {
		return dErrors.Newf(dErrors.CodePreconditionFailed,
			"payment must be authorized before capture (status %s)", p.Status)
	}
	return nil
}

func (p *Payment) canFail() error {
	switch p.Status {
	case StatusFailed:
		return dErrors.New(dErrors.CodeNoChange, "payment already failed")
	case StatusCompleted:
		return dErrors.New(dErrors.CodePreconditionFailed, "completed payment cannot fail")
	}
	return nil
}

// InitiateCommand opens a payment. GiftCardID marks gift-card tender.
type InitiateCommand struct {
	PaymentID   string `json:"payment_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	GiftCardID  string `json:"gift_card_id,omitempty"`
}

func (c *InitiateCommand) Normalize() {
	c.PaymentID = strings.TrimSpace(c.PaymentID)
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
	c.GiftCardID = strings.TrimSpace(c.GiftCardID)
}

func (c InitiateCommand) Validate() error {
	if _, err := domain.RequireID("payment_id", c.PaymentID); err != nil {
		return err
	}
	if c.AmountMinor <= 0 {
		return dErrors.New(dErrors.CodeValidation, "amount must be positive")
	}
	if len(c.Currency) != 3 {
		return dErrors.New(dErrors.CodeValidation, "currency must be a 3-letter ISO code")
	}
	return nil
}

// Outcome summarises an authorization attempt.
type Outcome string

const (
	OutcomeAuthorized     Outcome = "authorized"
	OutcomeDeclined       Outcome = "declined"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeFailed         Outcome = "retries_exhausted"
)

// AuthorizeResult is returned by Authorize; a transient gateway failure is a
// successful command whose outcome is a scheduled retry.
type AuthorizeResult struct {
	Payment Snapshot   `json:"payment"`
	Outcome Outcome    `json:"outcome"`
	RetryAt *time.Time `json:"retry_at,omitempty"`
}

// CompletedEvent is published when a payment is captured. Subscribers key
// their effects on PaymentID.
type CompletedEvent struct {
	PaymentID   string `json:"payment_id"`
	OrgID       string `json:"org_id"`
	GiftCardID  string `json:"gift_card_id,omitempty"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// FailedEvent is published when a payment reaches the failed status.
type FailedEvent struct {
	PaymentID string `json:"payment_id"`
	OrgID     string `json:"org_id"`
	Reason    string `json:"reason"`
}
