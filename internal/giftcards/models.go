// Package giftcards implements stored-value cards. Redemptions are keyed by
// payment id so a redelivered PaymentCompleted event debits a card once.
package giftcards

import (
	"strings"
	"time"

	"tillhouse/pkg/domain"
	dErrors "tillhouse/pkg/domain-errors"
)

const (
	Kind = "giftcard"

	EventIssued      = "giftcard.issued"
	EventRedeemed    = "giftcard.redeemed"
	EventDeactivated = "giftcard.deactivated"
)

func Key(orgID, cardID string) domain.Key {
	return domain.OrgKey(Kind, orgID, cardID)
}

type Redemption struct {
	PaymentID   string    `json:"payment_id"`
	AmountMinor int64     `json:"amount_minor"`
	RedeemedAt  time.Time `json:"redeemed_at"`
}

type GiftCard struct {
	ID             string                `json:"id"`
	OrgID          string                `json:"org_id"`
	Currency       string                `json:"currency"`
	InitialBalance int64                 `json:"initial_balance"`
	Balance        int64                 `json:"balance"`
	Active         bool                  `json:"active"`
	Redemptions    map[string]Redemption `json:"redemptions"`
	IssuedAt       time.Time             `json:"issued_at"`
	DeactivatedAt  *time.Time            `json:"deactivated_at,omitempty"`
}

type Snapshot struct {
	GiftCard
	Version uint64 `json:"version"`
}

// redeem applies a debit in the card's currency. It reports false when
// paymentID was already redeemed with the same amount.
func (g *GiftCard) redeem(paymentID string, amount int64, currency string, now time.Time) (bool, error) {
	if prev, ok := g.Redemptions[paymentID]; ok {
		if prev.AmountMinor != amount {
			return false, dErrors.Newf(dErrors.CodeInvariantViolation,
				"payment %s already redeemed %d, not %d", paymentID, prev.AmountMinor, amount)
		}
		return false, nil
	}
	if !g.Active {
		return false, dErrors.New(dErrors.CodePreconditionFailed, "gift card is not active")
	}
	if currency != g.Currency {
		return false, dErrors.Newf(dErrors.CodePreconditionFailed,
			"gift card holds %s, payment is in %s", g.Currency, currency)
	}
	if amount > g.Balance {
		return false, dErrors.Newf(dErrors.CodePreconditionFailed,
			"insufficient balance: %d available, %d requested", g.Balance, amount)
	}
	if g.Redemptions == nil {
		g.Redemptions = make(map[string]Redemption)
	}
	g.Balance -= amount
	g.Redemptions[paymentID] = Redemption{PaymentID: paymentID, AmountMinor: amount, RedeemedAt: now}
	return true, nil
}

type IssueCommand struct {
	CardID         string `json:"card_id"`
	InitialBalance int64  `json:"initial_balance"`
	Currency       string `json:"currency"`
}

func (c *IssueCommand) Normalize() {
	c.CardID = strings.TrimSpace(c.CardID)
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
}

func (c IssueCommand) Validate() error {
	if _, err := domain.RequireID("card_id", c.CardID); err != nil {
		return err
	}
	if c.InitialBalance <= 0 {
		return dErrors.New(dErrors.CodeValidation, "initial balance must be positive")
	}
	if len(c.Currency) != 3 {
		return dErrors.New(dErrors.CodeValidation, "currency must be a 3-letter ISO code")
	}
	return nil
}

type RedeemCommand struct {
	PaymentID   string `json:"payment_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

func (c *RedeemCommand) Normalize() {
	c.PaymentID = strings.TrimSpace(c.PaymentID)
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
}

func (c RedeemCommand) Validate() error {
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

// RedeemResult reports whether the command debited the card. Applied is false
// for a repeated redemption of the same payment.
type RedeemResult struct {
	Card    Snapshot `json:"card"`
	Applied bool     `json:"applied"`
}

type RedeemedEvent struct {
	CardID      string `json:"card_id"`
	PaymentID   string `json:"payment_id"`
	AmountMinor int64  `json:"amount_minor"`
	Balance     int64  `json:"balance"`
}
