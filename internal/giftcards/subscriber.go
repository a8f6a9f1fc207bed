package giftcards

import (
	"context"
	"log/slog"

	"tillhouse/internal/events"
	"tillhouse/internal/payments"
	"tillhouse/internal/platform/metrics"
)

// RedeemSubscriberName identifies the redemption consumer in logs and metrics.
const RedeemSubscriberName = "giftcards.redeem-on-payment-completed"

// RedeemOnPaymentCompleted debits the tendered gift card when a payment
// completes. Event-id dedup drops most redeliveries; the per-payment
// redemption record makes the rest harmless.
func RedeemOnPaymentCompleted(svc *Service, dedup *events.Deduper, logger *slog.Logger, m *metrics.Metrics) events.Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	router := events.NewRouter(logger, nil).
		Register(payments.EventCompleted, events.On(func(ctx context.Context, env events.Envelope, p payments.CompletedEvent) error {
			if p.GiftCardID == "" {
				return nil
			}
			res, err := svc.Redeem(ctx, p.OrgID, p.GiftCardID, RedeemCommand{
				PaymentID:   p.PaymentID,
				AmountMinor: p.AmountMinor,
				Currency:    p.Currency,
			})
			if err != nil {
				return err
			}
			logger.InfoContext(ctx, "gift card redeemed for payment",
				"event_id", env.EventID,
				"payment_id", p.PaymentID,
				"card_id", p.GiftCardID,
				"applied", res.Applied,
				"balance", res.Card.Balance,
			)
			return nil
		}))

	h := events.Resilient(RedeemSubscriberName, router.Handle, logger, m)
	if dedup != nil {
		h = dedup.Wrap(RedeemSubscriberName, h, m)
	}
	return events.Subscriber{
		Name:      RedeemSubscriberName,
		Partition: events.AllPartitions,
		Handler:   h,
	}
}
