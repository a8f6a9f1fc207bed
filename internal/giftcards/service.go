package giftcards

import (
	"context"
	"errors"
	"log/slog"

	"tillhouse/internal/actor"
	"tillhouse/pkg/domain"
	dErrors "tillhouse/pkg/domain-errors"
)

type Service struct {
	host   *actor.Host
	logger *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(host *actor.Host, opts ...Option) *Service {
	s := &Service{host: host, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) ref(key domain.Key) actor.Ref[GiftCard] {
	return actor.NewRef[GiftCard](s.host, key)
}

func snapshotOf(v actor.View[GiftCard]) Snapshot {
	return Snapshot{GiftCard: v.State, Version: v.Version}
}

func (s *Service) Issue(ctx context.Context, orgID string, cmd IssueCommand) (Snapshot, error) {
	orgID, err := domain.RequireID("org_id", orgID)
	if err != nil {
		return Snapshot{}, err
	}
	cmd.Normalize()
	if err := cmd.Validate(); err != nil {
		return Snapshot{}, err
	}
	v, err := s.ref(Key(orgID, cmd.CardID)).Exec(ctx, func(m *actor.Mutation[GiftCard]) error {
		if err := m.RequireNew(Kind); err != nil {
			return err
		}
		*m.State = GiftCard{
			ID:             cmd.CardID,
			OrgID:          orgID,
			Currency:       cmd.Currency,
			InitialBalance: cmd.InitialBalance,
			Balance:        cmd.InitialBalance,
			Active:         true,
			Redemptions:    map[string]Redemption{},
			IssuedAt:       m.Now,
		}
		m.Emit(EventIssued, map[string]any{"card_id": cmd.CardID, "balance": cmd.InitialBalance})
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(v), nil
}

// Redeem debits the card for a payment in the card's currency. Repeating it
// for the same payment and amount succeeds without a second debit.
func (s *Service) Redeem(ctx context.Context, orgID, cardID string, cmd RedeemCommand) (RedeemResult, error) {
	key, err := cardKey(orgID, cardID)
	if err != nil {
		return RedeemResult{}, err
	}
	cmd.Normalize()
	if err := cmd.Validate(); err != nil {
		return RedeemResult{}, err
	}
	v, err := s.ref(key).Exec(ctx, func(m *actor.Mutation[GiftCard]) error {
		if err := m.RequireExisting(Kind); err != nil {
			return err
		}
		applied, err := m.State.redeem(cmd.PaymentID, cmd.AmountMinor, cmd.Currency, m.Now)
		if err != nil {
			return err
		}
		if !applied {
			return actor.ErrUnchanged
		}
		m.Emit(EventRedeemed, RedeemedEvent{
			CardID:      m.State.ID,
			PaymentID:   cmd.PaymentID,
			AmountMinor: cmd.AmountMinor,
			Balance:     m.State.Balance,
		})
		return nil
	})
	if errors.Is(err, actor.ErrUnchanged) {
		s.logger.DebugContext(ctx, "gift card redemption already applied",
			"entity_key", key,
			"payment_id", cmd.PaymentID,
		)
		return RedeemResult{Card: snapshotOf(v)}, nil
	}
	if err != nil {
		return RedeemResult{}, err
	}
	return RedeemResult{Card: snapshotOf(v), Applied: true}, nil
}

func (s *Service) Deactivate(ctx context.Context, orgID, cardID string) (Snapshot, error) {
	key, err := cardKey(orgID, cardID)
	if err != nil {
		return Snapshot{}, err
	}
	v, err := s.ref(key).Exec(ctx, func(m *actor.Mutation[GiftCard]) error {
		if err := m.RequireExisting(Kind); err != nil {
			return err
		}
		if !m.State.Active {
			return dErrors.New(dErrors.CodeNoChange, "gift card already inactive")
		}
		m.State.Active = false
		at := m.Now
		m.State.DeactivatedAt = &at
		m.Emit(EventDeactivated, map[string]string{"card_id": m.State.ID})
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(v), nil
}

func (s *Service) Get(ctx context.Context, orgID, cardID string) (Snapshot, error) {
	key, err := cardKey(orgID, cardID)
	if err != nil {
		return Snapshot{}, err
	}
	v, err := s.ref(key).Read(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if err := v.Found(Kind); err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(v), nil
}

func cardKey(orgID, cardID string) (domain.Key, error) {
	orgID, err := domain.RequireID("org_id", orgID)
	if err != nil {
		return "", err
	}
	cardID, err = domain.RequireID("card_id", cardID)
	if err != nil {
		return "", err
	}
	return Key(orgID, cardID), nil
}
