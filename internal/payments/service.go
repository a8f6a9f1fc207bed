package payments

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"tillhouse/internal/actor"
	"tillhouse/internal/entity"
	"tillhouse/internal/platform/metrics"
	"tillhouse/internal/retry"
	"tillhouse/pkg/domain"
	dErrors "tillhouse/pkg/domain-errors"
	"tillhouse/pkg/platform/circuit"
)

// Service runs payment commands. Gateway calls happen inside the payment's
// mutation, so one payment never has two authorizations in flight.
type Service struct {
	host    *actor.Host
	gateway Gateway
	breaker *circuit.Breaker
	policy  retry.Policy
	timer   *retry.Timer
	lister  entity.Lister

	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) { s.policy = p }
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(s *Service) {
		if b != nil {
			s.breaker = b
		}
	}
}

// WithLister enables RecoverRetries over the given store.
func WithLister(l entity.Lister) Option {
	return func(s *Service) { s.lister = l }
}

func NewService(host *actor.Host, gateway Gateway, opts ...Option) *Service {
	s := &Service{
		host:    host,
		gateway: gateway,
		breaker: circuit.New("payment-gateway"),
		policy:  retry.DefaultPolicy(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.timer = retry.NewTimer(s.RetryDue, s.logger)
	return s
}

// Close stops pending retry timers.
func (s *Service) Close() {
	s.timer.Stop()
}

func (s *Service) ref(key domain.Key) actor.Ref[Payment] {
	return actor.NewRef[Payment](s.host, key)
}

func snapshotOf(v actor.View[Payment]) Snapshot {
	return Snapshot{Payment: v.State, Version: v.Version}
}

func (s *Service) Initiate(ctx context.Context, orgID string, cmd InitiateCommand) (Snapshot, error) {
	orgID, err := domain.RequireID("org_id", orgID)
	if err != nil {
		return Snapshot{}, err
	}
	cmd.Normalize()
	if err := cmd.Validate(); err != nil {
		return Snapshot{}, err
	}
	v, err := s.ref(Key(orgID, cmd.PaymentID)).Exec(ctx, func(m *actor.Mutation[Payment]) error {
		if err := m.RequireNew(Kind); err != nil {
			return err
		}
		*m.State = Payment{
			ID:          cmd.PaymentID,
			OrgID:       orgID,
			AmountMinor: cmd.AmountMinor,
			Currency:    cmd.Currency,
			GiftCardID:  cmd.GiftCardID,
			Status:      StatusInitiated,
			Retry:       retry.Tracker{MaxRetries: s.policy.MaxRetries},
			InitiatedAt: m.Now,
		}
		m.Emit(EventInitiated, m.State)
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(v), nil
}

// Authorize asks the gateway to authorize an initiated payment. Gift-card
// tender is authorized locally; its balance is enforced when the card is
// redeemed after capture.
func (s *Service) Authorize(ctx context.Context, orgID, paymentID string) (AuthorizeResult, error) {
	key, err := paymentKey(orgID, paymentID)
	if err != nil {
		return AuthorizeResult{}, err
	}
	return s.authorize(ctx, key, false)
}

// RetryDue is invoked by the retry timer. It re-attempts authorization when
// the scheduled retry is due and re-arms the timer when woken early.
func (s *Service) RetryDue(ctx context.Context, key domain.Key) error {
	res, err := s.authorize(ctx, key, true)
	if errors.Is(err, actor.ErrUnchanged) || dErrors.HasCode(err, dErrors.CodePreconditionFailed) {
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "payment retry attempted",
		"entity_key", key,
		"outcome", res.Outcome,
	)
	return nil
}

func (s *Service) authorize(ctx context.Context, key domain.Key, scheduled bool) (AuthorizeResult, error) {
	var res AuthorizeResult
	v, err := s.ref(key).Exec(ctx, func(m *actor.Mutation[Payment]) error {
		if err := m.RequireExisting(Kind); err != nil {
			return err
		}
		p := m.State
		if err := p.canAuthorize(); err != nil {
			return err
		}
		if scheduled && !p.Retry.Due(m.Now) {
			if p.Retry.ShouldRetry() {
				at := *p.Retry.NextRetryAt
				res.RetryAt = &at
			}
			return actor.ErrUnchanged
		}

		if p.GiftCardID != "" {
			s.approve(m, "giftcard-"+p.GiftCardID)
			res.Outcome = OutcomeAuthorized
			return nil
		}

		result, callErr := s.callGateway(m.Context(), p)
		switch {
		case callErr == nil && result.Approved:
			s.approve(m, result.Reference)
			res.Outcome = OutcomeAuthorized
		case callErr == nil:
			p.Retry.RecordAttempt(m.Now, false, result.DeclineCode, "declined by gateway")
			s.fail(m, "declined: "+result.DeclineCode)
			res.Outcome = OutcomeDeclined
		default:
			code, msg := gatewayErrorCode(callErr), callErr.Error()
			p.Retry.RecordAttempt(m.Now, false, code, msg)
			sched, err := p.Retry.ScheduleRetry(m.Now, msg, 0, s.policy)
			if err != nil {
				return err
			}
			if sched.Exhausted {
				s.fail(m, "retries exhausted: "+msg)
				res.Outcome = OutcomeFailed
			} else {
				at := sched.At
				res.RetryAt = &at
				res.Outcome = OutcomeRetryScheduled
			}
		}
		return nil
	})
	if errors.Is(err, actor.ErrUnchanged) && res.RetryAt != nil {
		s.timer.Schedule(key, *res.RetryAt)
	}
	if err != nil {
		return AuthorizeResult{}, err
	}

	switch res.Outcome {
	case OutcomeRetryScheduled:
		s.metrics.IncRetryScheduled(Kind)
		s.timer.Schedule(key, *res.RetryAt)
	case OutcomeFailed:
		s.metrics.IncRetryExhausted(Kind)
		s.timer.Cancel(key)
		s.logger.WarnContext(ctx, "payment retries exhausted", "entity_key", key)
	default:
		s.timer.Cancel(key)
	}
	res.Payment = snapshotOf(v)
	return res, nil
}

func (s *Service) callGateway(ctx context.Context, p *Payment) (AuthorizationResult, error) {
	if !s.breaker.Allow() {
		return AuthorizationResult{}, errCircuitOpen
	}
	result, err := s.gateway.Authorize(ctx, AuthorizationRequest{
		PaymentID:   p.ID,
		OrgID:       p.OrgID,
		AmountMinor: p.AmountMinor,
		Currency:    p.Currency,
	})
	if err != nil {
		if _, change := s.breaker.RecordFailure(); change.Opened {
			s.logger.Warn("payment gateway circuit opened", "breaker", s.breaker.Name())
		}
		return AuthorizationResult{}, err
	}
	if _, change := s.breaker.RecordSuccess(); change.Closed {
		s.logger.Info("payment gateway circuit closed", "breaker", s.breaker.Name())
	}
	return result, nil
}

var errCircuitOpen = errors.New("payment gateway circuit open")

func gatewayErrorCode(err error) string {
	switch {
	case errors.Is(err, errCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "gateway_timeout"
	default:
		return "gateway_error"
	}
}

func (s *Service) approve(m *actor.Mutation[Payment], reference string) {
	p := m.State
	p.Retry.RecordAttempt(m.Now, true, "", "")
	p.Status = StatusAuthorized
	p.AuthorizationRef = reference
	at := m.Now
	p.AuthorizedAt = &at
	m.Emit(EventAuthorized, map[string]string{"payment_id": p.ID, "authorization_ref": reference})
}

func (s *Service) fail(m *actor.Mutation[Payment], reason string) {
	p := m.State
	p.Status = StatusFailed
	p.FailureReason = reason
	p.Retry.NextRetryAt = nil
	m.Emit(EventFailed, FailedEvent{PaymentID: p.ID, OrgID: p.OrgID, Reason: reason})
}

// Capture completes an authorized payment and publishes PaymentCompleted.
func (s *Service) Capture(ctx context.Context, orgID, paymentID string) (Snapshot, error) {
	key, err := paymentKey(orgID, paymentID)
	if err != nil {
		return Snapshot{}, err
	}
	v, err := s.ref(key).Exec(ctx, func(m *actor.Mutation[Payment]) error {
		if err := m.RequireExisting(Kind); err != nil {
			return err
		}
		p := m.State
		if err := p.canCapture(); err != nil {
			return err
		}
		p.Status = StatusCompleted
		at := m.Now
		p.CompletedAt = &at
		m.Emit(EventCompleted, CompletedEvent{
			PaymentID:   p.ID,
			OrgID:       p.OrgID,
			GiftCardID:  p.GiftCardID,
			AmountMinor: p.AmountMinor,
			Currency:    p.Currency,
		})
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(v), nil
}

// Fail abandons a payment that has not completed.
func (s *Service) Fail(ctx context.Context, orgID, paymentID, reason string) (Snapshot, error) {
	key, err := paymentKey(orgID, paymentID)
	if err != nil {
		return Snapshot{}, err
	}
	if reason == "" {
		return Snapshot{}, dErrors.New(dErrors.CodeValidation, "reason is required")
	}
	v, err := s.ref(key).Exec(ctx, func(m *actor.Mutation[Payment]) error {
		if err := m.RequireExisting(Kind); err != nil {
			return err
		}
		if err := m.State.canFail(); err != nil {
			return err
		}
		s.fail(m, reason)
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	s.timer.Cancel(key)
	return snapshotOf(v), nil
}

func (s *Service) Get(ctx context.Context, orgID, paymentID string) (Snapshot, error) {
	key, err := paymentKey(orgID, paymentID)
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

// RecoverRetries re-arms timers for payments with a pending retry, reading
// persisted snapshots directly. The retry command itself still goes through
// the actor, which re-checks the schedule.
func (s *Service) RecoverRetries(ctx context.Context) (int, error) {
	if s.lister == nil {
		return 0, nil
	}
	keys, err := s.lister.Keys(ctx, "org:"+Kind+":")
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeUnavailable, "list payments")
	}
	snaps, err := s.lister.LoadMany(ctx, keys)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeUnavailable, "load payments")
	}
	armed := 0
	for _, snap := range snaps {
		var p Payment
		if err := json.Unmarshal(snap.Data, &p); err != nil {
			s.logger.WarnContext(ctx, "skipping undecodable payment", "entity_key", snap.Key, "error", err)
			continue
		}
		if p.Status != StatusInitiated || !p.Retry.ShouldRetry() {
			continue
		}
		at := *p.Retry.NextRetryAt
		if at.Before(time.Now()) {
			at = time.Now()
		}
		s.timer.Schedule(snap.Key, at)
		armed++
	}
	return armed, nil
}

func paymentKey(orgID, paymentID string) (domain.Key, error) {
	orgID, err := domain.RequireID("org_id", orgID)
	if err != nil {
		return "", err
	}
	paymentID, err = domain.RequireID("payment_id", paymentID)
	if err != nil {
		return "", err
	}
	return Key(orgID, paymentID), nil
}
