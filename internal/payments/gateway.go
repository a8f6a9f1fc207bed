package payments

//go:generate mockgen -source=gateway.go -destination=mocks/mocks.go -package=mocks Gateway

import (
	"context"

	"tillhouse/pkg/domain"
)

// AuthorizationRequest is sent to the gateway. PaymentID doubles as the
// gateway idempotency key, so re-sending after an ambiguous failure is safe.
type AuthorizationRequest struct {
	PaymentID   string
	OrgID       string
	AmountMinor int64
	Currency    string
}

// AuthorizationResult is the gateway's answer. Approved false is a final
// decline; transport problems are reported as errors instead.
type AuthorizationResult struct {
	Approved    bool
	Reference   string
	DeclineCode string
}

// Gateway is the external card processor.
type Gateway interface {
	Authorize(ctx context.Context, req AuthorizationRequest) (AuthorizationResult, error)
}

// ApprovingGateway approves every request. It backs local runs that have no
// processor configured.
type ApprovingGateway struct{}

func (ApprovingGateway) Authorize(_ context.Context, req AuthorizationRequest) (AuthorizationResult, error) {
	return AuthorizationResult{Approved: true, Reference: "local-" + domain.SanitizeKeySegment(req.PaymentID)}, nil
}
