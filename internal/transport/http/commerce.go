package httptransport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tillhouse/internal/giftcards"
	"tillhouse/internal/payments"
	"tillhouse/pkg/platform/httputil"
)

type GiftCardService interface {
	Issue(ctx context.Context, orgID string, cmd giftcards.IssueCommand) (giftcards.Snapshot, error)
	Redeem(ctx context.Context, orgID, cardID string, cmd giftcards.RedeemCommand) (giftcards.RedeemResult, error)
	Deactivate(ctx context.Context, orgID, cardID string) (giftcards.Snapshot, error)
	Get(ctx context.Context, orgID, cardID string) (giftcards.Snapshot, error)
}

type PaymentService interface {
	Initiate(ctx context.Context, orgID string, cmd payments.InitiateCommand) (payments.Snapshot, error)
	Authorize(ctx context.Context, orgID, paymentID string) (payments.AuthorizeResult, error)
	Capture(ctx context.Context, orgID, paymentID string) (payments.Snapshot, error)
	Fail(ctx context.Context, orgID, paymentID, reason string) (payments.Snapshot, error)
	Get(ctx context.Context, orgID, paymentID string) (payments.Snapshot, error)
}

func (h *Handler) registerGiftCardRoutes(r chi.Router) {
	r.Get("/giftcards/{cardID}", h.handleGetGiftCard)
	r.Post("/giftcards/{cardID}/redeem", h.handleRedeemGiftCard)
}

func (h *Handler) registerPaymentRoutes(r chi.Router) {
	r.Post("/payments", h.handleInitiatePayment)
	r.Get("/payments/{paymentID}", h.handleGetPayment)
	r.Post("/payments/{paymentID}/authorize", h.handleAuthorizePayment)
	r.Post("/payments/{paymentID}/capture", h.handleCapturePayment)
	r.Post("/payments/{paymentID}/fail", h.handleFailPayment)
}

func (h *Handler) handleIssueGiftCard(w http.ResponseWriter, r *http.Request) {
	var cmd giftcards.IssueCommand
	if err := httputil.DecodeJSON(r, &cmd); err != nil {
		h.writeError(w, r, err)
		return
	}
	snap, err := h.svc.GiftCards.Issue(r.Context(), orgID(r), cmd)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, snap)
}

func (h *Handler) handleGetGiftCard(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.GiftCards.Get(r.Context(), orgID(r), chi.URLParam(r, "cardID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleRedeemGiftCard(w http.ResponseWriter, r *http.Request) {
	var cmd giftcards.RedeemCommand
	if err := httputil.DecodeJSON(r, &cmd); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.svc.GiftCards.Redeem(r.Context(), orgID(r), chi.URLParam(r, "cardID"), cmd)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) handleDeactivateGiftCard(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.GiftCards.Deactivate(r.Context(), orgID(r), chi.URLParam(r, "cardID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleInitiatePayment(w http.ResponseWriter, r *http.Request) {
	var cmd payments.InitiateCommand
	if err := httputil.DecodeJSON(r, &cmd); err != nil {
		h.writeError(w, r, err)
		return
	}
	snap, err := h.svc.Payments.Initiate(r.Context(), orgID(r), cmd)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, snap)
}

func (h *Handler) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Payments.Get(r.Context(), orgID(r), chi.URLParam(r, "paymentID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

// handleAuthorizePayment answers 202 when the gateway failed transiently and
// a retry was scheduled.
func (h *Handler) handleAuthorizePayment(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Payments.Authorize(r.Context(), orgID(r), chi.URLParam(r, "paymentID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Outcome == payments.OutcomeRetryScheduled {
		status = http.StatusAccepted
	}
	httputil.WriteJSON(w, status, res)
}

func (h *Handler) handleCapturePayment(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Payments.Capture(r.Context(), orgID(r), chi.URLParam(r, "paymentID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

type failPaymentRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleFailPayment(w http.ResponseWriter, r *http.Request) {
	var req failPaymentRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	snap, err := h.svc.Payments.Fail(r.Context(), orgID(r), chi.URLParam(r, "paymentID"), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}
