package httptransport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tillhouse/internal/alerts"
	"tillhouse/pkg/platform/httputil"
	"tillhouse/pkg/requestcontext"
)

type AlertService interface {
	Raise(ctx context.Context, orgID string, cmd alerts.RaiseCommand) (alerts.Snapshot, error)
	Acknowledge(ctx context.Context, orgID, alertID, by string) (alerts.Snapshot, error)
	Get(ctx context.Context, orgID, alertID string) (alerts.Snapshot, error)
	Query(ctx context.Context, orgID string, q alerts.Query) (alerts.Page, error)
}

func (h *Handler) registerAlertRoutes(r chi.Router) {
	r.Post("/alerts", h.handleRaiseAlert)
	r.Get("/alerts", h.handleQueryAlerts)
	r.Get("/alerts/{alertID}", h.handleGetAlert)
	r.Post("/alerts/{alertID}/acknowledge", h.handleAcknowledgeAlert)
}

func (h *Handler) handleRaiseAlert(w http.ResponseWriter, r *http.Request) {
	var cmd alerts.RaiseCommand
	if err := httputil.DecodeJSON(r, &cmd); err != nil {
		h.writeError(w, r, err)
		return
	}
	snap, err := h.svc.Alerts.Raise(r.Context(), orgID(r), cmd)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, snap)
}

// handleQueryAlerts reads the alert index, which is updated from events and
// may briefly lag commands.
func (h *Handler) handleQueryAlerts(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	page, err := h.svc.Alerts.Query(r.Context(), orgID(r), alerts.Query{
		Status:   alerts.Status(r.URL.Query().Get("status")),
		Severity: alerts.Severity(r.URL.Query().Get("severity")),
		Offset:   offset,
		Limit:    limit,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, page)
}

func (h *Handler) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Alerts.Get(r.Context(), orgID(r), chi.URLParam(r, "alertID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Alerts.Acknowledge(r.Context(), orgID(r), chi.URLParam(r, "alertID"),
		requestcontext.ActorID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}
