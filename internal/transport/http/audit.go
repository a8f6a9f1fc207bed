package httptransport

import (
	"context"
	"net/http"

	"tillhouse/internal/audit"
	"tillhouse/pkg/platform/httputil"
)

type AuditService interface {
	List(ctx context.Context, orgID string, f audit.Filter) ([]audit.Record, error)
}

type auditPage struct {
	Records []audit.Record `json:"records"`
}

// handleListAudit is an operator route. The trail is written from events and
// may briefly lag commands.
func (h *Handler) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	recs, err := h.svc.Audit.List(r.Context(), orgID(r), audit.Filter{
		Category: audit.Category(r.URL.Query().Get("category")),
		Type:     r.URL.Query().Get("type"),
		Limit:    limit,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, auditPage{Records: recs})
}
