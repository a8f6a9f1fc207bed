package httptransport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tillhouse/internal/workflow"
	"tillhouse/pkg/platform/httputil"
	"tillhouse/pkg/requestcontext"
)

type WorkflowService interface {
	Initialize(ctx context.Context, owner workflow.Owner, cmd workflow.InitializeCommand) (workflow.Snapshot, error)
	Transition(ctx context.Context, owner workflow.Owner, cmd workflow.TransitionCommand) (workflow.Snapshot, error)
	Get(ctx context.Context, owner workflow.Owner) (workflow.Snapshot, error)
	Status(ctx context.Context, owner workflow.Owner) (string, error)
	History(ctx context.Context, owner workflow.Owner) ([]workflow.Transition, error)
	CanTransitionTo(ctx context.Context, owner workflow.Owner, status string) (bool, error)
}

func (h *Handler) registerWorkflowRoutes(r chi.Router) {
	r.Route("/workflows/{ownerType}/{ownerID}", func(wf chi.Router) {
		wf.Post("/", h.handleInitializeWorkflow)
		wf.Get("/", h.handleGetWorkflow)
		wf.Post("/transitions", h.handleTransitionWorkflow)
		wf.Get("/status", h.handleWorkflowStatus)
		wf.Get("/history", h.handleWorkflowHistory)
		wf.Get("/can-transition", h.handleCanTransition)
	})
}

func workflowOwner(r *http.Request) workflow.Owner {
	return workflow.Owner{
		OrgID: orgID(r),
		Type:  chi.URLParam(r, "ownerType"),
		ID:    chi.URLParam(r, "ownerID"),
	}
}

func (h *Handler) handleInitializeWorkflow(w http.ResponseWriter, r *http.Request) {
	var cmd workflow.InitializeCommand
	if err := httputil.DecodeJSON(r, &cmd); err != nil {
		h.writeError(w, r, err)
		return
	}
	if cmd.PerformedBy == "" {
		cmd.PerformedBy = requestcontext.ActorID(r.Context())
	}
	snap, err := h.svc.Workflows.Initialize(r.Context(), workflowOwner(r), cmd)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, snap)
}

func (h *Handler) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Workflows.Get(r.Context(), workflowOwner(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleTransitionWorkflow(w http.ResponseWriter, r *http.Request) {
	var cmd workflow.TransitionCommand
	if err := httputil.DecodeJSON(r, &cmd); err != nil {
		h.writeError(w, r, err)
		return
	}
	if cmd.PerformedBy == "" {
		cmd.PerformedBy = requestcontext.ActorID(r.Context())
	}
	snap, err := h.svc.Workflows.Transition(r.Context(), workflowOwner(r), cmd)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Workflows.Status(r.Context(), workflowOwner(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (h *Handler) handleWorkflowHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.svc.Workflows.History(r.Context(), workflowOwner(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"transitions": history})
}

func (h *Handler) handleCanTransition(w http.ResponseWriter, r *http.Request) {
	to := r.URL.Query().Get("to")
	ok, err := h.svc.Workflows.CanTransitionTo(r.Context(), workflowOwner(r), to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"to_status": to, "allowed": ok})
}
