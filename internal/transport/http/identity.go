package httptransport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tillhouse/internal/auth/devices"
	"tillhouse/internal/auth/sessions"
	"tillhouse/internal/auth/users"
	dErrors "tillhouse/pkg/domain-errors"
	"tillhouse/pkg/platform/httputil"
	"tillhouse/pkg/platform/middleware/auth"
	"tillhouse/pkg/platform/middleware/metadata"
)

type UserService interface {
	Create(ctx context.Context, orgID string, cmd users.CreateCommand) (users.Snapshot, error)
	SetPIN(ctx context.Context, orgID, userID, pin string) (users.Snapshot, error)
	Deactivate(ctx context.Context, orgID, userID string) (users.Snapshot, error)
	Get(ctx context.Context, orgID, userID string) (users.Snapshot, error)
	LoginWithPIN(ctx context.Context, orgID, pin string) (users.LoginResult, error)
}

type SessionService interface {
	Create(ctx context.Context, orgID string, cmd sessions.CreateCommand) (sessions.Tokens, error)
	Refresh(ctx context.Context, refreshToken string) (sessions.Tokens, error)
	Revoke(ctx context.Context, orgID, sessionID, reason string) (sessions.Snapshot, error)
	Get(ctx context.Context, orgID, sessionID string) (sessions.Snapshot, error)
	Authenticate(ctx context.Context, accessToken string) (*sessions.Claims, error)
}

type DeviceService interface {
	Initiate(ctx context.Context, orgID string, cmd devices.InitiateCommand) (devices.InitiateResult, error)
	Authorize(ctx context.Context, orgID, userCode, userID string) (devices.Snapshot, error)
	Poll(ctx context.Context, orgID, deviceID string) (devices.PollResult, error)
	Revoke(ctx context.Context, orgID, deviceID string) (devices.Snapshot, error)
	Get(ctx context.Context, orgID, deviceID string) (devices.Snapshot, error)
}

func (h *Handler) registerIdentityRoutes(r chi.Router) {
	r.Get("/users/{userID}", h.handleGetUser)
	r.Get("/sessions/current", h.handleCurrentSession)
	r.Post("/sessions/current/revoke", h.handleRevokeSession)
	r.Post("/devices/authorize", h.handleAuthorizeDevice)
	r.Get("/devices/{deviceID}", h.handleGetDevice)
	r.Post("/devices/{deviceID}/revoke", h.handleRevokeDevice)
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var cmd users.CreateCommand
	if err := httputil.DecodeJSON(r, &cmd); err != nil {
		h.writeError(w, r, err)
		return
	}
	snap, err := h.svc.Users.Create(r.Context(), orgID(r), cmd)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, snap)
}

type setPINRequest struct {
	PIN string `json:"pin"`
}

func (h *Handler) handleSetPIN(w http.ResponseWriter, r *http.Request) {
	var req setPINRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	snap, err := h.svc.Users.SetPIN(r.Context(), orgID(r), chi.URLParam(r, "userID"), req.PIN)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Users.Deactivate(r.Context(), orgID(r), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Users.Get(r.Context(), orgID(r), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

type loginRequest struct {
	PIN      string `json:"pin"`
	DeviceID string `json:"device_id,omitempty"`
}

// handleLogin exchanges a PIN for a session. A rejected PIN answers 401 with
// the login result so clients can tell an inactive user from a wrong PIN.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.svc.Users.LoginWithPIN(r.Context(), orgID(r), req.PIN)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !res.Success {
		httputil.WriteJSON(w, http.StatusUnauthorized, res)
		return
	}
	tokens, err := h.svc.Sessions.Create(r.Context(), orgID(r), sessions.CreateCommand{
		UserID:   res.User.ID,
		DeviceID: req.DeviceID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, tokens)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	tokens, err := h.svc.Sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tokens)
}

func (h *Handler) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipal(r.Context())
	snap, err := h.svc.Sessions.Get(r.Context(), p.OrgID, p.SessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipal(r.Context())
	snap, err := h.svc.Sessions.Revoke(r.Context(), p.OrgID, p.SessionID, sessions.ReasonLogout)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

// handleInitiateDevice starts the device flow. The display name comes from
// the caller's User-Agent unless the body names one.
func (h *Handler) handleInitiateDevice(w http.ResponseWriter, r *http.Request) {
	var cmd devices.InitiateCommand
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(r, &cmd); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	if cmd.UserAgent == "" {
		cmd.UserAgent = metadata.GetUserAgent(r.Context())
	}
	res, err := h.svc.Devices.Initiate(r.Context(), orgID(r), cmd)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, res)
}

func (h *Handler) handlePollDevice(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Devices.Poll(r.Context(), orgID(r), chi.URLParam(r, "deviceID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

type authorizeDeviceRequest struct {
	UserCode string `json:"user_code"`
}

// handleAuthorizeDevice binds a pending device to the signed-in user.
func (h *Handler) handleAuthorizeDevice(w http.ResponseWriter, r *http.Request) {
	var req authorizeDeviceRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, _ := auth.GetPrincipal(r.Context())
	snap, err := h.svc.Devices.Authorize(r.Context(), orgID(r), req.UserCode, p.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Devices.Get(r.Context(), orgID(r), chi.URLParam(r, "deviceID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

// handleRevokeDevice is limited to the user the device was authorized for.
func (h *Handler) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	current, err := h.svc.Devices.Get(r.Context(), orgID(r), deviceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	p, _ := auth.GetPrincipal(r.Context())
	if current.UserID != "" && current.UserID != p.UserID {
		h.writeError(w, r, dErrors.New(dErrors.CodeForbidden, "device belongs to another user"))
		return
	}
	snap, err := h.svc.Devices.Revoke(r.Context(), orgID(r), deviceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}
