// Package httptransport exposes the entity services over HTTP. Handlers only
// decode, delegate, and encode; every rule lives in the services.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tillhouse/internal/platform/metrics"
	"tillhouse/internal/ratelimit"
	dErrors "tillhouse/pkg/domain-errors"
	"tillhouse/pkg/platform/httputil"
	"tillhouse/pkg/platform/middleware/admin"
	"tillhouse/pkg/platform/middleware/auth"
	"tillhouse/pkg/platform/middleware/metadata"
	request "tillhouse/pkg/platform/middleware/request"
	"tillhouse/pkg/platform/middleware/requesttime"
)

const requestTimeout = 30 * time.Second

// Services are the domain services the router delegates to.
type Services struct {
	Workflows WorkflowService
	GiftCards GiftCardService
	Payments  PaymentService
	Alerts    AlertService
	Users     UserService
	Sessions  SessionService
	Devices   DeviceService
	// Audit is optional; the trail route is only mounted when it is set.
	Audit AuditService
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Options struct {
	AdminToken string
	Metrics    *metrics.Metrics
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer     prometheus.Gatherer
	HealthChecks map[string]HealthCheck
	// LoginLimiter and DeviceLimiter throttle the unauthenticated routes per
	// org and client IP. Nil disables throttling.
	LoginLimiter  *ratelimit.Limiter
	DeviceLimiter *ratelimit.Limiter
}

type Handler struct {
	logger *slog.Logger
	svc    Services
}

// NewRouter wires every public route.
func NewRouter(svc Services, opts Options, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{logger: logger, svc: svc}

	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(request.Recovery(logger))
	r.Use(request.Logger(logger))
	if opts.Metrics != nil {
		r.Use(request.Latency(opts.Metrics))
	}

	r.Get("/healthz", healthHandler(opts.HealthChecks))
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	authn := auth.AuthenticatorFunc(func(ctx context.Context, token string) (auth.Principal, error) {
		claims, err := svc.Sessions.Authenticate(ctx, token)
		if err != nil {
			return auth.Principal{}, err
		}
		return auth.Principal{UserID: claims.UserID, SessionID: claims.SessionID, OrgID: claims.OrgID}, nil
	})

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(chimw.Timeout(requestTimeout))
		v1.Use(requesttime.Middleware)
		v1.Use(metadata.ClientMetadata)

		v1.Post("/sessions/refresh", h.handleRefreshSession)

		v1.Route("/orgs/{orgID}", func(org chi.Router) {
			// Unauthenticated: PIN login and the device side of the device flow.
			org.With(throttle(opts.LoginLimiter, logger)).Post("/login", h.handleLogin)
			org.With(throttle(opts.DeviceLimiter, logger)).Post("/devices", h.handleInitiateDevice)
			org.Get("/devices/{deviceID}/poll", h.handlePollDevice)

			org.Group(func(op chi.Router) {
				op.Use(admin.RequireAdminToken(opts.AdminToken, logger))
				op.Post("/users", h.handleCreateUser)
				op.Put("/users/{userID}/pin", h.handleSetPIN)
				op.Post("/users/{userID}/deactivate", h.handleDeactivateUser)
				op.Post("/giftcards", h.handleIssueGiftCard)
				op.Post("/giftcards/{cardID}/deactivate", h.handleDeactivateGiftCard)
				if svc.Audit != nil {
					op.Get("/audit", h.handleListAudit)
				}
			})

			org.Group(func(p chi.Router) {
				p.Use(auth.RequireAuth(authn, logger))
				p.Use(auth.RequireOrg(orgID))
				h.registerWorkflowRoutes(p)
				h.registerGiftCardRoutes(p)
				h.registerPaymentRoutes(p)
				h.registerAlertRoutes(p)
				h.registerIdentityRoutes(p)
			})
		})
	})
	return r
}

func throttle(l *ratelimit.Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return ratelimit.Middleware(l, func(r *http.Request) string {
		return orgID(r) + ":" + ratelimit.ByClientIP(r)
	}, logger)
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		failed := map[string]string{}
		for name, check := range checks {
			if err := check(r.Context()); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "failed": failed})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func orgID(r *http.Request) string {
	return chi.URLParam(r, "orgID")
}

// writeError logs unexpected failures before writing the envelope; expected
// domain rejections are not logged.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(r.Context(), "request failed",
			"error", err,
			"path", r.URL.Path,
			"request_id", request.GetRequestID(r.Context()),
		)
	}
	httputil.WriteError(w, err)
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, dErrors.Newf(dErrors.CodeBadRequest, "%s must be a non-negative integer", name)
	}
	return n, nil
}
