package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/aussiebroadwan/tavern/internal/auth/service"
	"github.com/aussiebroadwan/tavern/pkg/httpx"
	"github.com/aussiebroadwan/tavern/pkg/slogx"
)

// Limits are the rate limit profiles applied to the routes.
type Limits struct {
	Strict   httpx.RateLimitConfig
	Moderate httpx.RateLimitConfig
	Lenient  httpx.RateLimitConfig
}

func DefaultLimits() Limits {
	return Limits{
		Strict:   httpx.StrictLimit,
		Moderate: httpx.ModerateLimit,
		Lenient:  httpx.LenientLimit,
	}
}

// Check reports whether a dependency is usable. Used by /readyz.
type Check func(ctx context.Context) error

type Options struct {
	Auth *service.AuthService
	MFA  *service.MFAGate

	// Checks are run by /readyz, keyed by dependency name.
	Checks map[string]Check

	// Gatherer backs /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer

	Limits       Limits
	BuildVersion string
	Logger       *slog.Logger
}

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware
	handler     http.Handler

	auth         *service.AuthService
	mfa          *service.MFAGate
	checks       map[string]Check
	gatherer     prometheus.Gatherer
	limits       Limits
	buildVersion string
	startTime    time.Time
	logger       *slog.Logger
}

func NewRouter(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{
		Mux:          http.NewServeMux(),
		auth:         opts.Auth,
		mfa:          opts.MFA,
		checks:       opts.Checks,
		gatherer:     opts.Gatherer,
		limits:       opts.Limits,
		buildVersion: opts.BuildVersion,
		startTime:    time.Now(),
		logger:       logger,
	}

	// Tracing runs first so the request logger can pick up the trace id.
	r.middlewares = []httpx.Middleware{
		otelhttp.NewMiddleware("tavern-auth"),
		slogx.HTTPMiddleware(r.logger),
	}
	r.handler = httpx.Chain(r.Mux, r.middlewares...)

	return r
}

func (r *Router) ApplyRoutes() {
	r.registerAuth()
	r.registerAccount()
	r.registerSessions()
	r.registerMFA()
	r.registerSystem()
}

// ServeHTTP implements http.Handler for Router and applies the global middleware chain.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

// secured requires a valid bearer access token, then charges the
// account's rate limit bucket.
func (r *Router) secured(h http.HandlerFunc, limit httpx.RateLimitConfig) http.Handler {
	return httpx.Chain(h,
		httpx.AuthnMiddleware(r.auth),
		httpx.RateLimitByAccount(limit),
	)
}

func (r *Router) registerAuth() {
	h := &AuthHandler{Auth: r.auth}

	// Credential checks: strict limits. Login is charged per IP and email
	// so a single address cannot spray one account.
	r.Mux.Handle("POST /v1/auth/register",
		httpx.Chain(http.HandlerFunc(h.HandleRegister),
			httpx.RateLimitByIP(r.limits.Strict),
		),
	)
	r.Mux.Handle("POST /v1/auth/login",
		httpx.Chain(http.HandlerFunc(h.HandleLogin),
			httpx.RateLimitByIPAndJSONField(r.limits.Strict, "email"),
		),
	)
	r.Mux.Handle("POST /v1/auth/refresh",
		httpx.Chain(http.HandlerFunc(h.HandleRefresh),
			httpx.RateLimitByIP(r.limits.Strict),
		),
	)

	r.Mux.Handle("POST /v1/auth/logout", r.secured(h.HandleLogout, r.limits.Moderate))
	r.Mux.Handle("POST /v1/auth/logout-all", r.secured(h.HandleLogoutAll, r.limits.Moderate))
}

func (r *Router) registerAccount() {
	h := &AccountHandler{Auth: r.auth}

	r.Mux.Handle("GET /v1/auth/me", r.secured(h.HandleMe, r.limits.Lenient))
	r.Mux.Handle("DELETE /v1/auth/me", r.secured(h.HandleDelete, r.limits.Strict))
	r.Mux.Handle("POST /v1/auth/password", r.secured(h.HandleChangePassword, r.limits.Strict))
}

func (r *Router) registerSessions() {
	h := &SessionsHandler{Auth: r.auth}

	r.Mux.Handle("GET /v1/auth/sessions", r.secured(h.HandleList, r.limits.Lenient))
	r.Mux.Handle("DELETE /v1/auth/sessions/{id}", r.secured(h.HandleRevoke, r.limits.Moderate))
}

func (r *Router) registerMFA() {
	h := &MFAHandler{MFA: r.mfa, Auth: r.auth}

	r.Mux.Handle("POST /v1/mfa/totp/enroll", r.secured(h.HandleEnroll, r.limits.Moderate))

	// Password authenticated, so limited like login.
	r.Mux.Handle("POST /v1/mfa/totp/setup",
		httpx.Chain(http.HandlerFunc(h.HandleSetup),
			httpx.RateLimitByIPAndJSONField(r.limits.Strict, "email"),
		),
	)

	// Code submissions are strict to stop brute forcing six digits.
	r.Mux.Handle("POST /v1/mfa/totp/confirm", r.secured(h.HandleConfirm, r.limits.Strict))
	r.Mux.Handle("DELETE /v1/mfa/totp", r.secured(h.HandleDisable, r.limits.Strict))
}

func (r *Router) registerSystem() {
	r.Mux.Handle("GET /livez",
		httpx.Chain(LivezHandler(r.startTime, r.buildVersion),
			httpx.RateLimitByIP(r.limits.Lenient),
		),
	)
	r.Mux.Handle("GET /readyz",
		httpx.Chain(ReadyzHandler(r.startTime, r.buildVersion, r.checks),
			httpx.RateLimitByIP(r.limits.Lenient),
		),
	)
	if r.gatherer != nil {
		r.Mux.Handle("GET /metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	}
}
