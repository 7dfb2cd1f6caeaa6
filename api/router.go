package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/GoCodeAlone/subscriptions/audit"
	"github.com/GoCodeAlone/subscriptions/billing"
	"github.com/GoCodeAlone/subscriptions/lifecycle"
	"github.com/GoCodeAlone/subscriptions/observability/metrics"
	"github.com/GoCodeAlone/subscriptions/scheduler"
	"github.com/GoCodeAlone/subscriptions/store"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config holds configuration for the API layer.
type Config struct {
	JWTSecret  string //nolint:gosec // G117: config field
	JWTIssuer  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// AuthRateLimit is the maximum number of requests per minute per IP
	// allowed on the /auth/register and /auth/login endpoints.
	// Defaults to 10 when zero.
	AuthRateLimit int

	Admin AdminConfig
	// AdminRateLimit, when positive, limits admin routes to that many
	// requests per minute per IP.
	AdminRateLimit int

	// MaxBodySize caps request bodies. Defaults to DefaultMaxBodySize.
	MaxBodySize int64

	// ServiceName names the server spans.
	ServiceName string
	Logger      *slog.Logger
}

// Services groups the components served over HTTP. Sweeper and Metrics are
// optional.
type Services struct {
	Store     store.Store
	Engine    *lifecycle.Engine
	Catalog   *billing.Catalog
	Customers *billing.Customers
	Checkout  *billing.Checkout
	Audit     *audit.Writer
	Sweeper   *scheduler.Sweeper
	Metrics   *metrics.Collector
}

// Router is the HTTP handler of the service. Call Stop to release the rate
// limiter goroutines.
type Router struct {
	http.Handler
	mw *Middleware
}

// Stop releases background resources held by the middleware.
func (rt *Router) Stop() { rt.mw.Stop() }

// NewRouter creates the HTTP handler with all API v1 routes registered.
func NewRouter(svc Services, cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	secret := []byte(cfg.JWTSecret)
	mw := NewMiddleware(secret, svc.Store.Users(), cfg.Admin)
	admin := mw.RequireAdmin
	if cfg.AdminRateLimit > 0 {
		adminRL := mw.RateLimit(cfg.AdminRateLimit)
		admin = func(next http.Handler) http.Handler { return adminRL(mw.RequireAdmin(next)) }
	}

	// --- Health & metrics ---
	mux.HandleFunc("GET /healthz", NewHealthHandler(svc.Store).Check)
	if svc.Metrics != nil {
		mux.Handle("GET /metrics", svc.Metrics.Handler())
	}

	// --- Auth ---
	authH := NewAuthHandler(svc.Store.Users(), svc.Customers, secret, cfg.JWTIssuer, cfg.AccessTTL, cfg.RefreshTTL, logger)
	authRL := mw.RateLimit(cfg.AuthRateLimit)
	mux.Handle("POST /api/v1/auth/register", authRL(http.HandlerFunc(authH.Register)))
	mux.Handle("POST /api/v1/auth/login", authRL(http.HandlerFunc(authH.Login)))
	mux.HandleFunc("POST /api/v1/auth/refresh", authH.Refresh)
	mux.Handle("GET /api/v1/auth/me", mw.RequireAuth(http.HandlerFunc(authH.Me)))
	mux.Handle("POST /api/v1/auth/link-customer", mw.RequireAuth(http.HandlerFunc(authH.LinkCustomer)))

	// --- Plans ---
	planH := NewPlanHandler(svc.Catalog, logger)
	mux.HandleFunc("GET /api/v1/plans", planH.List)
	mux.HandleFunc("GET /api/v1/plans/{id}", planH.Get)
	mux.Handle("POST /api/v1/plans", admin(http.HandlerFunc(planH.Create)))
	mux.Handle("PUT /api/v1/plans/{id}", admin(http.HandlerFunc(planH.Update)))

	// --- Customers ---
	custH := NewCustomerHandler(svc.Customers, logger)
	mux.Handle("GET /api/v1/customers", admin(http.HandlerFunc(custH.List)))
	mux.HandleFunc("POST /api/v1/customers", custH.Create)
	mux.Handle("GET /api/v1/customers/{id}", admin(http.HandlerFunc(custH.Get)))

	// --- Subscriptions ---
	subH := NewSubscriptionHandler(svc.Engine, svc.Customers, logger)
	mux.Handle("GET /api/v1/subscriptions", admin(http.HandlerFunc(subH.List)))
	mux.Handle("POST /api/v1/subscriptions", mw.OptionalAuth(http.HandlerFunc(subH.Purchase)))
	mux.Handle("POST /api/v1/subscriptions/purchase", mw.OptionalAuth(http.HandlerFunc(subH.Purchase)))
	mux.Handle("GET /api/v1/subscriptions/{id}", admin(http.HandlerFunc(subH.Get)))
	mux.Handle("POST /api/v1/subscriptions/{id}/change-plan", admin(http.HandlerFunc(subH.ChangePlan)))
	mux.HandleFunc("DELETE /api/v1/subscriptions/{id}", subH.Cancel)

	// --- Checkout ---
	checkoutH := NewCheckoutHandler(svc.Checkout, logger)
	mux.HandleFunc("POST /api/v1/checkout-sessions", checkoutH.Create)
	mux.HandleFunc("GET /api/v1/checkout-sessions/{id}", checkoutH.Get)
	mux.HandleFunc("POST /api/v1/checkout-sessions/{id}/complete", checkoutH.Complete)

	// --- Admin ---
	auditH := NewAuditHandler(svc.Audit, logger)
	mux.Handle("GET /api/v1/admin/audit", admin(http.HandlerFunc(auditH.Query)))
	if svc.Sweeper != nil {
		scheduler.NewHandler(svc.Sweeper).RegisterRoutes(mux, admin)
	}

	var h http.Handler = mux
	h = svc.Metrics.Middleware(h)
	h = ValidateBody(cfg.MaxBodySize)(h)
	h = RequestID(h)
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "subscriptions"
	}
	h = otelhttp.NewHandler(h, serviceName)
	return &Router{Handler: h, mw: mw}
}
