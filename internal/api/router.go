package api

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/diverge/internal/audit"
	"github.com/onnwee/diverge/internal/idempotency"
	"github.com/onnwee/diverge/internal/middleware"
)

// RateLimits groups the limits applied per route class.
type RateLimits struct {
	Global middleware.RateLimitConfig
	Admin  middleware.RateLimitConfig
	Usage  middleware.RateLimitConfig
}

// DefaultRateLimits returns the middleware defaults.
func DefaultRateLimits() RateLimits {
	return RateLimits{
		Global: middleware.DefaultGlobalLimit(),
		Admin:  middleware.DefaultAdminLimit(),
		Usage:  middleware.DefaultUsageLimit(),
	}
}

// RouterConfig holds everything NewRouter wires.
type RouterConfig struct {
	Ledger LedgerService
	Audit  audit.Repository
	Events Subscriptions
	Health map[string]HealthChecker

	// Idempotency enables Idempotency-Key handling on POST /v1/sessions.
	Idempotency idempotency.Repository

	Logger      *slog.Logger
	ServiceName string

	// Metrics and Gatherer are optional. /metrics is only served with a
	// Gatherer.
	Metrics  *middleware.Metrics
	Gatherer prometheus.Gatherer

	// RateLimitStore defaults to an in-memory store.
	RateLimitStore middleware.RateLimitStore
	RateLimits     RateLimits

	CORSOrigins []string
}

// NewRouter builds the API handler. Middleware order, outermost first:
// tracing, request id, logging, HTTP metrics, CORS. Rate limits are applied
// per route so they can key on path wildcards.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := cfg.RateLimitStore
	if store == nil {
		store = middleware.NewInMemoryRateLimitStore()
	}
	limits := cfg.RateLimits
	if limits == (RateLimits{}) {
		limits = DefaultRateLimits()
	}

	ipKey := middleware.IPKeyFunc()
	global := middleware.RateLimiter(store, limits.Global, ipKey, cfg.Metrics)
	admin := func(h http.HandlerFunc) http.Handler {
		return global(middleware.RateLimiter(store, limits.Admin, prefixKey("admin", ipKey), cfg.Metrics)(h))
	}
	usage := func(h http.HandlerFunc) http.Handler {
		return global(middleware.RateLimiter(store, limits.Usage, prefixKey("usage", ipKey), cfg.Metrics)(h))
	}
	byProvider := func(h http.HandlerFunc) http.Handler {
		return global(middleware.RateLimiter(store, limits.Admin, middleware.PathValueKeyFunc("provider"), cfg.Metrics)(h))
	}

	ledgerHandlers := NewLedgerHandlers(cfg.Ledger)
	healthHandlers := NewHealthHandlers(cfg.Health)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandlers.Health)
	mux.HandleFunc("GET /ready", healthHandlers.Ready)
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	mux.Handle("POST /v1/admin/initialize", admin(ledgerHandlers.Initialize))
	mux.Handle("PUT /v1/admin/providers/{provider}", byProvider(ledgerHandlers.SetProviderAuthorization))
	if cfg.Audit != nil {
		mux.Handle("GET /v1/admin/audit", admin(NewAuditHandlers(cfg.Audit, cfg.Ledger).Export))
	}
	mux.Handle("GET /v1/providers/{provider}", global(http.HandlerFunc(ledgerHandlers.GetProvider)))
	var recordSession http.Handler = http.HandlerFunc(ledgerHandlers.RecordSession)
	if cfg.Idempotency != nil {
		recordSession = middleware.Idempotency(cfg.Idempotency, MaxBodyBytes)(recordSession)
	}
	mux.Handle("POST /v1/sessions", global(recordSession))
	mux.Handle("GET /v1/sessions/{id}", global(http.HandlerFunc(ledgerHandlers.GetSession)))
	mux.Handle("POST /v1/usage/monthly", usage(ledgerHandlers.MonthlyUsage))
	if cfg.Events != nil {
		checkOrigin := middleware.AllowedOrigins(cfg.CORSOrigins)
		mux.Handle("GET /v1/events", global(http.HandlerFunc(NewEventHandlers(cfg.Events, checkOrigin).Subscribe)))
	}

	var handler http.Handler = notFoundFallback(mux)
	handler = middleware.CORS(middleware.DefaultCORSConfig(cfg.CORSOrigins))(handler)
	handler = middleware.HTTPMetrics(cfg.Metrics)(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.RequestID(handler)
	if cfg.ServiceName != "" {
		handler = middleware.Tracing(cfg.ServiceName)(handler)
	}
	return handler
}

// prefixKey keeps the counters of stacked limiters apart in a shared store.
func prefixKey(prefix string, kf middleware.KeyFunc) middleware.KeyFunc {
	return func(r *http.Request) string {
		return prefix + ":" + kf(r)
	}
}

// notFoundFallback replaces the mux's plain text 404 and 405 responses with
// the JSON error envelope.
func notFoundFallback(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, pattern := mux.Handler(r); pattern == "" {
			w = &statusRewriter{ResponseWriter: w, r: r}
		}
		mux.ServeHTTP(w, r)
	})
}

// statusRewriter rewrites the mux's own error responses.
type statusRewriter struct {
	http.ResponseWriter
	r         *http.Request
	rewritten bool
}

func (p *statusRewriter) WriteHeader(code int) {
	switch code {
	case http.StatusNotFound:
		p.rewritten = true
		WriteError(p.ResponseWriter, p.r.Context(), code, ErrCodeNotFound, "The requested resource was not found")
	case http.StatusMethodNotAllowed:
		p.rewritten = true
		WriteError(p.ResponseWriter, p.r.Context(), code, ErrCodeMethodNotAllowed, "Method not allowed")
	default:
		p.ResponseWriter.WriteHeader(code)
	}
}

func (p *statusRewriter) Write(b []byte) (int, error) {
	if p.rewritten {
		return len(b), nil
	}
	return p.ResponseWriter.Write(b)
}

// Unwrap lets middleware.UpdateResponseContext reach the logging writer.
func (p *statusRewriter) Unwrap() http.ResponseWriter {
	return p.ResponseWriter
}
