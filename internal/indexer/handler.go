package indexer

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/diverge/internal/ledger"
)

// MetricsHandler creates an HTTP handler for the Prometheus metrics endpoint.
// It uses the provided registry to gather metrics.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// InternalAuthMiddleware restricts access to requests with a valid token.
// If token is empty, no authentication is required.
// The token is checked against the X-Internal-Token header.
func InternalAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			headerToken := r.Header.Get("X-Internal-Token")
			if subtle.ConstantTimeCompare([]byte(headerToken), []byte(token)) != 1 {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// StatsHandler serves GET /v1/stats/monthly/{year_month}.
func StatsHandler(repo Repository) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := strconv.ParseUint(r.PathValue("year_month"), 10, 32)
		ym := ledger.YearMonth(raw)
		if err == nil {
			err = ym.Validate()
		}
		if err != nil {
			http.Error(w, "year_month must be yyyymm", http.StatusBadRequest)
			return
		}

		stats, err := repo.MonthlyStats(r.Context(), ym)
		if err != nil {
			slog.ErrorContext(r.Context(), "failed to load monthly stats",
				slog.String("error", err.Error()))
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats)
	})
}

// NewRouter wires the indexer's HTTP surface. Metrics and stats sit behind
// the internal token.
func NewRouter(repo Repository, reg *prometheus.Registry, internalToken string) http.Handler {
	internal := InternalAuthMiddleware(internalToken)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", internal(MetricsHandler(reg)))
	mux.Handle("GET /v1/stats/monthly/{year_month}", internal(StatsHandler(repo)))
	return mux
}
