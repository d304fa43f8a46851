package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// staticRoutes are recorded under their own path.
var staticRoutes = map[string]bool{
	"/v1/admin/initialize": true,
	"/v1/admin/audit":      true,
	"/v1/sessions":         true,
	"/v1/usage/monthly":    true,
	"/v1/events":           true,
	"/health":              true,
	"/metrics":             true,
}

// dynamicRoutes map a path prefix to the route pattern for its single
// trailing segment.
var dynamicRoutes = []struct {
	prefix  string
	pattern string
}{
	{"/v1/admin/providers/", "/v1/admin/providers/{provider}"},
	{"/v1/providers/", "/v1/providers/{provider}"},
	{"/v1/sessions/", "/v1/sessions/{id}"},
	{"/v1/stats/monthly/", "/v1/stats/monthly/{year_month}"},
}

// normalizePath converts paths with dynamic segments to route patterns to prevent
// cardinality explosion in metrics. This maps paths like /v1/sessions/42 to
// /v1/sessions/{id}. Unknown paths collapse to "other" since every identity
// would otherwise become its own label value.
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}
	for _, r := range dynamicRoutes {
		rest, ok := strings.CutPrefix(path, r.prefix)
		if ok && rest != "" && !strings.Contains(rest, "/") {
			return r.pattern
		}
	}
	return "other"
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code and response size.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

// WriteHeader captures the status code before writing it.
func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and writes the data.
func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (mrw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return mrw.ResponseWriter
}

// Hijack passes websocket upgrades through to the underlying writer.
func (mrw *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := mrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("middleware: response writer does not support hijacking")
	}
	mrw.wroteHeader = true
	mrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// newMetricsResponseWriter creates a new metricsResponseWriter with default 200 status.
func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// HTTPMetrics is a middleware that records HTTP request metrics.
// It captures duration, request/response sizes, and request counts.
// /health and /metrics are excluded so scrapes and probes do not skew the numbers.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			mrw := newMetricsResponseWriter(w)

			// Get request size from Content-Length header
			requestSize := int64(0)
			if contentLength := r.Header.Get("Content-Length"); contentLength != "" {
				if size, err := strconv.ParseInt(contentLength, 10, 64); err == nil {
					requestSize = size
				}
			}

			next.ServeHTTP(mrw, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(),
				requestSize,
				mrw.size,
			)
		})
	}
}
