package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/v1/admin/initialize", "/v1/admin/initialize"},
		{"/v1/admin/audit", "/v1/admin/audit"},
		{"/v1/sessions", "/v1/sessions"},
		{"/v1/sessions/42", "/v1/sessions/{id}"},
		{"/v1/sessions/42/extra", "other"},
		{"/v1/sessions/", "other"},
		{"/v1/usage/monthly", "/v1/usage/monthly"},
		{"/v1/events", "/v1/events"},
		{"/v1/admin/providers/" + strings.Repeat("ab", 32), "/v1/admin/providers/{provider}"},
		{"/v1/providers/" + strings.Repeat("cd", 32), "/v1/providers/{provider}"},
		{"/v1/stats/monthly/202512", "/v1/stats/monthly/{year_month}"},
		{"/health", "/health"},
		{"/metrics", "/metrics"},
		{"/wp-login.php", "other"},
		{"/", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := normalizePath(tt.path); got != tt.want {
				t.Errorf("normalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestNormalizePath_BoundedCardinality(t *testing.T) {
	seen := make(map[string]bool)
	for i := 1; i <= 500; i++ {
		seen[normalizePath("/v1/sessions/"+strconv.Itoa(i))] = true
		seen[normalizePath("/v1/providers/"+strconv.Itoa(i))] = true
		seen[normalizePath("/random/"+strconv.Itoa(i))] = true
	}
	if len(seen) != 3 {
		t.Errorf("500 ids per route produced %d label values, want 3: %v", len(seen), seen)
	}
}

func TestHTTPMetrics(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		path        string
		body        string
		status      int
		wantPath    string
		wantRecords int
	}{
		{"record session", http.MethodPost, "/v1/sessions", `{"kind":"KINESIO"}`, http.StatusCreated, "/v1/sessions", 1},
		{"get session", http.MethodGet, "/v1/sessions/7", "", http.StatusOK, "/v1/sessions/{id}", 1},
		{"missing session", http.MethodGet, "/v1/sessions/999", "", http.StatusNotFound, "/v1/sessions/{id}", 1},
		{"health excluded", http.MethodGet, "/health", "", http.StatusOK, "", 0},
		{"metrics excluded", http.MethodGet, "/metrics", "", http.StatusOK, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMetrics()
			handler := HTTPMetrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"ok":true}`))
			}))

			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.body != "" {
				req.Header.Set("Content-Length", strconv.Itoa(len(tt.body)))
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.status {
				t.Errorf("status = %d, want %d", rr.Code, tt.status)
			}
			if got := testutil.CollectAndCount(m.httpRequestsTotal); got != tt.wantRecords {
				t.Fatalf("recorded %d series, want %d", got, tt.wantRecords)
			}
			if tt.wantRecords == 0 {
				return
			}
			counter := m.httpRequestsTotal.WithLabelValues(tt.method, tt.wantPath, strconv.Itoa(tt.status))
			if got := testutil.ToFloat64(counter); got != 1 {
				t.Errorf("%s{path=%q} = %v, want 1", MetricHTTPRequestsTotal, tt.wantPath, got)
			}
		})
	}
}

func TestMetricsResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	mrw := newMetricsResponseWriter(rec)

	mrw.WriteHeader(http.StatusAccepted)
	mrw.WriteHeader(http.StatusInternalServerError)
	_, _ = mrw.Write([]byte("abc"))
	_, _ = mrw.Write([]byte("defg"))

	if mrw.statusCode != http.StatusAccepted {
		t.Errorf("statusCode = %d, want first status %d", mrw.statusCode, http.StatusAccepted)
	}
	if mrw.size != 7 {
		t.Errorf("size = %d, want 7", mrw.size)
	}
	if mrw.Unwrap() != rec {
		t.Error("Unwrap() did not return the wrapped writer")
	}
	if _, _, err := mrw.Hijack(); err == nil {
		t.Error("Hijack() on a recorder should fail")
	}
}
