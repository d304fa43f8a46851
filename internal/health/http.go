package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrURLNotConfigured is returned by an HTTPChecker without a URL.
var ErrURLNotConfigured = errors.New("health: url not configured")

// HTTPChecker checks an upstream service by requesting a health URL. The
// indexer uses it to report whether the ledger API it backfills from is up.
type HTTPChecker struct {
	url    string
	client *http.Client
}

// NewHTTPChecker creates a checker for url, e.g. "http://api:8080/health".
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		url: url,
		client: &http.Client{
			Timeout: 3 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

// HealthCheck fails unless the URL answers with a 2xx status.
func (h *HTTPChecker) HealthCheck(ctx context.Context) error {
	if h.url == "" {
		return ErrURLNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", h.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s unhealthy: unexpected status code %d", h.url, resp.StatusCode)
	}
	return nil
}
