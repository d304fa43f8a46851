package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/onnwee/diverge/internal/ledger"
)

// ErrSessionUnavailable is returned by a SessionSource for an id the ledger
// has not assigned (yet).
var ErrSessionUnavailable = errors.New("session not available at source")

// SessionSource fetches sessions from the ledger.
type SessionSource interface {
	Session(ctx context.Context, id uint32) (ledger.Session, error)
}

// HTTPSessionSource reads sessions from the API's GET /v1/sessions/{id}.
type HTTPSessionSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSessionSource creates a source for the API at baseURL. A nil client
// gets a traced client with a 10s timeout.
func NewHTTPSessionSource(baseURL string, client *http.Client) *HTTPSessionSource {
	if client == nil {
		client = &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &HTTPSessionSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Session implements SessionSource.
func (s *HTTPSessionSource) Session(ctx context.Context, id uint32) (ledger.Session, error) {
	url := s.baseURL + "/v1/sessions/" + strconv.FormatUint(uint64(id), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ledger.Session{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return ledger.Session{}, fmt.Errorf("fetch session %d: %w", id, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ledger.Session{}, ErrSessionUnavailable
	default:
		return ledger.Session{}, fmt.Errorf("fetch session %d: unexpected status %d", id, resp.StatusCode)
	}

	var session ledger.Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return ledger.Session{}, fmt.Errorf("decode session %d: %w", id, err)
	}
	if session.ID != id {
		return ledger.Session{}, fmt.Errorf("fetch session %d: got session %d", id, session.ID)
	}
	return session, nil
}
