package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/onnwee/diverge/internal/ledger"
)

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteError(w, context.Background(), http.StatusNotFound, ErrCodeSessionNotFound, "Session not found")

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Errorf("expected Content-Type to contain application/json, got %s", ct)
	}
	resp := decode[ErrorResponse](t, w)
	if resp.Error.Code != ErrCodeSessionNotFound {
		t.Errorf("expected error code %s, got %s", ErrCodeSessionNotFound, resp.Error.Code)
	}
	if resp.Error.Message != "Session not found" {
		t.Errorf("expected message 'Session not found', got %s", resp.Error.Message)
	}
}

func TestWriteLedgerError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"already initialized", ledger.ErrAlreadyInitialized, http.StatusConflict, ErrCodeAlreadyInitialized},
		{"not initialized", ledger.ErrNotInitialized, http.StatusConflict, ErrCodeNotInitialized},
		{"unauthorized", ledger.ErrUnauthorized, http.StatusUnauthorized, ErrCodeUnauthorized},
		{"provider not authorized", ledger.ErrProviderNotAuthorized, http.StatusForbidden, ErrCodeProviderNotAuthorized},
		{"wrapped not found", fmt.Errorf("load: %w", ledger.ErrSessionNotFound), http.StatusNotFound, ErrCodeSessionNotFound},
		{"invalid input", fmt.Errorf("kind: %w", ledger.ErrInvalidInput), http.StatusBadRequest, ErrCodeValidation},
		{"store failure", errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			WriteLedgerError(w, r, tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			resp := decode[ErrorResponse](t, w)
			if resp.Error.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", resp.Error.Code, tt.wantCode)
			}
			if got := StatusCodeMapping(resp.Error.Code); got != tt.wantStatus {
				t.Errorf("StatusCodeMapping(%q) = %d, want %d", resp.Error.Code, got, tt.wantStatus)
			}
			if tt.wantCode == ErrCodeInternal && strings.Contains(resp.Error.Message, "disk") {
				t.Errorf("internal error leaked detail: %q", resp.Error.Message)
			}
		})
	}
}

func TestStatusCodeMapping(t *testing.T) {
	tests := map[string]int{
		ErrCodeBadRequest:       http.StatusBadRequest,
		ErrCodeNotFound:         http.StatusNotFound,
		ErrCodeMethodNotAllowed: http.StatusMethodNotAllowed,
		ErrCodeRateLimited:      http.StatusTooManyRequests,
		"something_else":        http.StatusInternalServerError,
	}
	for code, want := range tests {
		if got := StatusCodeMapping(code); got != want {
			t.Errorf("StatusCodeMapping(%q) = %d, want %d", code, got, want)
		}
	}
}
