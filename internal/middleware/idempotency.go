package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/onnwee/diverge/internal/idempotency"
)

// Idempotency headers.
const (
	IdempotencyKeyHeader      = "Idempotency-Key"
	IdempotentReplayedHeader  = "Idempotent-Replayed"
	DefaultIdempotencyMaxBody = 64 << 10
)

// idempotencyResponseWriter captures the response so it can be stored.
type idempotencyResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	written    bool
}

func (w *idempotencyResponseWriter) WriteHeader(statusCode int) {
	if !w.written {
		w.statusCode = statusCode
		w.written = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *idempotencyResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.body.Write(b[:n])
	return n, err
}

func (w *idempotencyResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func writeIdempotencyError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	UpdateResponseContext(w, SetErrorCode(r.Context(), code))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":{"code":"` + code + `","message":"` + message + `"}}` + "\n"))
}

// Idempotency executes a request carrying an Idempotency-Key at most once.
// Requests without the header pass through. A retry with the same key and
// body replays the stored 2xx response; a retry while the first attempt is
// still running gets 409, and reusing a key for a different request gets
// 422. Non-2xx responses release the key so the client can try again.
//
// maxBody bounds the request body that is read for fingerprinting; zero
// means DefaultIdempotencyMaxBody.
func Idempotency(repo idempotency.Repository, maxBody int64) func(http.Handler) http.Handler {
	if maxBody <= 0 {
		maxBody = DefaultIdempotencyMaxBody
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if err := idempotency.ValidateKey(key); err != nil {
				if errors.Is(err, idempotency.ErrKeyTooLong) {
					writeIdempotencyError(w, r, http.StatusBadRequest, "idempotency_key_too_long",
						"Idempotency-Key exceeds maximum length of "+strconv.Itoa(idempotency.MaxKeyLength)+" characters")
					return
				}
				writeIdempotencyError(w, r, http.StatusBadRequest, "invalid_idempotency_key", "Invalid Idempotency-Key format")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
			if err != nil {
				writeIdempotencyError(w, r, http.StatusBadRequest, "bad_request", "Failed to read request body")
				return
			}
			if int64(len(body)) > maxBody {
				writeIdempotencyError(w, r, http.StatusRequestEntityTooLarge, "bad_request", "Request body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			ctx := r.Context()
			fingerprint := idempotency.Fingerprint(r.Method, r.URL.Path, body)
			existing, err := repo.Reserve(ctx, &idempotency.Record{
				Key:         key,
				Method:      r.Method,
				Route:       r.URL.Path,
				Fingerprint: fingerprint,
			})
			switch {
			case errors.Is(err, idempotency.ErrKeyExists):
				switch {
				case existing == nil || !existing.Completed():
					writeIdempotencyError(w, r, http.StatusConflict, "idempotency_key_in_use",
						"A request with this Idempotency-Key is still being processed")
				case existing.Fingerprint != fingerprint:
					writeIdempotencyError(w, r, http.StatusUnprocessableEntity, "idempotency_key_reused",
						"Idempotency-Key was already used for a different request")
				default:
					slog.InfoContext(ctx, "replaying stored response", "idempotency_key", key, "status", existing.StatusCode)
					w.Header().Set("Content-Type", "application/json; charset=utf-8")
					w.Header().Set(IdempotentReplayedHeader, "true")
					w.WriteHeader(existing.StatusCode)
					_, _ = w.Write(existing.ResponseBody)
				}
				return

			case err != nil:
				slog.ErrorContext(ctx, "failed to reserve idempotency key", "idempotency_key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			capture := &idempotencyResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			// The request context may be cancelled once the handler returns.
			storeCtx := context.WithoutCancel(ctx)
			if capture.statusCode >= 200 && capture.statusCode < 300 {
				if err := repo.Complete(storeCtx, key, capture.statusCode, capture.body.Bytes()); err != nil {
					slog.ErrorContext(ctx, "failed to store idempotent response", "idempotency_key", key, "error", err)
				}
				return
			}
			if err := repo.Release(storeCtx, key); err != nil {
				slog.ErrorContext(ctx, "failed to release idempotency key", "idempotency_key", key, "error", err)
			}
		})
	}
}
