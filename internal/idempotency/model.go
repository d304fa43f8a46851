// Package idempotency lets providers retry session submissions safely. A
// request carrying an Idempotency-Key is executed once; retries with the same
// key replay the stored response instead of recording the session again.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Record statuses.
//
// A key is StatusProcessing from the moment a request reserves it until the
// response is stored, so a concurrent retry can be turned away instead of
// racing the first attempt into the ledger.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
)

var (
	// ErrKeyNotFound is returned when an idempotency key is not found.
	ErrKeyNotFound = errors.New("idempotency key not found")

	// ErrKeyExists is returned by Reserve when the key is already taken. The
	// existing record is returned alongside it.
	ErrKeyExists = errors.New("idempotency key already exists")

	// ErrInvalidKey is returned when the key is empty or not printable ASCII.
	ErrInvalidKey = errors.New("invalid idempotency key")

	// ErrKeyTooLong is returned when the key exceeds MaxKeyLength.
	ErrKeyTooLong = errors.New("idempotency key exceeds maximum length of 64 characters")
)

// MaxKeyLength is the maximum allowed length for an idempotency key.
const MaxKeyLength = 64

// DefaultExpiry is how long keys are remembered.
const DefaultExpiry = 24 * time.Hour

// Record is a reserved or completed idempotency key.
type Record struct {
	Key         string    `cbor:"key" json:"key"`
	Method      string    `cbor:"method" json:"method"`
	Route       string    `cbor:"route" json:"route"`
	Fingerprint string    `cbor:"fingerprint" json:"fingerprint"`
	Status      string    `cbor:"status" json:"status"`
	CreatedAt   time.Time `cbor:"created_at" json:"created_at"`

	StatusCode   int    `cbor:"status_code,omitempty" json:"status_code,omitempty"`
	ResponseBody []byte `cbor:"response_body,omitempty" json:"response_body,omitempty"`
	ResponseHash string `cbor:"response_hash,omitempty" json:"response_hash,omitempty"`
}

// Completed reports whether a response has been stored.
func (r *Record) Completed() bool {
	return r.Status == StatusCompleted
}

// ValidateKey checks that key is 1 to MaxKeyLength printable ASCII characters.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x21 || key[i] > 0x7e {
			return ErrInvalidKey
		}
	}
	return nil
}

// Fingerprint hashes the parts of a request that must match for a retry to
// be replayed. Reusing a key with a different body is a client error.
func Fingerprint(method, route string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(route))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeResponseHash computes a SHA256 hash of a stored response body.
func ComputeResponseHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
