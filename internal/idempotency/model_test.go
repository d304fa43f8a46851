package idempotency

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want error
	}{
		{"uuid", "6f1c3c1e-8a3b-4f5e-9d59-0e7e3a1b2c4d", nil},
		{"max length", strings.Repeat("k", MaxKeyLength), nil},
		{"empty", "", ErrInvalidKey},
		{"too long", strings.Repeat("k", MaxKeyLength+1), ErrKeyTooLong},
		{"space", "retry 1", ErrInvalidKey},
		{"control", "retry\n1", ErrInvalidKey},
		{"non ascii", "reintento-ñ", ErrInvalidKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateKey(tt.key); !errors.Is(err, tt.want) {
				t.Errorf("ValidateKey(%q) = %v, want %v", tt.key, err, tt.want)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	base := Fingerprint("POST", "/v1/sessions", []byte(`{"kind":"KINESIO"}`))
	if len(base) != 64 {
		t.Fatalf("fingerprint length = %d, want 64", len(base))
	}
	if again := Fingerprint("POST", "/v1/sessions", []byte(`{"kind":"KINESIO"}`)); again != base {
		t.Error("fingerprint is not deterministic")
	}

	variants := map[string]string{
		"method": Fingerprint("PUT", "/v1/sessions", []byte(`{"kind":"KINESIO"}`)),
		"route":  Fingerprint("POST", "/v1/session", []byte(`{"kind":"KINESIO"}`)),
		"body":   Fingerprint("POST", "/v1/sessions", []byte(`{"kind":"PSICO"}`)),
	}
	for name, fp := range variants {
		if fp == base {
			t.Errorf("changing the %s did not change the fingerprint", name)
		}
	}
}

func TestComputeResponseHash(t *testing.T) {
	if ComputeResponseHash([]byte(`{"id":1}`)) == ComputeResponseHash([]byte(`{"id":2}`)) {
		t.Error("different bodies hash the same")
	}
}
