package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

const testAudience = "diverge-test"

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	_, key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	return NewSigner(key, testAudience)
}

func TestIdentity_Validate(t *testing.T) {
	id, _, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	tests := []struct {
		name    string
		id      Identity
		wantErr bool
	}{
		{name: "generated", id: id},
		{name: "uppercase", id: Identity(strings.ToUpper(string(id))), wantErr: true},
		{name: "short", id: "abcd", wantErr: true},
		{name: "not hex", id: Identity(strings.Repeat("g", 64)), wantErr: true},
		{name: "empty", id: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.id.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidIdentity) {
				t.Errorf("Validate() error = %v, want ErrInvalidIdentity", err)
			}
		})
	}
}

func TestPrivateKey_RoundTrip(t *testing.T) {
	id, key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	parsed, err := ParsePrivateKey(EncodePrivateKey(key))
	if err != nil {
		t.Fatalf("ParsePrivateKey() error = %v", err)
	}
	if got := NewSigner(parsed, "").Identity(); got != id {
		t.Errorf("identity after round trip = %s, want %s", got, id)
	}

	if _, err := ParsePrivateKey("abcd"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("ParsePrivateKey(short) error = %v, want ErrInvalidKey", err)
	}
}

func TestProofVerifier_Verify(t *testing.T) {
	signer := newTestSigner(t)
	other := newTestSigner(t)

	tests := []struct {
		name    string
		mint    func() (string, error)
		id      Identity
		op      string
		wantErr error
	}{
		{
			name: "valid",
			mint: func() (string, error) { return signer.Proof(OpRecordSession) },
			id:   signer.Identity(),
			op:   OpRecordSession,
		},
		{
			name:    "wrong operation",
			mint:    func() (string, error) { return signer.Proof(OpRecordSession) },
			id:      signer.Identity(),
			op:      OpSetProviderAuthorization,
			wantErr: ErrWrongOperation,
		},
		{
			name:    "signed by someone else",
			mint:    func() (string, error) { return other.Proof(OpRecordSession) },
			id:      signer.Identity(),
			op:      OpRecordSession,
			wantErr: ErrInvalidProof,
		},
		{
			name:    "wrong audience",
			mint:    func() (string, error) { return NewSigner(signer.key, "elsewhere").Proof(OpRecordSession) },
			id:      signer.Identity(),
			op:      OpRecordSession,
			wantErr: ErrInvalidProof,
		},
		{
			name:    "expired",
			mint:    func() (string, error) { return signer.WithTTL(-time.Hour).Proof(OpRecordSession) },
			id:      signer.Identity(),
			op:      OpRecordSession,
			wantErr: ErrExpiredProof,
		},
		{
			name:    "garbage",
			mint:    func() (string, error) { return "not.a.token", nil },
			id:      signer.Identity(),
			op:      OpRecordSession,
			wantErr: ErrInvalidProof,
		},
		{
			name:    "empty",
			mint:    func() (string, error) { return "", nil },
			id:      signer.Identity(),
			op:      OpRecordSession,
			wantErr: ErrMissingProof,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewProofVerifier(testAudience, DefaultLeeway)
			token, err := tt.mint()
			if err != nil {
				t.Fatalf("mint error = %v", err)
			}

			err = v.Verify(token, tt.id, tt.op)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Verify() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestProofVerifier_RejectsReplay(t *testing.T) {
	signer := newTestSigner(t)
	v := NewProofVerifier(testAudience, DefaultLeeway)

	token, err := signer.Proof(OpRecordSession)
	if err != nil {
		t.Fatalf("Proof() error = %v", err)
	}
	if err := v.Verify(token, signer.Identity(), OpRecordSession); err != nil {
		t.Fatalf("first Verify() error = %v", err)
	}
	if err := v.Verify(token, signer.Identity(), OpRecordSession); !errors.Is(err, ErrReplayedProof) {
		t.Errorf("second Verify() error = %v, want ErrReplayedProof", err)
	}
}

func TestProofVerifier_Authorized(t *testing.T) {
	signer := newTestSigner(t)
	v := NewProofVerifier(testAudience, DefaultLeeway)

	if v.Authorized(context.Background(), signer.Identity(), OpRecordSession) {
		t.Error("Authorized() = true without a proof in context")
	}

	token, err := signer.Proof(OpRecordSession)
	if err != nil {
		t.Fatalf("Proof() error = %v", err)
	}
	ctx := WithProof(context.Background(), token)
	if !v.Authorized(ctx, signer.Identity(), OpRecordSession) {
		t.Error("Authorized() = false with a valid proof")
	}
}

func TestAllowAll(t *testing.T) {
	if !AllowAll.Authorized(context.Background(), "anyone", OpRecordSession) {
		t.Error("AllowAll.Authorized() = false")
	}
}
