// Package auth provides identities and the authorization proofs that show a
// caller controls one.
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidIdentity is returned for identities that are not a canonical
// hex-encoded Ed25519 public key.
var ErrInvalidIdentity = errors.New("auth: invalid identity")

// ErrInvalidKey is returned when a private key cannot be decoded.
var ErrInvalidKey = errors.New("auth: invalid private key")

// Identity is the lowercase hex encoding of an Ed25519 public key. Holding the
// matching private key is what controlling an identity means.
type Identity string

// IdentityFromPublicKey encodes pub as an Identity.
func IdentityFromPublicKey(pub ed25519.PublicKey) Identity {
	return Identity(hex.EncodeToString(pub))
}

// PublicKey decodes the identity.
func (id Identity) PublicKey() (ed25519.PublicKey, error) {
	s := string(id)
	if len(s) != hex.EncodedLen(ed25519.PublicKeySize) {
		return nil, fmt.Errorf("%w: want %d hex characters, got %d",
			ErrInvalidIdentity, hex.EncodedLen(ed25519.PublicKeySize), len(s))
	}
	if strings.ToLower(s) != s {
		return nil, fmt.Errorf("%w: must be lowercase", ErrInvalidIdentity)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	return ed25519.PublicKey(raw), nil
}

// Validate reports whether id is well formed.
func (id Identity) Validate() error {
	_, err := id.PublicKey()
	return err
}

// String returns the identity as a string.
func (id Identity) String() string {
	return string(id)
}

// GenerateKey creates a new identity and its private key.
func GenerateKey() (Identity, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return IdentityFromPublicKey(pub), priv, nil
}

// EncodePrivateKey returns the hex encoded seed of key.
func EncodePrivateKey(key ed25519.PrivateKey) string {
	return hex.EncodeToString(key.Seed())
}

// ParsePrivateKey decodes a hex encoded 32-byte seed.
func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: want %d byte seed, got %d", ErrInvalidKey, ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
