// Package pseudonym derives stable beneficiary identifiers from identifying
// data without keeping that data.
package pseudonym

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Size is the length in bytes of salts and beneficiary ids.
const Size = sha256.Size

// ErrInvalidHex is returned when a salt or id is not Size bytes of hex.
var ErrInvalidHex = errors.New("pseudonym: expected 64 hex characters")

// Salt is the per-instance secret mixed into every derivation.
type Salt [Size]byte

// BeneficiaryID is the pseudonymous identifier of a person.
type BeneficiaryID [Size]byte

// Derive computes sha256(salt || name || pin). The concatenation order is
// fixed; recording and lookup must agree on it.
func Derive(salt Salt, name, pin []byte) BeneficiaryID {
	h := sha256.New()
	h.Write(salt[:])
	h.Write(name)
	h.Write(pin)

	var id BeneficiaryID
	copy(id[:], h.Sum(nil))
	return id
}

// String returns the lowercase hex encoding of the id.
func (b BeneficiaryID) String() string {
	return hex.EncodeToString(b[:])
}

// MarshalText encodes the id as hex.
func (b BeneficiaryID) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText decodes a hex id.
func (b *BeneficiaryID) UnmarshalText(text []byte) error {
	return decodeHex(string(text), b[:])
}

// ParseSalt decodes a hex salt.
func ParseSalt(s string) (Salt, error) {
	var salt Salt
	if err := decodeHex(s, salt[:]); err != nil {
		return Salt{}, err
	}
	return salt, nil
}

// String returns the lowercase hex encoding of the salt.
func (s Salt) String() string {
	return hex.EncodeToString(s[:])
}

func decodeHex(s string, dst []byte) error {
	if len(s) != hex.EncodedLen(len(dst)) {
		return fmt.Errorf("%w: got %d", ErrInvalidHex, len(s))
	}
	if _, err := hex.Decode(dst, []byte(s)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	return nil
}
