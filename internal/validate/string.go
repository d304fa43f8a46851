// Package validate checks request input before it reaches the ledger.
// Ledger-level rules (tags, months, identities) live with their types; this
// package covers the fields that only exist at the API edge.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// String validation errors
var (
	ErrStringTooShort    = errors.New("string is too short")
	ErrStringTooLong     = errors.New("string is too long")
	ErrInvalidCharacters = errors.New("string contains invalid characters")
	ErrEmpty             = errors.New("string is empty")
)

// StringConstraints defines validation constraints for a string.
type StringConstraints struct {
	MinLength      int            // Minimum length in runes (0 = no minimum)
	MaxLength      int            // Maximum length in runes (0 = no maximum)
	AllowedPattern *regexp.Regexp // Optional pattern the whole string must match
	AllowEmpty     bool           // Whether empty strings are allowed
	TrimSpace      bool           // Whether to trim whitespace before validation
	NoControl      bool           // Reject control characters
}

// String validates a string against the given constraints.
// Returns the validated (and optionally trimmed) string and an error if validation fails.
func String(s string, constraints StringConstraints) (string, error) {
	if constraints.TrimSpace {
		s = strings.TrimSpace(s)
	}

	if s == "" {
		if !constraints.AllowEmpty {
			return "", ErrEmpty
		}
		return s, nil
	}

	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidCharacters)
	}

	length := utf8.RuneCountInString(s)
	if constraints.MinLength > 0 && length < constraints.MinLength {
		return "", fmt.Errorf("%w: got %d chars, need at least %d", ErrStringTooShort, length, constraints.MinLength)
	}
	if constraints.MaxLength > 0 && length > constraints.MaxLength {
		return "", fmt.Errorf("%w: got %d chars, maximum is %d", ErrStringTooLong, length, constraints.MaxLength)
	}

	if constraints.NoControl && strings.IndexFunc(s, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("%w: control character", ErrInvalidCharacters)
	}

	if constraints.AllowedPattern != nil && !constraints.AllowedPattern.MatchString(s) {
		return "", fmt.Errorf("%w: does not match required pattern", ErrInvalidCharacters)
	}

	return s, nil
}

// MaxNameLength bounds beneficiary names.
const MaxNameLength = 100

// BeneficiaryName validates a beneficiary name: 1-100 characters after
// trimming, no control characters. The trimmed name is what gets hashed, so
// "Ana " and "Ana" are the same beneficiary.
func BeneficiaryName(name string) (string, error) {
	return String(name, StringConstraints{
		MinLength: 1,
		MaxLength: MaxNameLength,
		TrimSpace: true,
		NoControl: true,
	})
}

var pinPattern = regexp.MustCompile(`^[0-9]{1,6}$`)

// Pin validates a beneficiary pin: 1 to 6 ASCII digits. Pins are not
// trimmed; " 1234" is rejected rather than silently hashed as another pin.
func Pin(pin string) (string, error) {
	return String(pin, StringConstraints{
		AllowedPattern: pinPattern,
	})
}
