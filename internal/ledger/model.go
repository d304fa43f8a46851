package ledger

import (
	"fmt"

	"github.com/onnwee/diverge/internal/auth"
	"github.com/onnwee/diverge/internal/pseudonym"
)

// MaxTagLength bounds kind and status tags.
const MaxTagLength = 32

// Tag is a short symbol naming a session kind or status, e.g. "KINESIO".
type Tag string

// Validate checks that t is 1 to MaxTagLength characters of [A-Za-z0-9_].
func (t Tag) Validate() error {
	if len(t) == 0 || len(t) > MaxTagLength {
		return fmt.Errorf("%w: tag must be 1-%d characters, got %d", ErrInvalidInput, MaxTagLength, len(t))
	}
	for i := 0; i < len(t); i++ {
		c := t[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			return fmt.Errorf("%w: tag %q contains %q", ErrInvalidInput, string(t), c)
		}
	}
	return nil
}

// YearMonth is a month in yyyymm form, e.g. 202512.
type YearMonth uint32

// Validate checks the year is 2000-2100 and the month 1-12.
func (ym YearMonth) Validate() error {
	year, month := ym/100, ym%100
	if year < 2000 || year > 2100 || month < 1 || month > 12 {
		return fmt.Errorf("%w: year_month %d is not a yyyymm value between 200001 and 210012", ErrInvalidInput, ym)
	}
	return nil
}

// SystemConfig is written once by Initialize and never changes.
type SystemConfig struct {
	Admin auth.Identity  `cbor:"admin"`
	Salt  pseudonym.Salt `cbor:"salt"`
}

// Session is an immutable record of one service delivery.
type Session struct {
	ID            uint32                  `cbor:"id" json:"id"`
	BeneficiaryID pseudonym.BeneficiaryID `cbor:"beneficiary_id" json:"beneficiary_id"`
	Provider      auth.Identity           `cbor:"provider" json:"provider"`
	Timestamp     uint64                  `cbor:"timestamp" json:"timestamp"`
	Kind          Tag                     `cbor:"kind" json:"kind"`
	Status        Tag                     `cbor:"status" json:"status"`
	YearMonth     YearMonth               `cbor:"year_month" json:"year_month"`
}

// SessionInput carries the arguments of RecordSession. The name and pin are
// only used to derive the beneficiary id and are never stored.
type SessionInput struct {
	Provider        auth.Identity
	BeneficiaryName []byte
	BeneficiaryPin  []byte
	Kind            Tag
	Status          Tag
	YearMonth       YearMonth
}

func (in SessionInput) validate() error {
	if err := in.Provider.Validate(); err != nil {
		return fmt.Errorf("%w: provider: %v", ErrInvalidInput, err)
	}
	if err := in.Kind.Validate(); err != nil {
		return fmt.Errorf("kind: %w", err)
	}
	if err := in.Status.Validate(); err != nil {
		return fmt.Errorf("status: %w", err)
	}
	return in.YearMonth.Validate()
}

// TopicNewSession is the topic of the event emitted for every recorded session.
const TopicNewSession = "new_session"

// Event announces a committed session.
type Event struct {
	Topic   string  `json:"topic"`
	Kind    Tag     `json:"kind"`
	Session Session `json:"session"`
}
