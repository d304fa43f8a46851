// Package audit keeps a tamper-evident trail of administrative actions on the
// ledger. Every entry carries the hash of its predecessor so that editing or
// removing an entry breaks the chain.
package audit

import (
	"time"
)

// Actions recorded in the trail.
const (
	ActionInitialize           = "initialize"
	ActionProviderAuthorized   = "provider_authorized"
	ActionProviderDeauthorized = "provider_deauthorized"
	ActionUnauthorized         = "unauthorized"
)

// ActorUnknown is the actor of a denied action whose caller proved no identity.
const ActorUnknown = "unknown"

// Outcomes of an audited action.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
)

// Entry is a single link of the audit chain.
type Entry struct {
	ID        string    `cbor:"id" json:"id"`
	Seq       uint64    `cbor:"seq" json:"seq"`
	Actor     string    `cbor:"actor" json:"actor"`
	Action    string    `cbor:"action" json:"action"`
	Target    string    `cbor:"target" json:"target"`
	Outcome   string    `cbor:"outcome" json:"outcome"`
	RequestID string    `cbor:"request_id" json:"request_id,omitempty"`
	CreatedAt time.Time `cbor:"created_at" json:"created_at"`

	PreviousHash string `cbor:"previous_hash" json:"previous_hash"`
	Hash         string `cbor:"hash" json:"hash"`
}

// LogEntry is the input for appending to the trail.
type LogEntry struct {
	Actor     string
	Action    string
	Target    string
	Outcome   string
	RequestID string
}
