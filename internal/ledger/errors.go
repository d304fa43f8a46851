package ledger

import "errors"

// Errors returned by ledger operations. Every one of them leaves the store
// untouched.
var (
	ErrAlreadyInitialized    = errors.New("ledger: already initialized")
	ErrNotInitialized        = errors.New("ledger: not initialized")
	ErrUnauthorized          = errors.New("ledger: caller has not proven control of the required identity")
	ErrProviderNotAuthorized = errors.New("ledger: provider is not authorized")
	ErrSessionNotFound       = errors.New("ledger: session not found")
	ErrInvalidInput          = errors.New("ledger: invalid input")
)
