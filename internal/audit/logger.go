package audit

import (
	"context"
	"errors"

	"github.com/onnwee/diverge/internal/middleware"
)

var (
	// ErrNilRepository is returned when a nil repository is passed to Record.
	ErrNilRepository = errors.New("audit repository cannot be nil")
	// ErrInvalidAction is returned for an empty or unknown action.
	ErrInvalidAction = errors.New("audit action is not recognised")
	// ErrInvalidOutcome is returned for an empty or unknown outcome.
	ErrInvalidOutcome = errors.New("audit outcome is not recognised")
)

// ValidActions defines the allowed actions for audit logging.
var ValidActions = map[string]bool{
	ActionInitialize:           true,
	ActionProviderAuthorized:   true,
	ActionProviderDeauthorized: true,
	ActionUnauthorized:         true,
}

var validOutcomes = map[string]bool{
	OutcomeSuccess: true,
	OutcomeDenied:  true,
}

// Record validates entry, attaches the request id from ctx when the caller did
// not set one, and appends it to repo.
func Record(ctx context.Context, repo Repository, entry LogEntry) (*Entry, error) {
	if repo == nil {
		return nil, ErrNilRepository
	}
	if !ValidActions[entry.Action] {
		return nil, ErrInvalidAction
	}
	if !validOutcomes[entry.Outcome] {
		return nil, ErrInvalidOutcome
	}
	if entry.RequestID == "" {
		entry.RequestID = middleware.GetRequestID(ctx)
	}
	return repo.Append(ctx, entry)
}
