package health

import (
	"context"

	"github.com/onnwee/diverge/internal/kv"
)

// StoreChecker checks that a ledger store can serve a read transaction.
type StoreChecker struct {
	store kv.Store
}

// NewStoreChecker creates a checker for store.
func NewStoreChecker(store kv.Store) *StoreChecker {
	return &StoreChecker{store: store}
}

// HealthCheck opens and closes an empty read transaction.
func (s *StoreChecker) HealthCheck(ctx context.Context) error {
	return s.store.View(ctx, func(kv.Reader) error { return nil })
}
