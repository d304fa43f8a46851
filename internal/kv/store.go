// Package kv provides the transactional key-value storage the ledger is built on.
//
// Three backends implement Store: an in-memory map (tests and single-process
// deployments), an embedded LevelDB database and Redis. All of them offer the
// same contract: Update runs a function against a private view of the data and
// either commits every write it made or none of them.
package kv

import (
	"context"
	"errors"
	"time"
)

// Errors returned by stores.
var (
	ErrNotFound = errors.New("kv: key not found")
	ErrConflict = errors.New("kv: transaction conflict")
	ErrClosed   = errors.New("kv: store closed")
)

// Retention asks a store to keep a key alive. When the remaining lifetime of
// the key is below Threshold it is pushed out to ExtendTo from now. With
// Persist set the key's expiry is removed instead. A zero Retention is a
// no-op.
type Retention struct {
	Threshold time.Duration
	ExtendTo  time.Duration
	Persist   bool
}

// Persistent removes a key's expiry.
var Persistent = Retention{Persist: true}

// IsZero reports whether r requests nothing.
func (r Retention) IsZero() bool {
	return !r.Persist && r.Threshold <= 0 && r.ExtendTo <= 0
}

// Reader is the read side of a transaction.
type Reader interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(key string) ([]byte, error)
	// Has reports whether key holds a live value.
	Has(key string) (bool, error)
}

// Txn is a read-write transaction. Writes are only visible to the same
// transaction until the enclosing Update returns nil.
type Txn interface {
	Reader
	// Set stores value under key. An existing expiry is preserved; a new key
	// receives the store's default lifetime.
	Set(key string, value []byte) error
	// Extend applies r to an existing key. It returns ErrNotFound when the key
	// is absent.
	Extend(key string, r Retention) error
}

// Store is a transactional key-value store.
//
// The function passed to Update may run more than once when the backend uses
// optimistic concurrency, so it must not have side effects outside the Txn.
type Store interface {
	View(ctx context.Context, fn func(Reader) error) error
	Update(ctx context.Context, fn func(Txn) error) error
	Close() error
}

// Sweeper is implemented by stores that cannot expire keys on their own.
type Sweeper interface {
	// Sweep deletes expired keys and returns how many were removed.
	Sweep(ctx context.Context) (int64, error)
}

// BackendName returns the short name of the backend behind s, for logs and
// traces.
func BackendName(s Store) string {
	switch s.(type) {
	case *MemoryStore:
		return "memory"
	case *LevelDBStore:
		return "leveldb"
	case *RedisStore:
		return "redis"
	default:
		return "unknown"
	}
}
