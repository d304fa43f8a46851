package kv

import (
	"context"
	"sync"
	"time"
)

// Option configures a store.
type Option func(*options)

type options struct {
	defaultTTL time.Duration
	now        func() time.Time
	keyPrefix  string
	txRetries  int
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithDefaultTTL sets the lifetime given to keys when they are first written.
// Zero (the default) means keys never expire.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.defaultTTL = ttl
	}
}

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// MemoryStore keeps everything in a map. Updates are serialized.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]entry
	opts    options
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]entry),
		opts:    buildOptions(opts),
	}
}

func (s *MemoryStore) loader(now time.Time) loadFunc {
	return func(key string) (entry, bool, error) {
		e, ok := s.entries[key]
		if !ok || e.expired(now) {
			return entry{}, false, nil
		}
		return e, true, nil
	}
}

// View runs fn against the committed state.
func (s *MemoryStore) View(ctx context.Context, fn func(Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}
	// A staged transaction that is never committed doubles as a read-only view.
	return fn(newStagedTxn(s.loader(s.opts.now()), s.opts.now(), s.opts.defaultTTL))
}

// Update runs fn under the write lock and applies its writes if it returns nil.
func (s *MemoryStore) Update(ctx context.Context, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	now := s.opts.now()
	txn := newStagedTxn(s.loader(now), now, s.opts.defaultTTL)
	if err := fn(txn); err != nil {
		return err
	}
	txn.each(func(key string, e entry) {
		s.entries[key] = e
	})
	return nil
}

// Sweep removes expired entries.
func (s *MemoryStore) Sweep(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.now()
	var deleted int64
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

// TTL returns the remaining lifetime of key. ok is false when the key is
// absent; a zero duration with ok set means the key never expires.
func (s *MemoryStore) TTL(key string) (ttl time.Duration, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.opts.now()
	e, found := s.entries[key]
	if !found || e.expired(now) {
		return 0, false
	}
	if e.expiresAt.IsZero() {
		return 0, true
	}
	return e.expiresAt.Sub(now), true
}

// Close releases the store. Further calls return ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
