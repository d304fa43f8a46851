package idempotency

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// Repository persists idempotency records.
type Repository interface {
	// Reserve stores rec as StatusProcessing. When the key is taken it
	// returns the existing record and ErrKeyExists.
	Reserve(ctx context.Context, rec *Record) (*Record, error)

	// Complete stores the response for a reserved key.
	Complete(ctx context.Context, key string, statusCode int, body []byte) error

	// Release forgets a reservation so the request can be retried.
	Release(ctx context.Context, key string) error

	// Get returns the record for key or ErrKeyNotFound.
	Get(ctx context.Context, key string) (*Record, error)
}

// InMemoryRepository implements Repository with in-memory storage. Expired
// records are removed by DeleteOlderThan.
type InMemoryRepository struct {
	mu   sync.RWMutex
	keys map[string]*Record
	now  func() time.Time
}

// NewInMemoryRepository creates an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		keys: make(map[string]*Record),
		now:  time.Now,
	}
}

// Reserve implements Repository.
func (r *InMemoryRepository) Reserve(_ context.Context, rec *Record) (*Record, error) {
	if err := ValidateKey(rec.Key); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.keys[rec.Key]; ok {
		return copyRecord(existing), ErrKeyExists
	}

	stored := copyRecord(rec)
	stored.Status = StatusProcessing
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.now()
	}
	r.keys[rec.Key] = stored
	return nil, nil
}

// Complete implements Repository.
func (r *InMemoryRepository) Complete(_ context.Context, key string, statusCode int, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.keys[key]
	if !ok {
		return ErrKeyNotFound
	}
	rec.Status = StatusCompleted
	rec.StatusCode = statusCode
	rec.ResponseBody = bytes.Clone(body)
	rec.ResponseHash = ComputeResponseHash(body)
	return nil
}

// Release implements Repository.
func (r *InMemoryRepository) Release(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, key)
	return nil
}

// Get implements Repository.
func (r *InMemoryRepository) Get(_ context.Context, key string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.keys[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return copyRecord(rec), nil
}

// DeleteOlderThan removes records created more than d ago and returns how
// many were deleted.
func (r *InMemoryRepository) DeleteOlderThan(d time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-d)
	var deleted int64
	for key, rec := range r.keys {
		if rec.CreatedAt.Before(cutoff) {
			delete(r.keys, key)
			deleted++
		}
	}
	return deleted, nil
}

func copyRecord(rec *Record) *Record {
	if rec == nil {
		return nil
	}
	c := *rec
	c.ResponseBody = bytes.Clone(rec.ResponseBody)
	return &c
}
