package audit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/diverge/internal/kv"
)

// Repository defines the interface for audit trail storage.
type Repository interface {
	// Append seals entry onto the end of the chain and returns the stored entry.
	Append(ctx context.Context, entry LogEntry) (*Entry, error)

	// All returns every entry in chain order.
	All(ctx context.Context) ([]*Entry, error)

	// QueryByActor returns entries for actor, newest first.
	// Limit specifies the maximum number of entries to return (0 = no limit).
	QueryByActor(ctx context.Context, actor string, limit int) ([]*Entry, error)

	// LastHash returns the hash of the newest entry, or "" for an empty chain.
	LastHash(ctx context.Context) (string, error)
}

func newEntry(entry LogEntry, seq uint64, now time.Time) *Entry {
	return &Entry{
		ID:        uuid.NewString(),
		Seq:       seq,
		Actor:     entry.Actor,
		Action:    entry.Action,
		Target:    entry.Target,
		Outcome:   entry.Outcome,
		RequestID: entry.RequestID,
		CreatedAt: now.UTC().Truncate(time.Second),
	}
}

func newestFirst(entries []*Entry, keep func(*Entry) bool, limit int) []*Entry {
	var results []*Entry
	for i := len(entries) - 1; i >= 0; i-- {
		if !keep(entries[i]) {
			continue
		}
		c := *entries[i]
		results = append(results, &c)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewInMemoryRepository creates a new in-memory audit repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{}
}

// Append implements Repository.
func (r *InMemoryRepository) Append(_ context.Context, entry LogEntry) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := ""
	if n := len(r.entries); n > 0 {
		prev = r.entries[n-1].Hash
	}
	e := newEntry(entry, uint64(len(r.entries)+1), time.Now())
	if err := seal(e, prev); err != nil {
		return nil, err
	}
	r.entries = append(r.entries, e)

	c := *e
	return &c, nil
}

// All implements Repository.
func (r *InMemoryRepository) All(_ context.Context) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entry, len(r.entries))
	for i, e := range r.entries {
		c := *e
		out[i] = &c
	}
	return out, nil
}

// QueryByActor implements Repository.
func (r *InMemoryRepository) QueryByActor(_ context.Context, actor string, limit int) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return newestFirst(r.entries, func(e *Entry) bool { return e.Actor == actor }, limit), nil
}

// LastHash implements Repository.
func (r *InMemoryRepository) LastHash(_ context.Context) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.entries) == 0 {
		return "", nil
	}
	return r.entries[len(r.entries)-1].Hash, nil
}

// Keys used by KVRepository. They live beside the ledger's namespaces in the
// same store.
const (
	kvHeadKey     = "audit/head"
	kvEntryPrefix = "audit/entry/"
)

type chainHead struct {
	Seq  uint64 `cbor:"seq"`
	Hash string `cbor:"hash"`
}

// KVRepository persists the chain in a kv.Store. Appends are transactional, so
// concurrent writers cannot fork the chain.
type KVRepository struct {
	store kv.Store
}

// NewKVRepository creates a repository on store.
func NewKVRepository(store kv.Store) *KVRepository {
	return &KVRepository{store: store}
}

func kvEntryKey(seq uint64) string {
	return kvEntryPrefix + strconv.FormatUint(seq, 10)
}

// Append implements Repository.
func (r *KVRepository) Append(ctx context.Context, entry LogEntry) (*Entry, error) {
	var sealed *Entry
	err := r.store.Update(ctx, func(tx kv.Txn) error {
		var head chainHead
		if _, err := kv.GetValue(tx, kvHeadKey, &head); err != nil {
			return err
		}

		e := newEntry(entry, head.Seq+1, time.Now())
		if err := seal(e, head.Hash); err != nil {
			return err
		}
		if err := kv.SetValue(tx, kvEntryKey(e.Seq), e); err != nil {
			return err
		}
		if err := kv.SetValue(tx, kvHeadKey, chainHead{Seq: e.Seq, Hash: e.Hash}); err != nil {
			return err
		}
		sealed = e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}
	return sealed, nil
}

// All implements Repository.
func (r *KVRepository) All(ctx context.Context) ([]*Entry, error) {
	var entries []*Entry
	err := r.store.View(ctx, func(rd kv.Reader) error {
		var head chainHead
		if _, err := kv.GetValue(rd, kvHeadKey, &head); err != nil {
			return err
		}
		entries = make([]*Entry, 0, head.Seq)
		for seq := uint64(1); seq <= head.Seq; seq++ {
			var e Entry
			found, err := kv.GetValue(rd, kvEntryKey(seq), &e)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: entry %d missing", ErrChainBroken, seq)
			}
			entries = append(entries, &e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read audit chain: %w", err)
	}
	return entries, nil
}

// QueryByActor implements Repository.
func (r *KVRepository) QueryByActor(ctx context.Context, actor string, limit int) ([]*Entry, error) {
	entries, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	return newestFirst(entries, func(e *Entry) bool { return e.Actor == actor }, limit), nil
}

// LastHash implements Repository.
func (r *KVRepository) LastHash(ctx context.Context) (string, error) {
	var head chainHead
	err := r.store.View(ctx, func(rd kv.Reader) error {
		_, err := kv.GetValue(rd, kvHeadKey, &head)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("read audit head: %w", err)
	}
	return head.Hash, nil
}
