package kv

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// envelopeHeader is the size of the expiry prefix stored in front of every
// LevelDB value: unix nanoseconds, big endian, zero for no expiry.
const envelopeHeader = 8

// LevelDBStore is an embedded store on top of goleveldb. LevelDB has no notion
// of expiry, so each value carries its deadline and expired values are hidden
// on read and removed by Sweep.
type LevelDBStore struct {
	db   *leveldb.DB
	opts options
}

// OpenLevelDB opens (or creates) a database at path.
func OpenLevelDB(path string, opts ...Option) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDBStore{db: db, opts: buildOptions(opts)}, nil
}

// NewLevelDBMemory opens a LevelDB instance backed by memory storage.
func NewLevelDBMemory(opts ...Option) (*LevelDBStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb memory storage: %w", err)
	}
	return &LevelDBStore{db: db, opts: buildOptions(opts)}, nil
}

type leveldbGetter interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
}

func leveldbLoader(src leveldbGetter, now time.Time) loadFunc {
	return func(key string) (entry, bool, error) {
		raw, err := src.Get([]byte(key), nil)
		if errors.Is(err, leveldb.ErrNotFound) {
			return entry{}, false, nil
		}
		if err != nil {
			return entry{}, false, fmt.Errorf("leveldb get %s: %w", key, err)
		}
		e, err := decodeEnvelope(raw)
		if err != nil {
			return entry{}, false, fmt.Errorf("leveldb get %s: %w", key, err)
		}
		if e.expired(now) {
			return entry{}, false, nil
		}
		return e, true, nil
	}
}

// View reads from a consistent snapshot.
func (s *LevelDBStore) View(ctx context.Context, fn func(Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	snap, err := s.db.GetSnapshot()
	if err != nil {
		return mapLevelDBErr(err)
	}
	defer snap.Release()

	now := s.opts.now()
	return fn(newStagedTxn(leveldbLoader(snap, now), now, s.opts.defaultTTL))
}

// Update runs fn inside an exclusive LevelDB transaction.
func (s *LevelDBStore) Update(ctx context.Context, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tr, err := s.db.OpenTransaction()
	if err != nil {
		return mapLevelDBErr(err)
	}
	committed := false
	defer func() {
		if !committed {
			tr.Discard()
		}
	}()

	now := s.opts.now()
	txn := newStagedTxn(leveldbLoader(tr, now), now, s.opts.defaultTTL)
	if err := fn(txn); err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	txn.each(func(key string, e entry) {
		batch.Put([]byte(key), encodeEnvelope(e))
	})
	if err := tr.Write(batch, nil); err != nil {
		return fmt.Errorf("leveldb write: %w", err)
	}
	if err := tr.Commit(); err != nil {
		return fmt.Errorf("leveldb commit: %w", err)
	}
	committed = true
	return nil
}

// Sweep deletes expired values. It holds a transaction so it cannot race a
// concurrent Update that rewrites a key it is about to delete.
func (s *LevelDBStore) Sweep(ctx context.Context) (int64, error) {
	tr, err := s.db.OpenTransaction()
	if err != nil {
		return 0, mapLevelDBErr(err)
	}
	committed := false
	defer func() {
		if !committed {
			tr.Discard()
		}
	}()

	now := s.opts.now()
	batch := new(leveldb.Batch)
	var deleted int64

	iter := tr.NewIterator(nil, nil)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			iter.Release()
			return 0, err
		}
		e, err := decodeEnvelope(iter.Value())
		if err != nil || !e.expired(now) {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		deleted++
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("leveldb iterate: %w", err)
	}

	if deleted == 0 {
		return 0, nil
	}
	if err := tr.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("leveldb delete expired: %w", err)
	}
	if err := tr.Commit(); err != nil {
		return 0, fmt.Errorf("leveldb commit: %w", err)
	}
	committed = true
	return deleted, nil
}

// Close closes the underlying database.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

func encodeEnvelope(e entry) []byte {
	out := make([]byte, envelopeHeader+len(e.value))
	if !e.expiresAt.IsZero() {
		binary.BigEndian.PutUint64(out[:envelopeHeader], uint64(e.expiresAt.UnixNano()))
	}
	copy(out[envelopeHeader:], e.value)
	return out
}

func decodeEnvelope(raw []byte) (entry, error) {
	if len(raw) < envelopeHeader {
		return entry{}, fmt.Errorf("value envelope too short: %d bytes", len(raw))
	}
	var e entry
	if nanos := binary.BigEndian.Uint64(raw[:envelopeHeader]); nanos != 0 {
		e.expiresAt = time.Unix(0, int64(nanos))
	}
	e.value = cloneBytes(raw[envelopeHeader:])
	return e, nil
}

func mapLevelDBErr(err error) error {
	if errors.Is(err, leveldb.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("leveldb: %w", err)
}
