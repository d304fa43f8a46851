package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultTxRetries bounds how often an optimistic Redis transaction is
// retried after a watched key changed underneath it.
const DefaultTxRetries = 16

// extendLua applies a Retention atomically: PTTL below ARGV[1] milliseconds
// is pushed out to ARGV[2] milliseconds. Keys without expiry are left alone.
const extendLua = `
local ttl = redis.call('PTTL', KEYS[1])
if ttl == -2 then return 0 end
if ttl >= 0 and ttl < tonumber(ARGV[1]) then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 1
`

// WithKeyPrefix namespaces every key a RedisStore touches.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.keyPrefix = prefix
	}
}

// WithTxRetries sets the optimistic retry budget of a RedisStore.
func WithTxRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.txRetries = n
		}
	}
}

// RedisStore keeps values in Redis. Update uses WATCH/MULTI/EXEC: every key
// read inside the transaction is watched and the writes are queued in a
// MULTI block, so a concurrent change to anything read aborts the commit and
// fn is run again.
type RedisStore struct {
	client redis.UniversalClient
	opts   options
}

// NewRedisStore wraps client. The store takes ownership and closes it on Close.
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	o := buildOptions(opts)
	if o.txRetries == 0 {
		o.txRetries = DefaultTxRetries
	}
	return &RedisStore{client: client, opts: o}
}

func (s *RedisStore) key(k string) string {
	return s.opts.keyPrefix + k
}

// View reads straight from the server. Reads are individually consistent but
// not isolated from concurrent updates.
func (s *RedisStore) View(ctx context.Context, fn func(Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&redisReader{ctx: ctx, cmd: s.client, store: s})
}

// Update runs fn in an optimistic transaction, retrying on conflict.
func (s *RedisStore) Update(ctx context.Context, fn func(Txn) error) error {
	for attempt := 0; attempt < s.opts.txRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			txn := &redisTxn{
				redisReader: redisReader{ctx: ctx, cmd: tx, store: s, watch: tx},
				writes:      make(map[string]*redisWrite),
			}
			if err := fn(txn); err != nil {
				return err
			}
			if len(txn.order) == 0 {
				return nil
			}
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				txn.flush(pipe)
				return nil
			})
			return err
		})
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return mapRedisErr(err)
	}
	return ErrConflict
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// redisCommander is the subset shared by clients and watched transactions.
type redisCommander interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

type redisReader struct {
	ctx   context.Context
	cmd   redisCommander
	store *RedisStore
	watch *redis.Tx
}

func (r *redisReader) watchKey(key string) error {
	if r.watch == nil {
		return nil
	}
	return r.watch.Watch(r.ctx, key).Err()
}

func (r *redisReader) Get(key string) ([]byte, error) {
	k := r.store.key(key)
	if err := r.watchKey(k); err != nil {
		return nil, mapRedisErr(err)
	}
	value, err := r.cmd.Get(r.ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapRedisErr(err)
	}
	return value, nil
}

func (r *redisReader) Has(key string) (bool, error) {
	k := r.store.key(key)
	if err := r.watchKey(k); err != nil {
		return false, mapRedisErr(err)
	}
	n, err := r.cmd.Exists(r.ctx, k).Result()
	if err != nil {
		return false, mapRedisErr(err)
	}
	return n > 0, nil
}

type redisWrite struct {
	value      []byte
	set        bool
	fresh      bool // the key did not exist before this transaction
	retentions []Retention
}

type redisTxn struct {
	redisReader
	writes map[string]*redisWrite
	order  []string
}

func (t *redisTxn) staged(key string) *redisWrite {
	w, ok := t.writes[key]
	if !ok {
		w = &redisWrite{}
		t.writes[key] = w
		t.order = append(t.order, key)
	}
	return w
}

func (t *redisTxn) Get(key string) ([]byte, error) {
	if w, ok := t.writes[key]; ok && w.set {
		return cloneBytes(w.value), nil
	}
	return t.redisReader.Get(key)
}

func (t *redisTxn) Has(key string) (bool, error) {
	if w, ok := t.writes[key]; ok && w.set {
		return true, nil
	}
	return t.redisReader.Has(key)
}

func (t *redisTxn) Set(key string, value []byte) error {
	if w, ok := t.writes[key]; !ok || !w.set {
		exists, err := t.redisReader.Has(key)
		if err != nil {
			return err
		}
		t.staged(key).fresh = !exists
	}
	w := t.staged(key)
	w.value = cloneBytes(value)
	w.set = true
	return nil
}

func (t *redisTxn) Extend(key string, r Retention) error {
	ok, err := t.Has(key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if r.IsZero() {
		return nil
	}
	w := t.staged(key)
	w.retentions = append(w.retentions, r)
	return nil
}

func (t *redisTxn) flush(pipe redis.Pipeliner) {
	ttl := t.store.opts.defaultTTL
	for _, key := range t.order {
		w := t.writes[key]
		k := t.store.key(key)
		if w.set {
			pipe.SetArgs(t.ctx, k, w.value, redis.SetArgs{KeepTTL: true})
			if w.fresh && ttl > 0 {
				pipe.PExpire(t.ctx, k, ttl)
			}
		}
		for _, r := range w.retentions {
			if r.Persist {
				pipe.Persist(t.ctx, k)
				continue
			}
			pipe.Eval(t.ctx, extendLua, []string{k}, r.Threshold.Milliseconds(), r.ExtendTo.Milliseconds())
		}
	}
}

func mapRedisErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		return fmt.Errorf("redis: %w", err)
	}
	return err
}
