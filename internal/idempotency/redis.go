package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/diverge/internal/kv"
)

// RedisRepository keeps records in Redis under a key prefix. Records expire
// through Redis TTLs, so it needs no sweeping and is shared by every API
// instance.
type RedisRepository struct {
	client redis.UniversalClient
	prefix string
	expiry time.Duration
	now    func() time.Time
}

// NewRedisRepository creates a repository whose records live for expiry. A
// non-positive expiry means DefaultExpiry. The client is not closed by the
// repository.
func NewRedisRepository(client redis.UniversalClient, prefix string, expiry time.Duration) *RedisRepository {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &RedisRepository{
		client: client,
		prefix: prefix,
		expiry: expiry,
		now:    time.Now,
	}
}

func (r *RedisRepository) key(k string) string {
	return r.prefix + k
}

// Reserve implements Repository with SET NX.
func (r *RedisRepository) Reserve(ctx context.Context, rec *Record) (*Record, error) {
	if err := ValidateKey(rec.Key); err != nil {
		return nil, err
	}

	stored := copyRecord(rec)
	stored.Status = StatusProcessing
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.now()
	}
	data, err := kv.Marshal(stored)
	if err != nil {
		return nil, err
	}

	ok, err := r.client.SetNX(ctx, r.key(rec.Key), data, r.expiry).Result()
	if err != nil {
		return nil, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if ok {
		return nil, nil
	}

	existing, err := r.Get(ctx, rec.Key)
	if errors.Is(err, ErrKeyNotFound) {
		// Expired between SETNX and GET; report it as taken and let the
		// client retry.
		return nil, ErrKeyExists
	}
	if err != nil {
		return nil, err
	}
	return existing, ErrKeyExists
}

// Complete implements Repository. The remaining TTL is kept.
func (r *RedisRepository) Complete(ctx context.Context, key string, statusCode int, body []byte) error {
	rec, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	rec.Status = StatusCompleted
	rec.StatusCode = statusCode
	rec.ResponseBody = body
	rec.ResponseHash = ComputeResponseHash(body)

	data, err := kv.Marshal(rec)
	if err != nil {
		return err
	}
	err = r.client.SetArgs(ctx, r.key(key), data, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		return ErrKeyNotFound
	}
	return err
}

// Release implements Repository.
func (r *RedisRepository) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

// Get implements Repository.
func (r *RedisRepository) Get(ctx context.Context, key string) (*Record, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	var rec Record
	if err := kv.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}
