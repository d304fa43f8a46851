//go:build integration

package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	url, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get redis connection string: %v", err)
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("failed to parse redis URL: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisRepository_Contract(t *testing.T) {
	testRepositoryContract(t, NewRedisRepository(newRedisClient(t), "test:idem:", time.Hour))
}

func TestRedisRepository_CompleteKeepsTTL(t *testing.T) {
	client := newRedisClient(t)
	repo := NewRedisRepository(client, "test:idem:", time.Hour)
	ctx := context.Background()

	if _, err := repo.Reserve(ctx, &Record{Key: "k", Fingerprint: "fp"}); err != nil {
		t.Fatal(err)
	}
	if err := repo.Complete(ctx, "k", 201, []byte(`{"id":1}`)); err != nil {
		t.Fatal(err)
	}

	ttl, err := client.TTL(ctx, "test:idem:k").Result()
	if err != nil {
		t.Fatal(err)
	}
	if ttl <= 0 || ttl > time.Hour {
		t.Errorf("TTL after Complete() = %v, want within (0, 1h]", ttl)
	}
}
