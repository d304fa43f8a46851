//go:build integration

package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func newRedisRateLimitStore(t *testing.T) *RedisRateLimitStore {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	url, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("ConnectionString() error = %v", err)
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("ParseURL() error = %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisRateLimitStore(client)
}

func TestRedisRateLimitStore(t *testing.T) {
	store := newRedisRateLimitStore(t)
	ctx := context.Background()

	t.Run("counts down then blocks", func(t *testing.T) {
		config := RateLimitConfig{RequestsPerWindow: 5, WindowDuration: time.Minute}
		for i := 0; i < 5; i++ {
			allowed, remaining, _ := store.Allow(ctx, "203.0.113.7", config)
			if !allowed || remaining != 4-i {
				t.Fatalf("request %d = (%v, %d), want (true, %d)", i+1, allowed, remaining, 4-i)
			}
		}
		allowed, remaining, retryAfter := store.Allow(ctx, "203.0.113.7", config)
		if allowed || remaining != 0 {
			t.Errorf("6th request = (%v, %d), want blocked", allowed, remaining)
		}
		if retryAfter < 1 || retryAfter > 60 {
			t.Errorf("retryAfter = %d, want 1..60", retryAfter)
		}
	})

	t.Run("keys are independent", func(t *testing.T) {
		config := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}
		a, _, _ := store.Allow(ctx, "provider:aa", config)
		b, _, _ := store.Allow(ctx, "provider:bb", config)
		if !a || !b {
			t.Fatal("first request per key should be allowed")
		}
		if a, _, _ = store.Allow(ctx, "provider:aa", config); a {
			t.Error("second request for provider:aa should be blocked")
		}
	})

	t.Run("window expires", func(t *testing.T) {
		config := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: 100 * time.Millisecond}
		store.Allow(ctx, "expiring", config)
		if allowed, _, _ := store.Allow(ctx, "expiring", config); allowed {
			t.Fatal("second request in window should be blocked")
		}
		time.Sleep(150 * time.Millisecond)
		if allowed, _, _ := store.Allow(ctx, "expiring", config); !allowed {
			t.Error("request after expiry should be allowed")
		}
	})
}
