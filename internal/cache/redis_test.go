package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisFromClient(client)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisSetGetDelete(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	if err := c.Set(ctx, "app_570", []byte(`{"id":570}`), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	val, ok, err := c.Get(ctx, "app_570")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(val) != `{"id":570}` {
		t.Fatalf("got %q ok=%v", val, ok)
	}

	if err := c.Delete(ctx, "app_570"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "app_570"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestRedisMissIsNotError(t *testing.T) {
	c, _ := newTestRedis(t)

	val, ok, err := c.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("miss should not error: %v", err)
	}
	if ok || val != nil {
		t.Fatalf("expected clean miss, got %q ok=%v", val, ok)
	}
}

func TestRedisTTL(t *testing.T) {
	c, mr := newTestRedis(t)
	ctx := context.Background()

	if err := c.Set(ctx, "token_abc", []byte("introspection"), 5*time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// miniredis advances time manually.
	mr.FastForward(5*time.Minute + time.Second)

	if _, ok, _ := c.Get(ctx, "token_abc"); ok {
		t.Fatal("expected miss after TTL elapsed")
	}
}

func TestRedisDeleteMatch(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	for _, k := range []string{"app_10", "app_20", "app_30", "token_x"} {
		if err := c.Set(ctx, k, []byte("v"), time.Minute); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}

	if err := c.DeleteMatch(ctx, "app_*"); err != nil {
		t.Fatalf("DeleteMatch: %v", err)
	}

	for _, k := range []string{"app_10", "app_20", "app_30"} {
		if _, ok, _ := c.Get(ctx, k); ok {
			t.Fatalf("%s should be deleted", k)
		}
	}
	if _, ok, _ := c.Get(ctx, "token_x"); !ok {
		t.Fatal("token_x should survive")
	}
}
