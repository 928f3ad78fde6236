package redis

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"chatrelay/internal/config"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	client, err := NewRedisClient(context.Background(), config.RedisConfig{Host: host, Port: port})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestSetGetKeysDel(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	if err := client.Set(ctx, "chatrelay:test:a", "1", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := client.Get(ctx, "chatrelay:test:a")
	if err != nil || got != "1" {
		t.Fatalf("get: %q %v", got, err)
	}
	vals, err := client.MGet(ctx, "chatrelay:test:a", "chatrelay:test:missing")
	if err != nil || len(vals) != 2 || vals[0] != "1" || vals[1] != "" {
		t.Fatalf("mget: %q %v", vals, err)
	}
	keys, err := client.Keys(ctx, "chatrelay:test:*")
	if err != nil || len(keys) == 0 {
		t.Fatalf("keys: %v %v", keys, err)
	}
	if err := client.Del(ctx, keys...); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := client.Get(ctx, "chatrelay:test:a"); err != ErrCacheMiss {
		t.Fatalf("expected cache miss, got %v", err)
	}
}

func TestIncr(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	key := "chatrelay:test:counter"
	if err := client.Del(ctx, key); err != nil {
		t.Fatalf("del: %v", err)
	}
	t.Cleanup(func() { client.Del(context.Background(), key) })

	for want := int64(1); want <= 3; want++ {
		got, err := client.Incr(ctx, key)
		if err != nil || got != want {
			t.Fatalf("incr: got %d want %d err %v", got, want, err)
		}
	}
}

func TestPublishSubscribe(t *testing.T) {
	client := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan string, 1)
	if err := client.Subscribe(ctx, "chatrelay:test:channel", func(p string) { ch <- p }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Publish(ctx, "chatrelay:test:channel", "42"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-ch:
		if got != "42" {
			t.Fatalf("unexpected payload %q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("did not receive pubsub message")
	}
}

func TestNilClient(t *testing.T) {
	var c *Client
	if err := c.Set(context.Background(), "k", "v", 0); err == nil {
		t.Fatalf("expected error from nil client")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close nil client: %v", err)
	}
}
