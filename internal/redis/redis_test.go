package redis

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis integration test")
	}
	client, err := Dial(&goredis.Options{Addr: addr})
	if err != nil {
		t.Fatalf("dial redis: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestHashRoundTrip(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	key := "voxchat:test:" + time.Now().Format("150405.000000000")

	empty, err := client.HGetAll(ctx, key)
	if err != nil || len(empty) != 0 {
		t.Fatalf("missing hash should be empty: %v %v", empty, err)
	}
	if err := client.HSet(ctx, key, map[string]string{"bot_name": "Leo"}); err != nil {
		t.Fatalf("hset: %v", err)
	}
	got, err := client.HGetAll(ctx, key)
	if err != nil || got["bot_name"] != "Leo" {
		t.Fatalf("hgetall: %v %v", got, err)
	}
}

func TestPublishSubscribe(t *testing.T) {
	client := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	channel := "voxchat:test:pubsub"
	sub, err := client.Subscribe(ctx, channel)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	if err := client.Publish(ctx, channel, "reload"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-sub.Channel():
		if msg.Payload != "reload" {
			t.Fatalf("unexpected payload %q", msg.Payload)
		}
	case <-ctx.Done():
		t.Fatalf("no message received")
	}
}

func TestNilClientErrors(t *testing.T) {
	var c *Client
	if _, err := c.HGetAll(context.Background(), "k"); err == nil {
		t.Fatalf("expected error from nil client")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close on nil client: %v", err)
	}
}
