package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func receive(t *testing.T, ch <-chan []byte) string {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return string(msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return ""
}

func testHub(t *testing.T, h Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := h.Subscribe(ctx, "act1_u1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	other, err := h.Subscribe(ctx, "act1_u2")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := h.Publish(ctx, "act1_u1", []byte("settled")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := receive(t, a); got != "settled" {
		t.Fatalf("got %q", got)
	}
	select {
	case msg := <-other:
		t.Fatalf("unrelated topic received %q", msg)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case _, ok := <-a:
		if ok {
			t.Fatal("expected closed channel after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestInMemoryHub(t *testing.T) {
	testHub(t, NewInMemory(4))
}

func TestRedisHub(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	testHub(t, NewRedis(client, ""))
}
