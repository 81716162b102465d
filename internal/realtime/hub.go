package realtime

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Hub pushes settlement notifications to live listeners.
type Hub interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe returns a channel of payloads published to topic. The
	// channel is closed once ctx is done.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
}

// InMemory fans out to subscribers in this process; for dev/testing.
type InMemory struct {
	mu   sync.Mutex
	subs map[string]map[chan []byte]struct{}
	size int
}

// NewInMemory creates a hub whose subscriber channels buffer size
// messages. Slow subscribers miss messages beyond that.
func NewInMemory(size int) *InMemory {
	if size <= 0 {
		size = 8
	}
	return &InMemory{subs: make(map[string]map[chan []byte]struct{}), size: size}
}

// Publish delivers payload to every current subscriber of topic.
func (h *InMemory) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[topic] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe registers a listener on topic.
func (h *InMemory) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	ch := make(chan []byte, h.size)
	h.mu.Lock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[chan []byte]struct{})
	}
	h.subs[topic][ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs[topic], ch)
		if len(h.subs[topic]) == 0 {
			delete(h.subs, topic)
		}
		close(ch)
		h.mu.Unlock()
	}()
	return ch, nil
}

// Redis implements Hub with PUBLISH/SUBSCRIBE.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis builds a hub publishing on prefix+topic channels.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "attendance:settled:"
	}
	return &Redis{client: client, prefix: prefix}
}

// Publish sends payload on the topic channel.
func (h *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	return h.client.Publish(ctx, h.prefix+topic, payload).Err()
}

// Subscribe waits for the subscription to be confirmed before returning
// so that a publish issued right after cannot be missed.
func (h *Redis) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	ps := h.client.Subscribe(ctx, h.prefix+topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	out := make(chan []byte)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
