package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	defaultChannel  = "bulwark:events"
	redisBusTimeout = 5 * time.Second
)

// RedisBus implements Bus and Stream over a Redis pub/sub channel, letting
// collectors on other nodes consume resilience events.
type RedisBus struct {
	client  *redis.Client
	channel string

	mu     sync.Mutex
	chans  []chan Event
	pubsub *redis.PubSub
}

// RedisBusOption configures a RedisBus.
type RedisBusOption func(*RedisBus)

// WithChannel overrides the pub/sub channel name.
func WithChannel(name string) RedisBusOption {
	return func(b *RedisBus) { b.channel = name }
}

// NewRedisBus returns a RedisBus using the provided client.
func NewRedisBus(client *redis.Client, opts ...RedisBusOption) *RedisBus {
	b := &RedisBus{client: client, channel: defaultChannel}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	return b.client.Publish(cctx, b.channel, data).Err()
}

// Watch implements Stream.Watch. The first watcher starts the underlying
// Redis subscription; it stays up until Close.
func (b *RedisBus) Watch(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	if b.pubsub == nil {
		b.pubsub = b.client.Subscribe(context.Background(), b.channel)
		go b.dispatch()
	}
	b.chans = append(b.chans, ch)
	b.mu.Unlock()
	return ch, nil
}

func (b *RedisBus) dispatch() {
	for msg := range b.pubsub.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			continue
		}
		b.mu.Lock()
		chans := append([]chan Event(nil), b.chans...)
		b.mu.Unlock()
		for _, c := range chans {
			select {
			case c <- ev:
			default:
			}
		}
	}
}

// Unwatch implements Stream.Unwatch.
func (b *RedisBus) Unwatch(ctx context.Context, ch <-chan Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.chans {
		if c == ch {
			b.chans[i] = b.chans[len(b.chans)-1]
			b.chans = b.chans[:len(b.chans)-1]
			close(c)
			break
		}
	}
	return nil
}

// Close stops the underlying subscription and closes all watcher channels.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	if b.pubsub != nil {
		err = b.pubsub.Close()
		b.pubsub = nil
	}
	for _, c := range b.chans {
		close(c)
	}
	b.chans = nil
	return err
}
