package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event kinds emitted by the resilience components.
const (
	KindBreakerTransition = "breaker_transition"
	KindRetry             = "retry"
	KindLock              = "lock"
)

// Event is one observability record. The wire format is JSON with short
// field names; consumers are external metrics collectors, not the core.
type Event struct {
	ID        string `json:"i"`
	Kind      string `json:"k"`
	Source    string `json:"s"`
	Detail    string `json:"d,omitempty"`
	Timestamp int64  `json:"t"` // UnixMilli
}

// NewEvent returns a stamped event with a fresh ID.
func NewEvent(kind, source, detail string) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Source:    source,
		Detail:    detail,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Bus is an outbound sink for resilience events.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
}

// Stream exposes a bus's events to in-process consumers such as the HTTP
// handlers.
type Stream interface {
	Watch(ctx context.Context) (<-chan Event, error)
	Unwatch(ctx context.Context, ch <-chan Event) error
}

// InMemoryBus implements Bus and Stream in process memory. Slow watchers
// drop events rather than block publishers.
type InMemoryBus struct {
	mu    sync.Mutex
	chans []chan Event
}

// NewInMemoryBus returns an empty in-memory bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, ev Event) error {
	b.mu.Lock()
	chans := append([]chan Event(nil), b.chans...)
	b.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Watch implements Stream.Watch.
func (b *InMemoryBus) Watch(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.chans = append(b.chans, ch)
	b.mu.Unlock()
	return ch, nil
}

// Unwatch implements Stream.Unwatch.
func (b *InMemoryBus) Unwatch(ctx context.Context, ch <-chan Event) error {
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
