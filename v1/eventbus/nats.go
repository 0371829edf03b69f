package eventbus

import (
	"context"
	"encoding/json"

	nats "github.com/nats-io/nats.go"
)

const defaultSubject = "bulwark.events"

// NATSBus implements Bus over a NATS subject. It is publish-only: NATS-side
// consumers subscribe with their own tooling.
type NATSBus struct {
	conn    *nats.Conn
	subject string
}

// NATSBusOption configures a NATSBus.
type NATSBusOption func(*NATSBus)

// WithSubject overrides the subject events are published to.
func WithSubject(subject string) NATSBusOption {
	return func(b *NATSBus) { b.subject = subject }
}

// NewNATSBus returns a NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn, opts ...NATSBusOption) *NATSBus {
	b := &NATSBus{conn: conn, subject: defaultSubject}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.conn.Publish(b.subject, data)
}
