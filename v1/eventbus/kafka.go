package eventbus

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
)

const defaultTopic = "bulwark-events"

// KafkaBus implements Bus over a Kafka topic using a synchronous producer.
type KafkaBus struct {
	producer sarama.SyncProducer
	topic    string
}

// KafkaBusOption configures a KafkaBus.
type KafkaBusOption func(*KafkaBus)

// WithTopic overrides the topic events are produced to.
func WithTopic(topic string) KafkaBusOption {
	return func(b *KafkaBus) { b.topic = topic }
}

// NewKafkaBus creates a KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config, opts ...KafkaBusOption) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	b := &KafkaBus{producer: producer, topic: defaultTopic}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(ev.Source),
		Value: sarama.ByteEncoder(data),
	}
	_, _, err = b.producer.SendMessage(msg)
	return err
}

// Close shuts down the underlying producer.
func (b *KafkaBus) Close() error {
	return b.producer.Close()
}
