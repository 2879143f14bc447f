package sink

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/trailguard/trailguard/publish"
)

func init() {
	publish.RegisterSink("kafka", func(opts publish.SinkOptions) (publish.Sink, error) {
		if len(opts.Brokers) == 0 {
			return nil, fmt.Errorf("kafka sink requires at least one broker address")
		}
		return NewKafkaSink(opts.Brokers), nil
	})
}

// KafkaSink publishes envelopes to Kafka. The hash balancer routes equal
// partition keys to the same partition, which is what preserves per-entity
// order for consumers.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a sink writing synchronously with full acks; the
// pipeline's at-least-once contract depends on a confirmed write before the
// cursor advances.
func NewKafkaSink(brokers []string) *KafkaSink {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}
	return &KafkaSink{writer: writer}
}

// Publish sends one envelope to a Kafka topic keyed by partition key.
func (k *KafkaSink) Publish(ctx context.Context, topic, key string, value []byte) error {
	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
}

// Close flushes and releases the writer.
func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
