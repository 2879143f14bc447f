package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/trailguard/trailguard/publish"
)

func init() {
	publish.RegisterSink("nats", func(opts publish.SinkOptions) (publish.Sink, error) {
		if opts.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(opts.NatsURL)
	})
}

const natsPublishTimeout = 5 * time.Second

// NatsSink publishes envelopes to NATS JetStream. The partition key travels
// as a message header; JetStream preserves per-subject order, and each topic
// maps to one subject.
type NatsSink struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// NewNatsSink connects to NATS with unbounded reconnects, so broker
// unavailability surfaces as publish timeouts rather than a dead sink.
func NewNatsSink(url string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	return &NatsSink{nc: nc, js: js}, nil
}

// Publish sends one envelope to a JetStream subject, creating the backing
// stream on first use.
func (n *NatsSink) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, natsPublishTimeout)
	defer cancel()

	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName(topic),
		Subjects:  []string{topic},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		return fmt.Errorf("ensure stream for %s: %w", topic, err)
	}

	msg := &nats.Msg{
		Subject: topic,
		Data:    value,
		Header:  nats.Header{"key": []string{key}},
	}
	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Close releases the NATS connection.
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// streamName normalizes a topic into a JetStream stream name. "." is invalid
// in stream names; "-" is folded too so stream and durable names share one
// convention.
func streamName(topic string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(topic)
}
