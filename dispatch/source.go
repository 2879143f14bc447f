package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// Message is one bus message as seen by the dispatcher.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Value     []byte
}

// Batch groups messages the bus delivered together for one topic/partition.
type Batch struct {
	Topic    string
	Messages []Message
}

// Source delivers message batches from the bus. Deliver is called from one
// goroutine per topic; the source acknowledges a batch only after deliver
// returns, so in-flight handlers complete before shutdown.
type Source interface {
	Subscribe(ctx context.Context, topics []string, deliver func(Batch)) error
	Close() error
}

const (
	natsFetchBatch  = 64
	natsFetchExpiry = 2 * time.Second
)

// NatsSource consumes topics from NATS JetStream with one durable pull
// consumer per topic. A topic maps to a single subject, so JetStream's
// per-subject ordering gives in-partition order for free.
type NatsSource struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	group   string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewNatsSource connects the consumer side to NATS. group names the durable
// consumers so redeliveries resume after restart.
func NewNatsSource(url, group string) (*NatsSource, error) {
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
	return &NatsSource{nc: nc, js: js, group: group}, nil
}

// Subscribe starts one fetch loop per topic.
func (s *NatsSource) Subscribe(ctx context.Context, topics []string, deliver func(Batch)) error {
	if s.started {
		return fmt.Errorf("source already subscribed")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	for _, topic := range topics {
		consumer, err := s.ensureConsumer(ctx, topic)
		if err != nil {
			s.cancel()
			return err
		}
		s.wg.Add(1)
		go s.fetchLoop(ctx, topic, consumer, deliver)
	}
	return nil
}

func (s *NatsSource) ensureConsumer(ctx context.Context, topic string) (jetstream.Consumer, error) {
	stream := streamName(topic)
	_, err := s.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{topic},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream for %s: %w", topic, err)
	}

	consumer, err := s.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       durableName(s.group, topic),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure consumer for %s: %w", topic, err)
	}
	return consumer, nil
}

func (s *NatsSource) fetchLoop(ctx context.Context, topic string, consumer jetstream.Consumer, deliver func(Batch)) {
	defer s.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		msgs, err := consumer.Fetch(natsFetchBatch, jetstream.FetchMaxWait(natsFetchExpiry))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("topic", topic).Msg("Fetch from bus failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		batch := Batch{Topic: topic}
		var pending []jetstream.Msg
		for msg := range msgs.Messages() {
			meta, err := msg.Metadata()
			var offset int64
			if err == nil {
				offset = int64(meta.Sequence.Stream)
			}
			batch.Messages = append(batch.Messages, Message{
				Topic:  topic,
				Offset: offset,
				Key:    msg.Headers().Get("key"),
				Value:  msg.Data(),
			})
			pending = append(pending, msg)
		}
		if len(batch.Messages) == 0 {
			continue
		}

		// Acks happen after deliver returns: at-least-once, with handlers
		// already done by the time shutdown can interrupt the loop.
		deliver(batch)
		for _, msg := range pending {
			if err := msg.Ack(); err != nil {
				log.Warn().Err(err).Str("topic", topic).Msg("Failed to ack message, it may be redelivered")
			}
		}
	}
}

// Close stops the fetch loops, waits for in-flight deliveries and drops the
// connection.
func (s *NatsSource) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}

func streamName(topic string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(topic)
}

func durableName(group, topic string) string {
	return streamName(group + "_" + topic)
}
