package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/trailguard/trailguard/publish"
	"github.com/trailguard/trailguard/telemetry"
)

// ErrUnknownTopic is logged (not returned to the bus) when a message arrives
// on a topic with no registered handler.
var ErrUnknownTopic = errors.New("no handler registered for topic")

// Handler processes one parsed envelope. Handlers are stateless per message;
// all instance state lives on the Dispatcher.
type Handler interface {
	Name() string
	Handle(ctx context.Context, env publish.EventEnvelope, msg Message) error
}

// Config configures the dispatcher.
type Config struct {
	Source    Source
	Workers   int // partition workers, default 4
	DedupSize int // dedup cache entries, default 4096
}

// Status is a point-in-time snapshot of dispatcher state.
type Status struct {
	StartedAt      time.Time        `json:"started_at"`
	UptimeSeconds  float64          `json:"uptime_seconds"`
	TotalProcessed uint64           `json:"total_processed"`
	PerTopic       map[string]int64 `json:"per_topic"`
	ThroughputPerS float64          `json:"throughput_per_s"`
}

// Dispatcher subscribes to bus topics, demultiplexes by topic and routes each
// message to its category handler. Messages sharing a partition key are
// handled serially on one worker; distinct keys spread across workers.
type Dispatcher struct {
	config   Config
	handlers map[string]Handler

	workers []chan func()
	wg      sync.WaitGroup

	dedup       *dedupCache
	total       atomic.Uint64
	topicCounts *xsync.MapOf[string, *xsync.Counter]
	startedAt   time.Time

	running atomic.Bool
	mu      sync.Mutex
}

// NewDispatcher creates a dispatcher over a source.
func NewDispatcher(config Config) (*Dispatcher, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.DedupSize <= 0 {
		config.DedupSize = 4096
	}

	dedup, err := newDedupCache(config.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}

	return &Dispatcher{
		config:      config,
		handlers:    make(map[string]Handler),
		dedup:       dedup,
		topicCounts: xsync.NewMapOf[string, *xsync.Counter](),
	}, nil
}

// RegisterHandler routes a topic to a handler. Must be called before Start.
func (d *Dispatcher) RegisterHandler(topic string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[topic] = handler
}

// Start subscribes to every registered topic and launches the partition
// workers.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running.Load() {
		return fmt.Errorf("dispatcher already running")
	}
	if len(d.handlers) == 0 {
		return fmt.Errorf("no handlers registered")
	}

	d.startedAt = time.Now()
	d.workers = make([]chan func(), d.config.Workers)
	for i := range d.workers {
		ch := make(chan func(), 64)
		d.workers[i] = ch
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for task := range ch {
				task()
			}
		}()
	}

	topics := make([]string, 0, len(d.handlers))
	for topic := range d.handlers {
		topics = append(topics, topic)
	}

	if err := d.config.Source.Subscribe(ctx, topics, d.deliver); err != nil {
		d.closeWorkers()
		return fmt.Errorf("subscribe: %w", err)
	}
	d.running.Store(true)

	log.Info().
		Strs("topics", topics).
		Int("workers", d.config.Workers).
		Msg("Dispatcher started")
	return nil
}

// Stop disconnects from the bus after in-flight handlers return.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running.Swap(false) {
		return
	}
	// Source.Close waits for in-flight deliveries, so no task is enqueued
	// after this returns.
	if err := d.config.Source.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close bus source")
	}
	d.closeWorkers()

	log.Info().Uint64("total_processed", d.total.Load()).Msg("Dispatcher stopped")
}

func (d *Dispatcher) closeWorkers() {
	for _, ch := range d.workers {
		close(ch)
	}
	d.wg.Wait()
	d.workers = nil
}

// deliver handles one batch from the source: a summary record for the batch,
// then per-message routing. It returns only when every message in the batch
// has been handled, which is what lets the source ack safely.
func (d *Dispatcher) deliver(batch Batch) {
	if len(batch.Messages) == 0 {
		return
	}

	// Observability aid, not a correctness mechanism.
	log.Debug().
		Str("topic", batch.Topic).
		Int("size", len(batch.Messages)).
		Int64("first_offset", batch.Messages[0].Offset).
		Int64("last_offset", batch.Messages[len(batch.Messages)-1].Offset).
		Msg("Batch received")

	var pending sync.WaitGroup
	for _, msg := range batch.Messages {
		msg := msg
		pending.Add(1)
		task := func() {
			defer pending.Done()
			d.process(msg)
		}
		// Same partition key -> same worker -> serial handling. Messages
		// without a key stay on one topic-derived worker.
		keyed := msg.Key
		if keyed == "" {
			keyed = msg.Topic
		}
		idx := xxhash.Sum64String(keyed) % uint64(len(d.workers))
		d.workers[idx] <- task
	}
	pending.Wait()
}

// process routes one message to its handler.
func (d *Dispatcher) process(msg Message) {
	handler, ok := d.handlers[msg.Topic]
	if !ok {
		telemetry.DispatchSkipped.With("unknown_topic").Inc()
		log.Warn().Str("topic", msg.Topic).Err(ErrUnknownTopic).Msg("Skipping message")
		return
	}

	env, err := publish.Decode(msg.Value)
	if err != nil {
		// Malformed payloads will never parse; skip without retry.
		telemetry.DispatchSkipped.With("parse_error").Inc()
		log.Error().Err(err).
			Str("topic", msg.Topic).
			Int64("offset", msg.Offset).
			Msg("Skipping unparseable message")
		return
	}

	if d.dedup.seen(msg.Topic, env) {
		// At-least-once redelivery; handling already happened.
		telemetry.DuplicatesSuppressed.Inc()
		log.Debug().
			Str("topic", msg.Topic).
			Str("partition_key", env.PartitionKey).
			Msg("Suppressed duplicate delivery")
		return
	}

	if err := handler.Handle(context.Background(), env, msg); err != nil {
		log.Error().Err(err).
			Str("topic", msg.Topic).
			Str("handler", handler.Name()).
			Str("partition_key", env.PartitionKey).
			Msg("Handler failed")
		return
	}

	d.total.Add(1)
	counter, _ := d.topicCounts.LoadOrCompute(msg.Topic, func() *xsync.Counter {
		return xsync.NewCounter()
	})
	counter.Inc()
	telemetry.MessagesDispatched.With(msg.Topic).Inc()
}

// Status reports uptime, totals and throughput.
func (d *Dispatcher) Status() Status {
	status := Status{
		StartedAt:      d.startedAt,
		TotalProcessed: d.total.Load(),
		PerTopic:       make(map[string]int64),
	}
	d.topicCounts.Range(func(topic string, counter *xsync.Counter) bool {
		status.PerTopic[topic] = counter.Value()
		return true
	})
	if !d.startedAt.IsZero() {
		status.UptimeSeconds = time.Since(d.startedAt).Seconds()
		if status.UptimeSeconds > 0 {
			status.ThroughputPerS = float64(status.TotalProcessed) / status.UptimeSeconds
		}
	}
	return status
}
