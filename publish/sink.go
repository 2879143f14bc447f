package publish

import (
	"context"
	"fmt"
	"sync"
)

// Sink is a destination for published envelopes (NATS, Kafka, mock). The key
// is the entity's partition key; sinks must route equal keys to the same
// partition.
type Sink interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

// SinkOptions carries the connection settings a sink factory needs.
type SinkOptions struct {
	NatsURL string
	Brokers []string
}

// SinkFactory builds a Sink from options.
type SinkFactory func(SinkOptions) (Sink, error)

var (
	sinkFactories = make(map[string]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory under a type name. Called from sink
// implementation init functions.
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// NewSink builds a sink of the named type.
func NewSink(sinkType string, opts SinkOptions) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[sinkType]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", sinkType)
	}
	return factory(opts)
}
