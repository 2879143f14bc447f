package publish

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/trailguard/trailguard/changelog"
	"github.com/trailguard/trailguard/classify"
	"github.com/trailguard/trailguard/telemetry"
)

// Publisher converts change records into envelopes and delivers them to the
// bus. Qualifying changes are additionally escalated to the high-priority
// topic; both deliveries use the entity's partition key.
type Publisher struct {
	sink Sink
}

// NewPublisher wraps a sink.
func NewPublisher(sink Sink) *Publisher {
	return &Publisher{sink: sink}
}

// Publish delivers the record's envelope to the canonical topic and, when the
// classifier flags it critical, an annotated copy to the high-priority topic.
// Delivery failures propagate so the caller leaves the record unprocessed and
// retries it.
func (p *Publisher) Publish(ctx context.Context, rec changelog.ChangeRecord) error {
	env := BuildEnvelope(rec)

	data, err := Encode(env)
	if err != nil {
		return err
	}
	if err := p.sink.Publish(ctx, TopicEntityChange, env.PartitionKey, data); err != nil {
		telemetry.PublishFailures.With(TopicEntityChange).Inc()
		return fmt.Errorf("publish %s: %w", env.PartitionKey, err)
	}
	telemetry.EventsPublished.With(TopicEntityChange).Inc()

	log.Info().
		Str("topic", TopicEntityChange).
		Str("category", env.Category).
		Str("table", env.Table).
		Str("record_id", env.RecordID).
		Str("partition_key", env.PartitionKey).
		Int64("change_id", rec.ID).
		Msg("Published change event")

	if !classify.IsCritical(rec.Operation, rec.EntityTable, rec.Before, rec.After) {
		return nil
	}

	escalated, err := Encode(Escalate(env))
	if err != nil {
		return err
	}
	if err := p.sink.Publish(ctx, TopicCriticalChange, env.PartitionKey, escalated); err != nil {
		telemetry.PublishFailures.With(TopicCriticalChange).Inc()
		return fmt.Errorf("escalate %s: %w", env.PartitionKey, err)
	}
	telemetry.EventsPublished.With(TopicCriticalChange).Inc()

	log.Warn().
		Str("topic", TopicCriticalChange).
		Str("category", env.Category).
		Str("table", env.Table).
		Str("record_id", env.RecordID).
		Str("alert_level", AlertLevelHigh).
		Msg("Escalated critical change")

	return nil
}
