package dispatch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/trailguard/trailguard/changelog"
	"github.com/trailguard/trailguard/classify"
	"github.com/trailguard/trailguard/publish"
)

// DatabaseChangeHandler consumes entity-change and critical-entity-change
// events. It recomputes category and criticality locally; the classifier is
// pure, so the result always matches what the producer decided.
type DatabaseChangeHandler struct{}

func (h *DatabaseChangeHandler) Name() string { return "database-change" }

func (h *DatabaseChangeHandler) Handle(_ context.Context, env publish.EventEnvelope, msg Message) error {
	category := classify.Classify(env.Table)
	critical := classify.IsCritical(changelog.Operation(env.Operation), env.Table, env.Before, env.After)

	event := log.Info()
	if critical || env.RequiresAttention {
		event = log.Warn()
	}
	event.
		Str("category", string(category)).
		Str("operation", env.Operation).
		Str("table", env.Table).
		Str("record_id", env.RecordID).
		Str("actor_id", env.ActorID).
		Str("topic", msg.Topic).
		Int64("offset", msg.Offset).
		Bool("critical", critical).
		Time("captured_at", env.CaptureTimestamp).
		Msg("Database change")

	if msg.Topic == publish.TopicCriticalChange {
		log.Warn().
			Str("table", env.Table).
			Str("record_id", env.RecordID).
			Str("alert_level", env.AlertLevel).
			Str("security_implication", env.SecurityImplication).
			Msg("SECURITY ALERT: critical entity change")
	}
	return nil
}

// UserActivityHandler consumes login/logout/registration outcomes produced by
// the auth layer and risk-scores their origin.
type UserActivityHandler struct{}

func (h *UserActivityHandler) Name() string { return "user-activity" }

func (h *UserActivityHandler) Handle(_ context.Context, env publish.EventEnvelope, msg Message) error {
	risk := classify.AssessRisk(env.OriginAddress)

	event := log.Info()
	if risk == classify.RiskMedium {
		event = log.Warn()
	}
	event.
		Str("category", env.Category).
		Str("actor_id", env.ActorID).
		Str("origin", env.OriginAddress).
		Str("client", env.ClientInfo).
		Str("outcome", env.Outcome).
		Int64("duration_ms", env.DurationMS).
		Str("risk", string(risk)).
		Str("topic", msg.Topic).
		Int64("offset", msg.Offset).
		Msg("User activity")
	return nil
}

// SystemLogHandler consumes system-log events and forwards them to the
// structured log sink unchanged.
type SystemLogHandler struct{}

func (h *SystemLogHandler) Name() string { return "system-log" }

func (h *SystemLogHandler) Handle(_ context.Context, env publish.EventEnvelope, msg Message) error {
	log.Info().
		Str("category", env.Category).
		Str("table", env.Table).
		Str("record_id", env.RecordID).
		Str("topic", msg.Topic).
		Int64("offset", msg.Offset).
		Msg("System log event")
	return nil
}
