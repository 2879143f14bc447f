package publish

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/trailguard/trailguard/changelog"
	"github.com/trailguard/trailguard/classify"
)

// Bus topics. Changes to the same entity share a partition key, so any single
// consumer of a partition observes them in capture order.
const (
	TopicEntityChange   = "entity-change"
	TopicUserActivity   = "user-activity"
	TopicSystemLog      = "system-log"
	TopicCriticalChange = "critical-entity-change"
)

// AlertLevelHigh annotates escalated envelopes. This is a criticality marker,
// independent of the classifier's LOW/MEDIUM risk scale.
const AlertLevelHigh = "HIGH"

// SecurityImplicationTag marks escalated envelopes for downstream security
// tooling.
const SecurityImplicationTag = "credential-or-identity-change"

// EventEnvelope is the canonical wire shape placed on the bus, independent of
// the change log's storage shape. Serialized as JSON so non-Go consumers can
// read it.
type EventEnvelope struct {
	Category         string         `json:"category"`
	Operation        string         `json:"operation"`
	Table            string         `json:"table"`
	RecordID         string         `json:"recordId"`
	ActorID          string         `json:"actorId,omitempty"`
	Before           map[string]any `json:"before,omitempty"`
	After            map[string]any `json:"after,omitempty"`
	CaptureTimestamp time.Time      `json:"captureTimestamp"`
	PublishTimestamp time.Time      `json:"publishTimestamp"`
	PartitionKey     string         `json:"partitionKey"`

	// Escalation annotations, set only on envelopes bound for the
	// high-priority topic.
	AlertLevel          string `json:"alertLevel,omitempty"`
	RequiresAttention   bool   `json:"requiresAttention,omitempty"`
	SecurityImplication string `json:"securityImplication,omitempty"`

	// Fields produced by the auth layer on user-activity events.
	OriginAddress string `json:"originAddress,omitempty"`
	ClientInfo    string `json:"clientInfo,omitempty"`
	Outcome       string `json:"outcome,omitempty"`
	DurationMS    int64  `json:"durationMs,omitempty"`
}

// PartitionKey builds the bus routing key for one entity's change stream.
func PartitionKey(table, recordID string) string {
	return table + ":" + recordID
}

// BuildEnvelope converts a change record into its canonical envelope. The
// publish timestamp is assigned here, at conversion time.
func BuildEnvelope(rec changelog.ChangeRecord) EventEnvelope {
	return EventEnvelope{
		Category:         string(classify.Classify(rec.EntityTable)),
		Operation:        string(rec.Operation),
		Table:            rec.EntityTable,
		RecordID:         rec.RecordID,
		ActorID:          rec.ActorID,
		Before:           rec.Before,
		After:            rec.After,
		CaptureTimestamp: rec.OccurredAt,
		PublishTimestamp: time.Now(),
		PartitionKey:     PartitionKey(rec.EntityTable, rec.RecordID),
	}
}

// Escalate returns a copy of env annotated for the high-priority topic.
func Escalate(env EventEnvelope) EventEnvelope {
	env.AlertLevel = AlertLevelHigh
	env.RequiresAttention = true
	env.SecurityImplication = SecurityImplicationTag
	return env
}

// Encode serializes an envelope for the bus.
func Encode(env EventEnvelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses an envelope received from the bus.
func Decode(data []byte) (EventEnvelope, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return EventEnvelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
