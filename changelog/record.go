package changelog

import "time"

// Operation identifies the kind of row mutation a change record captured.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Valid reports whether op is one of the three captured mutation kinds.
func (op Operation) Valid() bool {
	return op == OpInsert || op == OpUpdate || op == OpDelete
}

// ChangeRecord is one captured mutation on a watched table. Records are
// immutable after creation except for the Processed flag, which transitions
// false -> true exactly once after the event has been handed to the bus.
type ChangeRecord struct {
	ID          int64          // assigned by the store, strictly increasing
	EntityTable string         // watched table name
	Operation   Operation      // INSERT, UPDATE or DELETE
	RecordID    string         // identifier of the mutated row, opaque
	Before      map[string]any // row snapshot before the mutation (nil for INSERT)
	After       map[string]any // row snapshot after the mutation (nil for DELETE)
	ActorID     string         // best-effort id of the user who caused it
	OccurredAt  time.Time      // capture time
	Processed   bool
}
