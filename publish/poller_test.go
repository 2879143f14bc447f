package publish_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/trailguard/trailguard/changelog"
	"github.com/trailguard/trailguard/publish"
	"github.com/trailguard/trailguard/publish/sink"
)

func newTestStore(t *testing.T) *changelog.Store {
	t.Helper()
	store, err := changelog.NewStore(filepath.Join(t.TempDir(), "test.db"), 1000)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestPoller(t *testing.T, store *changelog.Store, snk publish.Sink, patterns []string) *publish.Poller {
	t.Helper()
	filter, err := publish.NewWatchFilter(patterns)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	poller, err := publish.NewPoller(publish.PollerConfig{
		Store:     store,
		Publisher: publish.NewPublisher(snk),
		Filter:    filter,
		Group:     "test-group",
		Interval:  time.Hour, // cycles are driven manually
		BatchSize: 100,
	})
	if err != nil {
		t.Fatalf("poller: %v", err)
	}
	return poller
}

func appendChange(t *testing.T, store *changelog.Store, rec changelog.ChangeRecord) int64 {
	t.Helper()
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now()
	}
	id, err := store.Append(context.Background(), rec)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return id
}

func TestPollerPublishesInOrder(t *testing.T) {
	store := newTestStore(t)
	mock := &sink.MockSink{}
	poller := newTestPoller(t, store, mock, nil)

	for i, recordID := range []string{"1", "2", "3"} {
		appendChange(t, store, changelog.ChangeRecord{
			EntityTable: "orders",
			Operation:   changelog.OpInsert,
			RecordID:    recordID,
			After:       map[string]any{"seq": int64(i)},
		})
	}

	poller.RunCycleOnce()

	msgs := mock.OnTopic(publish.TopicEntityChange)
	if len(msgs) != 3 {
		t.Fatalf("published %d messages, want 3", len(msgs))
	}
	for i, msg := range msgs {
		env, err := publish.Decode(msg.Value)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		want := "orders:" + []string{"1", "2", "3"}[i]
		if env.PartitionKey != want || msg.Key != want {
			t.Errorf("message %d: partition key %q / msg key %q, want %q", i, env.PartitionKey, msg.Key, want)
		}
	}

	status := poller.Status()
	if status.RecordsPublished != 3 {
		t.Errorf("records published = %d", status.RecordsPublished)
	}

	// The second cycle finds nothing to republish.
	mock.Reset()
	poller.RunCycleOnce()
	if got := len(mock.Messages()); got != 0 {
		t.Errorf("second cycle republished %d messages", got)
	}
}

func TestPollerFailureOrdering(t *testing.T) {
	store := newTestStore(t)
	mock := &sink.MockSink{}
	poller := newTestPoller(t, store, mock, nil)

	ids := make([]int64, 0, 3)
	for _, recordID := range []string{"1", "2", "3"} {
		ids = append(ids, appendChange(t, store, changelog.ChangeRecord{
			EntityTable: "orders",
			Operation:   changelog.OpInsert,
			RecordID:    recordID,
		}))
	}

	mock.SetError(errSinkDown)
	poller.RunCycleOnce()

	if got := len(mock.Messages()); got != 0 {
		t.Fatalf("failed sink recorded %d messages", got)
	}
	status := poller.Status()
	if status.Cursor != 0 {
		t.Errorf("cursor advanced to %d past an unpublished record", status.Cursor)
	}
	if status.LastError == "" {
		t.Error("last error not recorded")
	}

	// Persisted cursor must also be untouched.
	cursor, err := store.Cursor(context.Background(), "test-group", "*")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor != 0 {
		t.Errorf("persisted cursor = %d, want 0", cursor)
	}

	// Sink recovers: the next cycle retries the whole batch in order.
	mock.SetError(nil)
	poller.RunCycleOnce()

	msgs := mock.OnTopic(publish.TopicEntityChange)
	if len(msgs) != 3 {
		t.Fatalf("retry published %d messages, want 3", len(msgs))
	}
	status = poller.Status()
	if status.Cursor != ids[2] {
		t.Errorf("cursor = %d, want %d", status.Cursor, ids[2])
	}
	if status.LastError != "" {
		t.Errorf("last error not cleared: %q", status.LastError)
	}
}

func TestPollerPartialBatchFailure(t *testing.T) {
	store := newTestStore(t)
	mock := &sink.MockSink{}
	poller := newTestPoller(t, store, mock, nil)

	ids := make([]int64, 0, 3)
	for _, recordID := range []string{"1", "2", "3"} {
		ids = append(ids, appendChange(t, store, changelog.ChangeRecord{
			EntityTable: "orders",
			Operation:   changelog.OpInsert,
			RecordID:    recordID,
		}))
	}

	// First publish succeeds, second fails, third must be withheld.
	mock.FailAfter(1)
	poller.RunCycleOnce()

	msgs := mock.OnTopic(publish.TopicEntityChange)
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if status := poller.Status(); status.Cursor != ids[0] {
		t.Errorf("cursor = %d, want %d (first published record)", status.Cursor, ids[0])
	}

	// Recovery republishes records 2 and 3 only.
	mock.Reset()
	poller.RunCycleOnce()

	msgs = mock.OnTopic(publish.TopicEntityChange)
	if len(msgs) != 2 {
		t.Fatalf("retry published %d messages, want 2", len(msgs))
	}
	env, err := publish.Decode(msgs[0].Value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.RecordID != "2" {
		t.Errorf("retry resumed at record %q, want 2", env.RecordID)
	}
}

func TestPollerFilteredRecordsAdvanceCursor(t *testing.T) {
	store := newTestStore(t)
	mock := &sink.MockSink{}
	poller := newTestPoller(t, store, mock, []string{"users"})

	appendChange(t, store, changelog.ChangeRecord{
		EntityTable: "orders", Operation: changelog.OpInsert, RecordID: "1",
	})
	appendChange(t, store, changelog.ChangeRecord{
		EntityTable: "users", Operation: changelog.OpInsert, RecordID: "42",
	})
	lastID := appendChange(t, store, changelog.ChangeRecord{
		EntityTable: "orders", Operation: changelog.OpInsert, RecordID: "2",
	})

	poller.RunCycleOnce()

	msgs := mock.OnTopic(publish.TopicEntityChange)
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	env, err := publish.Decode(msgs[0].Value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Table != "users" || env.RecordID != "42" {
		t.Errorf("published %s/%s", env.Table, env.RecordID)
	}

	// Filtered records still advance the cursor so they are not re-read.
	if status := poller.Status(); status.Cursor != lastID {
		t.Errorf("cursor = %d, want %d", status.Cursor, lastID)
	}
}

func TestPollerEscalatesCriticalChanges(t *testing.T) {
	store := newTestStore(t)
	mock := &sink.MockSink{}
	poller := newTestPoller(t, store, mock, nil)

	appendChange(t, store, changelog.ChangeRecord{
		EntityTable: "users",
		Operation:   changelog.OpUpdate,
		RecordID:    "42",
		Before:      map[string]any{"password_hash": "old"},
		After:       map[string]any{"password_hash": "new"},
	})

	poller.RunCycleOnce()

	canonical := mock.OnTopic(publish.TopicEntityChange)
	critical := mock.OnTopic(publish.TopicCriticalChange)
	if len(canonical) != 1 || len(critical) != 1 {
		t.Fatalf("canonical=%d critical=%d, want 1/1", len(canonical), len(critical))
	}

	env, err := publish.Decode(critical[0].Value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.AlertLevel != publish.AlertLevelHigh || !env.RequiresAttention {
		t.Errorf("escalation annotations missing: %+v", env)
	}
	if critical[0].Key != "users:42" {
		t.Errorf("critical partition key = %q", critical[0].Key)
	}

	// Canonical copy stays unannotated.
	env, err = publish.Decode(canonical[0].Value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.AlertLevel != "" || env.RequiresAttention {
		t.Errorf("canonical envelope escalated: %+v", env)
	}
}

func TestPollerCursorSurvivesRestart(t *testing.T) {
	store := newTestStore(t)
	mock := &sink.MockSink{}
	poller := newTestPoller(t, store, mock, nil)

	id := appendChange(t, store, changelog.ChangeRecord{
		EntityTable: "orders", Operation: changelog.OpInsert, RecordID: "1",
	})
	poller.RunCycleOnce()

	// A new poller over the same store resumes from the persisted cursor.
	restarted := newTestPoller(t, store, mock, nil)
	if status := restarted.Status(); status.Cursor != id {
		t.Errorf("restarted cursor = %d, want %d", status.Cursor, id)
	}

	mock.Reset()
	restarted.RunCycleOnce()
	if got := len(mock.Messages()); got != 0 {
		t.Errorf("restarted poller republished %d messages", got)
	}
}

func TestPollerStartStop(t *testing.T) {
	store := newTestStore(t)
	mock := &sink.MockSink{}

	filter, _ := publish.NewWatchFilter(nil)
	poller, err := publish.NewPoller(publish.PollerConfig{
		Store:     store,
		Publisher: publish.NewPublisher(mock),
		Filter:    filter,
		Group:     "test-group",
		Interval:  10 * time.Millisecond,
		BatchSize: 10,
	})
	if err != nil {
		t.Fatalf("poller: %v", err)
	}

	appendChange(t, store, changelog.ChangeRecord{
		EntityTable: "orders", Operation: changelog.OpInsert, RecordID: "1",
	})

	poller.Start()
	defer poller.Stop()

	deadline := time.After(2 * time.Second)
	for len(mock.Messages()) == 0 {
		select {
		case <-deadline:
			t.Fatal("poller did not publish within 2s")
		case <-time.After(10 * time.Millisecond):
		}
	}

	poller.Stop()
	poller.Stop() // idempotent
}

type sinkError string

func (e sinkError) Error() string { return string(e) }

const errSinkDown = sinkError("sink unavailable")
