package changelog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"), 1000)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func appendRecord(t *testing.T, store *Store, table, recordID string, op Operation) int64 {
	t.Helper()
	id, err := store.Append(context.Background(), ChangeRecord{
		EntityTable: table,
		Operation:   op,
		RecordID:    recordID,
		After:       map[string]any{"id": recordID},
		OccurredAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return id
}

func TestAppendAssignsIncreasingIDs(t *testing.T) {
	store := newTestStore(t)

	var last int64
	for i := 0; i < 5; i++ {
		id := appendRecord(t, store, "users", "42", OpUpdate)
		if id <= last {
			t.Fatalf("id %d not greater than previous %d", id, last)
		}
		last = id
	}
}

func TestAppendRejectsInvalidOperation(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Append(context.Background(), ChangeRecord{
		EntityTable: "users",
		Operation:   Operation("TRUNCATE"),
		RecordID:    "1",
	})
	if err == nil {
		t.Error("expected error for invalid operation")
	}
}

func TestReadUnprocessedOrderAndBounds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		appendRecord(t, store, "users", "42", OpUpdate)
	}

	records, err := store.ReadUnprocessed(ctx, 0, 4)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("expected 4 records, got %d", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].ID <= records[i-1].ID {
			t.Fatalf("records out of order: %d after %d", records[i].ID, records[i-1].ID)
		}
	}

	// Reads resume strictly after the given cursor.
	records, err = store.ReadUnprocessed(ctx, records[3].ID, 100)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 6 {
		t.Fatalf("expected 6 remaining records, got %d", len(records))
	}
}

func TestMarkProcessedThrough(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 6; i++ {
		ids = append(ids, appendRecord(t, store, "users", "42", OpUpdate))
	}

	if err := store.MarkProcessedThrough(ctx, ids[3]); err != nil {
		t.Fatalf("mark: %v", err)
	}

	records, err := store.ReadUnprocessed(ctx, 0, 100)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 unprocessed records, got %d", len(records))
	}
	if records[0].ID != ids[4] {
		t.Errorf("first unprocessed id = %d, want %d", records[0].ID, ids[4])
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != 2 || stats.Processed != 4 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCursorMonotonicity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cursor, err := store.Cursor(ctx, "g", "*")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor != 0 {
		t.Fatalf("fresh cursor = %d, want 0", cursor)
	}

	if err := store.AdvanceCursor(ctx, "g", "*", 10); err != nil {
		t.Fatalf("advance: %v", err)
	}
	cursor, _ = store.Cursor(ctx, "g", "*")
	if cursor != 10 {
		t.Fatalf("cursor = %d, want 10", cursor)
	}

	// Equal id is a no-op, regression is rejected.
	if err := store.AdvanceCursor(ctx, "g", "*", 10); err != nil {
		t.Fatalf("advance to equal id: %v", err)
	}
	err = store.AdvanceCursor(ctx, "g", "*", 5)
	if !errors.Is(err, ErrCursorRegression) {
		t.Fatalf("expected ErrCursorRegression, got %v", err)
	}
	cursor, _ = store.Cursor(ctx, "g", "*")
	if cursor != 10 {
		t.Errorf("cursor moved to %d after rejected regression", cursor)
	}

	// Cursors are scoped per group.
	cursor, _ = store.Cursor(ctx, "other", "*")
	if cursor != 0 {
		t.Errorf("other group cursor = %d, want 0", cursor)
	}
}

func TestSnapshotsSurviveStorage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	before := map[string]any{"id": "42", "password_hash": "old"}
	after := map[string]any{"id": "42", "password_hash": "new"}
	_, err := store.Append(ctx, ChangeRecord{
		EntityTable: "users",
		Operation:   OpUpdate,
		RecordID:    "42",
		Before:      before,
		After:       after,
		ActorID:     "42",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	records, err := store.ReadUnprocessed(ctx, 0, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	rec := records[0]
	if rec.Before["password_hash"] != "old" || rec.After["password_hash"] != "new" {
		t.Errorf("snapshots did not survive: before=%v after=%v", rec.Before, rec.After)
	}
	if rec.ActorID != "42" {
		t.Errorf("actor id = %q", rec.ActorID)
	}
	if rec.OccurredAt.IsZero() {
		t.Error("occurred_at not assigned")
	}
}

func TestPurgeProcessedBefore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 4; i++ {
		ids = append(ids, appendRecord(t, store, "users", "42", OpUpdate))
	}
	if err := store.MarkProcessedThrough(ctx, ids[1]); err != nil {
		t.Fatalf("mark: %v", err)
	}

	// Unprocessed records are never purged.
	purged, err := store.PurgeProcessedBefore(ctx, ids[3]+1)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 2 {
		t.Errorf("purged %d records, want 2", purged)
	}

	stats, _ := store.Stats(ctx)
	if stats.Pending != 2 {
		t.Errorf("pending = %d after purge, want 2", stats.Pending)
	}
}

func TestClosedStore(t *testing.T) {
	store := newTestStore(t)
	store.Close()

	if _, err := store.Append(context.Background(), ChangeRecord{
		EntityTable: "users", Operation: OpInsert, RecordID: "1",
	}); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
	if _, err := store.ReadUnprocessed(context.Background(), 0, 10); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
}
