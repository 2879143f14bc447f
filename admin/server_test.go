package admin

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailguard/trailguard/capture"
	"github.com/trailguard/trailguard/changelog"
	"github.com/trailguard/trailguard/publish"
	"github.com/trailguard/trailguard/publish/sink"
)

func newTestServer(t *testing.T) (*Server, *changelog.Store) {
	t.Helper()

	store, err := changelog.NewStore(filepath.Join(t.TempDir(), "test.db"), 1000)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	filter, err := publish.NewWatchFilter(nil)
	require.NoError(t, err)

	poller, err := publish.NewPoller(publish.PollerConfig{
		Store:     store,
		Publisher: publish.NewPublisher(&sink.MockSink{}),
		Filter:    filter,
		Group:     "test-group",
		Interval:  time.Hour,
		BatchSize: 10,
	})
	require.NoError(t, err)

	return NewServer("127.0.0.1:0", store, poller, nil, capture.ModeTrigger, false), store
}

func TestStatusEndpoint(t *testing.T) {
	server, store := newTestServer(t)

	_, err := store.Append(context.Background(), changelog.ChangeRecord{
		EntityTable: "users",
		Operation:   changelog.OpInsert,
		RecordID:    "42",
		OccurredAt:  time.Now(),
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))

	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		CaptureMode     string `json:"capture_mode"`
		CaptureDegraded bool   `json:"capture_degraded"`
		ChangeLog       struct {
			Pending   int64 `json:"pending"`
			Processed int64 `json:"processed"`
		} `json:"change_log"`
		Poller struct {
			State  string `json:"state"`
			Cursor int64  `json:"cursor"`
		} `json:"poller"`
		Dispatcher *json.RawMessage `json:"dispatcher"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, "trigger", body.CaptureMode)
	assert.False(t, body.CaptureDegraded)
	assert.EqualValues(t, 1, body.ChangeLog.Pending)
	assert.Equal(t, "IDLE", body.Poller.State)
	// The consumer side is disabled, so no dispatcher block is reported.
	assert.Nil(t, body.Dispatcher)
}

func TestCursorsEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/cursors", nil))

	require.Equal(t, 200, rec.Code)

	var body struct {
		Cursor int64  `json:"cursor"`
		State  string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 0, body.Cursor)
	assert.Equal(t, "IDLE", body.State)
}

func TestUnknownRouteIs404(t *testing.T) {
	server, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/nope", nil))
	assert.Equal(t, 404, rec.Code)
}
