// Package capture implements the Change Recorder: for every successful
// insert, update or delete on a watched table, exactly one change record is
// appended to the change log.
//
// Two interchangeable implementations exist behind the Recorder interface.
// The trigger recorder appends from inside the mutating transaction via
// SQLite triggers; the direct recorder is the degraded fallback selected at
// startup when the trigger probe fails, and relies on application code calling
// Record explicitly.
package capture

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/trailguard/trailguard/changelog"
)

// Mode identifies which capture implementation is active.
type Mode string

const (
	ModeTrigger Mode = "trigger"
	ModeDirect  Mode = "direct"
)

// Recorder installs and removes capture for a set of watched tables.
type Recorder interface {
	// Install sets up capture for the named tables. For the trigger
	// recorder this creates the capture triggers; for the direct recorder it
	// only records the watch list.
	Install(ctx context.Context, tables []string) error

	// Remove tears down whatever Install created.
	Remove(ctx context.Context, tables []string) error

	Mode() Mode
}

// Select probes the storage engine for trigger and JSON support and returns
// the best available recorder. The second return value is true when capture
// is degraded to the direct recorder; the caller gets one startup warning and
// the primary mutation path is never blocked either way.
func Select(ctx context.Context, store *changelog.Store, identityTable string) (Recorder, bool) {
	if err := probeTriggerSupport(ctx, store.WriteDB()); err != nil {
		log.Warn().Err(err).
			Msg("Trigger capture unavailable, degrading to direct capture; trigger-side mutations will not be recorded")
		return NewDirectRecorder(store), true
	}
	return NewTriggerRecorder(store, identityTable), false
}

// probeTriggerSupport verifies the engine can evaluate json_object inside a
// trigger body. Everything happens on temp objects and is dropped before
// returning.
func probeTriggerSupport(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `SELECT json_object('probe', 1)`); err != nil {
		return fmt.Errorf("json functions unavailable: %w", err)
	}

	stmts := []string{
		`CREATE TEMP TABLE _capture_probe (id INTEGER PRIMARY KEY, v TEXT)`,
		`CREATE TEMP TRIGGER _capture_probe_trg AFTER INSERT ON _capture_probe
		 BEGIN
			SELECT json_object('id', NEW.id, 'v', NEW.v);
		 END`,
		`INSERT INTO _capture_probe (v) VALUES ('x')`,
		`DROP TRIGGER _capture_probe_trg`,
		`DROP TABLE _capture_probe`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			// Best-effort cleanup; the probe objects are temp-scoped anyway.
			db.ExecContext(ctx, `DROP TRIGGER IF EXISTS _capture_probe_trg`)
			db.ExecContext(ctx, `DROP TABLE IF EXISTS _capture_probe`)
			return fmt.Errorf("trigger probe failed: %w", err)
		}
	}
	return nil
}
