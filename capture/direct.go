package capture

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/trailguard/trailguard/changelog"
	"github.com/trailguard/trailguard/telemetry"
)

// DirectRecorder is the degraded capture path: application code calls Record
// for every mutation it performs. Mutations made outside the application
// (ad-hoc SQL, other processes) are not captured in this mode, which is why
// its selection surfaces a startup warning.
type DirectRecorder struct {
	store   *changelog.Store
	watched map[string]bool
}

// NewDirectRecorder creates the fallback recorder.
func NewDirectRecorder(store *changelog.Store) *DirectRecorder {
	return &DirectRecorder{store: store, watched: make(map[string]bool)}
}

func (r *DirectRecorder) Mode() Mode { return ModeDirect }

// Install records the watch list; there is nothing to set up in the engine.
func (r *DirectRecorder) Install(_ context.Context, tables []string) error {
	for _, table := range tables {
		r.watched[table] = true
	}
	log.Info().Strs("tables", tables).Msg("Direct capture active")
	return nil
}

// Remove clears the watch list.
func (r *DirectRecorder) Remove(_ context.Context, tables []string) error {
	for _, table := range tables {
		delete(r.watched, table)
	}
	return nil
}

// Record appends one captured mutation. Unwatched tables are ignored so
// callers can invoke it unconditionally from their write paths.
func (r *DirectRecorder) Record(ctx context.Context, rec changelog.ChangeRecord) error {
	if !r.watched[rec.EntityTable] {
		return nil
	}
	if _, err := r.store.Append(ctx, rec); err != nil {
		return fmt.Errorf("direct capture: %w", err)
	}
	telemetry.RecordsAppended.Inc()
	return nil
}
