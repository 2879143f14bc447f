package publish

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/trailguard/trailguard/changelog"
	"github.com/trailguard/trailguard/telemetry"
)

// Poller cycle states.
type State string

const (
	StateIdle       State = "IDLE"
	StateFetching   State = "FETCHING"
	StatePublishing State = "PUBLISHING"
	StateAdvancing  State = "ADVANCING"
)

const (
	// DefaultInterval between poll cycles.
	DefaultInterval = 5 * time.Second
	// DefaultBatchSize caps records read per cycle, bounding worst-case
	// processing latency.
	DefaultBatchSize = 100

	// cursorScope is the cursor table key for the poller's single cursor over
	// the whole change stream.
	cursorScope = "*"
)

// PollerConfig configures the change log poller.
type PollerConfig struct {
	Store     *changelog.Store
	Publisher *Publisher
	Filter    *WatchFilter // nil = publish all tables
	Group     string       // consumer group for cursor persistence
	Interval  time.Duration
	BatchSize int
}

// PollerStatus is a point-in-time snapshot for the status surface.
type PollerStatus struct {
	State            State     `json:"state"`
	Cursor           int64     `json:"cursor"`
	Cycles           uint64    `json:"cycles"`
	RecordsPublished uint64    `json:"records_published"`
	LastError        string    `json:"last_error,omitempty"`
	LastCycleAt      time.Time `json:"last_cycle_at"`
	StartedAt        time.Time `json:"started_at"`
}

// Poller periodically reads unprocessed change records after the persisted
// cursor and hands them to the publisher in ascending id order. It is the only
// writer of the cursor and the processed flag; run at most one active poller
// per change log.
//
// The first publish failure aborts the remaining batch: continuing would emit
// a later record before the failed one is retried, breaking per-entity order.
type Poller struct {
	config PollerConfig
	cursor atomic.Int64
	state  atomic.Value // State

	cycles    atomic.Uint64
	published atomic.Uint64
	lastErr   atomic.Value // string
	lastCycle atomic.Int64 // unix millis
	startedAt time.Time

	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewPoller creates a poller and loads its persisted cursor. A store that
// cannot even serve the cursor read offers no forward progress, so the error
// propagates as a fatal startup failure.
func NewPoller(config PollerConfig) (*Poller, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if config.Group == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}

	cursor, err := config.Store.Cursor(context.Background(), config.Group, cursorScope)
	if err != nil {
		return nil, fmt.Errorf("load poller cursor: %w", err)
	}

	p := &Poller{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	p.cursor.Store(cursor)
	p.state.Store(StateIdle)
	p.lastErr.Store("")
	return p, nil
}

// Start launches the poll loop.
func (p *Poller) Start() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.running.Load() {
		return
	}
	p.running.Store(true)
	p.startedAt = time.Now()
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	log.Info().
		Str("group", p.config.Group).
		Int64("cursor", p.cursor.Load()).
		Dur("interval", p.config.Interval).
		Int("batch_size", p.config.BatchSize).
		Msg("Starting change log poller")

	go p.pollLoop()
}

// Stop signals the loop and waits for the in-flight cycle to complete its
// PUBLISHING/ADVANCING steps, so no batch is left half-accounted.
func (p *Poller) Stop() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.running.Load() {
		return
	}
	close(p.stopCh)
	<-p.doneCh
	p.running.Store(false)

	log.Info().Str("group", p.config.Group).Msg("Change log poller stopped")
}

// Status reports the poller's current state.
func (p *Poller) Status() PollerStatus {
	status := PollerStatus{
		State:            p.state.Load().(State),
		Cursor:           p.cursor.Load(),
		Cycles:           p.cycles.Load(),
		RecordsPublished: p.published.Load(),
		LastError:        p.lastErr.Load().(string),
		StartedAt:        p.startedAt,
	}
	if ms := p.lastCycle.Load(); ms != 0 {
		status.LastCycleAt = time.UnixMilli(ms)
	}
	return status
}

func (p *Poller) pollLoop() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			// Cycles run synchronously on this goroutine, so a slow cycle
			// can never overlap the next tick's cycle.
			p.runCycle()
		}
	}
}

// runCycle executes one FETCHING -> PUBLISHING -> ADVANCING pass.
func (p *Poller) runCycle() {
	started := time.Now()
	p.cycles.Add(1)
	p.lastCycle.Store(started.UnixMilli())
	defer func() {
		p.state.Store(StateIdle)
		telemetry.PollCycleSeconds.Observe(time.Since(started).Seconds())
	}()

	// The cycle deliberately ignores the stop signal: shutdown waits for the
	// current batch to finish publishing and advancing.
	ctx := context.Background()

	p.state.Store(StateFetching)
	cursor := p.cursor.Load()
	records, err := p.config.Store.ReadUnprocessed(ctx, cursor, p.config.BatchSize)
	if err != nil {
		p.lastErr.Store(err.Error())
		telemetry.PollCycleErrors.Inc()
		log.Error().Err(err).Int64("cursor", cursor).Msg("Failed to read change log, retrying next cycle")
		return
	}
	if len(records) == 0 {
		return
	}

	p.state.Store(StatePublishing)
	lastPublished := cursor
	published := 0
	for _, rec := range records {
		if p.config.Filter != nil && !p.config.Filter.Match(rec.EntityTable) {
			// Filtered records advance the cursor without publishing.
			lastPublished = rec.ID
			continue
		}
		if err := p.config.Publisher.Publish(ctx, rec); err != nil {
			// Abort the remaining batch: the failed record must be retried
			// before any later record is emitted.
			p.lastErr.Store(err.Error())
			log.Error().Err(err).
				Int64("change_id", rec.ID).
				Str("table", rec.EntityTable).
				Int("remaining", len(records)-published).
				Msg("Publish failed, aborting batch to preserve ordering")
			break
		}
		lastPublished = rec.ID
		published++
	}

	if lastPublished == cursor {
		return
	}

	p.state.Store(StateAdvancing)
	if err := p.config.Store.MarkProcessedThrough(ctx, lastPublished); err != nil {
		p.lastErr.Store(err.Error())
		telemetry.PollCycleErrors.Inc()
		log.Error().Err(err).Int64("through", lastPublished).Msg("Failed to mark records processed")
		return
	}
	if err := p.config.Store.AdvanceCursor(ctx, p.config.Group, cursorScope, lastPublished); err != nil {
		p.lastErr.Store(err.Error())
		telemetry.PollCycleErrors.Inc()
		log.Error().Err(err).Int64("cursor", lastPublished).Msg("Failed to advance cursor")
		return
	}
	p.cursor.Store(lastPublished)
	p.published.Add(uint64(published))
	p.lastErr.Store("")
	telemetry.RecordsProcessed.Add(float64(published))

	log.Debug().
		Int("published", published).
		Int("batch", len(records)).
		Int64("cursor", lastPublished).
		Msg("Poll cycle advanced cursor")
}

// RunCycleOnce executes a single synchronous cycle. Callers must not invoke
// it while the Start loop is running; it exists for tests and for flushing
// promptly after an explicit append when the loop is stopped.
func (p *Poller) RunCycleOnce() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	p.runCycle()
}
