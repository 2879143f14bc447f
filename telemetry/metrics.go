package telemetry

// PollCycleBuckets covers change log reads plus bus round trips.
var PollCycleBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Producer-side metrics
var (
	// RecordsAppended counts change records appended to the change log.
	RecordsAppended Counter = NoopStat{}

	// RecordsProcessed counts records published and marked processed.
	RecordsProcessed Counter = NoopStat{}

	// EventsPublished counts envelopes delivered to the bus by topic.
	EventsPublished CounterVec = noopCounterVec{}

	// PublishFailures counts failed deliveries by topic.
	PublishFailures CounterVec = noopCounterVec{}

	// PollCycleSeconds measures full poll cycle duration.
	PollCycleSeconds Histogram = NoopStat{}

	// PollCycleErrors counts cycles aborted on storage errors.
	PollCycleErrors Counter = NoopStat{}

	// ChangeLogPending tracks unprocessed records in the change log.
	ChangeLogPending Gauge = NoopStat{}
)

// Consumer-side metrics
var (
	// MessagesDispatched counts messages routed to handlers by topic.
	MessagesDispatched CounterVec = noopCounterVec{}

	// DispatchSkipped counts skipped messages by reason (parse_error, unknown_topic).
	DispatchSkipped CounterVec = noopCounterVec{}

	// DuplicatesSuppressed counts redelivered events dropped by the dedup cache.
	DuplicatesSuppressed Counter = NoopStat{}
)

// InitMetrics binds all metric variables to real Prometheus collectors.
// Called from Initialize after the registry exists.
func InitMetrics() {
	RecordsAppended = NewCounter(
		"records_appended_total",
		"Change records appended to the change log",
	)
	RecordsProcessed = NewCounter(
		"records_processed_total",
		"Change records published and marked processed",
	)
	EventsPublished = NewCounterVec(
		"events_published_total",
		"Envelopes delivered to the bus",
		[]string{"topic"},
	)
	PublishFailures = NewCounterVec(
		"publish_failures_total",
		"Failed bus deliveries",
		[]string{"topic"},
	)
	PollCycleSeconds = NewHistogramWithBuckets(
		"poll_cycle_seconds",
		"Poll cycle duration in seconds",
		PollCycleBuckets,
	)
	PollCycleErrors = NewCounter(
		"poll_cycle_errors_total",
		"Poll cycles aborted on storage errors",
	)
	ChangeLogPending = NewGauge(
		"change_log_pending",
		"Unprocessed records in the change log",
	)
	MessagesDispatched = NewCounterVec(
		"messages_dispatched_total",
		"Messages routed to handlers",
		[]string{"topic"},
	)
	DispatchSkipped = NewCounterVec(
		"dispatch_skipped_total",
		"Messages skipped by the dispatcher",
		[]string{"reason"},
	)
	DuplicatesSuppressed = NewCounter(
		"duplicates_suppressed_total",
		"Redelivered events dropped by the dedup cache",
	)
}
