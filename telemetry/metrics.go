package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// CycleBuckets for full pull/integrate/push cycles
	CycleBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

	// RequestBuckets for single round trips to the central server
	RequestBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
)

// Sync cycle metrics
var (
	// SyncCyclesTotal counts cycles by result (success, failed)
	SyncCyclesTotal CounterVec = noopCounterVec{}

	// SyncCycleDurationSeconds measures a whole pull/integrate/push cycle
	SyncCycleDurationSeconds Histogram = NoopStat{}

	// SyncRequestSeconds measures central round trips by operation (pull, push, status, file)
	SyncRequestSeconds HistogramVec = noopHistogramVec{}

	// DriverState reports the main driver state (0=uninitialised, 1=idle, 2=syncing)
	DriverState Gauge = NoopStat{}
)

// Protocol metrics
var (
	// PulledRecordsTotal counts staged records by protocol generation
	PulledRecordsTotal CounterVec = noopCounterVec{}

	// PushedRecordsTotal counts acknowledged pushed records by protocol generation
	PushedRecordsTotal CounterVec = noopCounterVec{}

	// PushSkippedTotal counts changelog entries held back because they failed translation
	PushSkippedTotal CounterVec = noopCounterVec{}
)

// Integration metrics
var (
	// IntegrationRecordsTotal counts records by table and outcome (integrated, failed, unhandled)
	IntegrationRecordsTotal CounterVec = noopCounterVec{}

	// BufferPending tracks staged records awaiting integration
	BufferPending Gauge = NoopStat{}

	// BufferDeadLettered tracks staged records that exhausted their attempts
	BufferDeadLettered Gauge = NoopStat{}
)

// Processor and sidecar metrics
var (
	// ProcessorEntriesTotal counts changelog entries by processor and result (processed, skipped, failed)
	ProcessorEntriesTotal CounterVec = noopCounterVec{}

	// ProcessorLag tracks how many changelog entries each processor is behind
	ProcessorLag GaugeVec = noopGaugeVec{}

	// FileTransfersTotal counts attachment transfers by direction and result
	FileTransfersTotal CounterVec = noopCounterVec{}

	// SinkPublishTotal counts exported changelog entries by sink and result
	SinkPublishTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	SyncCyclesTotal = NewCounterVec(
		"sync_cycles_total",
		"Sync cycles by result",
		[]string{"result"},
	)
	SyncCycleDurationSeconds = NewHistogramWithBuckets(
		"sync_cycle_duration_seconds",
		"Duration of a pull/integrate/push cycle in seconds",
		CycleBuckets,
	)
	SyncRequestSeconds = NewHistogramVec(
		"sync_request_seconds",
		"Central server round trip duration by operation",
		[]string{"op"},
		RequestBuckets,
	)
	DriverState = NewGauge(
		"driver_state",
		"Main sync driver state (0=uninitialised, 1=idle, 2=syncing)",
	)

	PulledRecordsTotal = NewCounterVec(
		"pulled_records_total",
		"Records staged from the central server",
		[]string{"generation"},
	)
	PushedRecordsTotal = NewCounterVec(
		"pushed_records_total",
		"Records acknowledged by the central server",
		[]string{"generation"},
	)
	PushSkippedTotal = NewCounterVec(
		"push_skipped_total",
		"Changelog entries held back after failing translation",
		[]string{"table"},
	)

	IntegrationRecordsTotal = NewCounterVec(
		"integration_records_total",
		"Integration results by table and outcome",
		[]string{"table", "outcome"},
	)
	BufferPending = NewGauge(
		"buffer_pending",
		"Staged records awaiting integration",
	)
	BufferDeadLettered = NewGauge(
		"buffer_dead_lettered",
		"Staged records that exhausted integration attempts",
	)

	ProcessorEntriesTotal = NewCounterVec(
		"processor_entries_total",
		"Changelog entries seen by processors",
		[]string{"processor", "result"},
	)
	ProcessorLag = NewGaugeVec(
		"processor_lag",
		"Changelog entries a processor is behind",
		[]string{"processor"},
	)
	FileTransfersTotal = NewCounterVec(
		"file_transfers_total",
		"Attachment transfers by direction and result",
		[]string{"direction", "result"},
	)
	SinkPublishTotal = NewCounterVec(
		"sink_publish_total",
		"Exported changelog entries by sink and result",
		[]string{"sink", "result"},
	)
}
