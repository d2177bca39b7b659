package telemetry

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/maxpert/sitesync/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enableMetrics(t *testing.T, siteID uint64) {
	t.Helper()
	saved := *cfg.Config
	t.Cleanup(func() {
		*cfg.Config = saved
		registry = nil
	})

	cfg.Config.SiteID = siteID
	cfg.Config.Sync.Protocol = cfg.ProtocolChangelog
	cfg.Config.Prometheus.Enabled = true
	InitializeTelemetry()
	require.NotNil(t, registry)
}

func scrape(t *testing.T) string {
	t.Helper()
	h := GetMetricsHandler()
	require.NotNil(t, h)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestDisabledMetricsAreNoops(t *testing.T) {
	require.Nil(t, registry)

	assert.Equal(t, NoopStat{}, NewCounter("x_total", ""))
	assert.Equal(t, noopCounterVec{}, NewCounterVec("x_total", "", []string{"table"}))
	assert.Nil(t, GetMetricsHandler())

	// Recording on defaults never panics
	SyncCyclesTotal.With("success").Inc()
	ProcessorLag.With("file_queue").Set(3)
	SyncRequestSeconds.With("pull").Observe(0.2)
}

func TestSeriesCarrySiteLabels(t *testing.T) {
	enableMetrics(t, 7)

	integrated := NewCounterVec("records_total", "Records by table", []string{"table"})
	integrated.With("item").Add(2)
	pending := NewGauge("pending", "Pending records")
	pending.Set(5)
	cycle := NewHistogramVec("cycle_seconds", "Cycle duration", []string{"op"}, CycleBuckets)
	cycle.With("pull").Observe(0.3)

	body := scrape(t)
	assert.Contains(t, body, `sitesync_records_total{protocol="changelog",site_id="7",table="item"} 2`)
	assert.Contains(t, body, `sitesync_pending{protocol="changelog",site_id="7"} 5`)
	assert.Contains(t, body, `sitesync_cycle_seconds_count{op="pull",protocol="changelog",site_id="7"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestInitMetricsRegistersSiteSeries(t *testing.T) {
	enableMetrics(t, 9)
	InitMetrics()
	t.Cleanup(resetMetrics)

	DriverState.Set(2)
	SinkPublishTotal.With("events", "success").Inc()

	body := scrape(t)
	assert.Contains(t, body, `sitesync_driver_state{protocol="changelog",site_id="9"} 2`)
	assert.Contains(t, body, `sitesync_sink_publish_total{protocol="changelog",result="success",sink="events",site_id="9"} 1`)
}

func resetMetrics() {
	SyncCyclesTotal = noopCounterVec{}
	SyncCycleDurationSeconds = NoopStat{}
	SyncRequestSeconds = noopHistogramVec{}
	DriverState = NoopStat{}
	PulledRecordsTotal = noopCounterVec{}
	PushedRecordsTotal = noopCounterVec{}
	PushSkippedTotal = noopCounterVec{}
	IntegrationRecordsTotal = noopCounterVec{}
	BufferPending = NoopStat{}
	BufferDeadLettered = NoopStat{}
	ProcessorEntriesTotal = noopCounterVec{}
	ProcessorLag = noopGaugeVec{}
	FileTransfersTotal = noopCounterVec{}
	SinkPublishTotal = noopCounterVec{}
}
