package telemetry

import (
	"sync"
	"time"
)

// StatsProvider is implemented by components whose backlog is sampled
// rather than counted inline
type StatsProvider interface {
	BufferStats() (pending, deadLettered int, err error)
	ProcessorLags() map[string]uint64
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	if pending, dead, err := mc.provider.BufferStats(); err == nil {
		BufferPending.Set(float64(pending))
		BufferDeadLettered.Set(float64(dead))
	}

	for name, lag := range mc.provider.ProcessorLags() {
		ProcessorLag.With(name).Set(float64(lag))
	}
}
