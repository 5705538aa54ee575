// Package metrics exposes the harness's operational state to Prometheus
// (the [EXPANSION] supplemented /metrics surface): per-state queue
// depth, the currently Testing test, and the Event Registry's
// skipped-record counter. It is a custom prometheus.Collector — the
// same pull-on-scrape shape couchcryptid-storm-data-etl-service's own
// metrics package uses to avoid keeping gauges in sync with actor state
// on every transition.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/CrisisTextLine/kafka-harness/internal/model"
)

// NewRegistry builds a fresh prometheus.Registry, separate from the
// global default so harnessd's /metrics endpoint only ever serves what
// this package explicitly registers.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// StatusSource is the narrow slice of gateway.Gateway the collector
// pulls a fresh queue snapshot from on every scrape.
type StatusSource interface {
	QueueStatus(ctx context.Context) (model.QueueSnapshot, error)
}

// SkipCounter is the narrow slice of registry.Registry the collector
// reads the total of consumed Kafka records skipped for failing to
// decode from.
type SkipCounter interface {
	SkippedRecords() int
}

// QueueCollector implements prometheus.Collector by querying the
// running system on every scrape rather than maintaining its own gauge
// state, so it can never drift from what the QueueCoordinator reports.
type QueueCollector struct {
	source      StatusSource
	skips       SkipCounter
	scrapeTimeout time.Duration

	queueDepth   *prometheus.Desc
	testingGauge *prometheus.Desc
	skippedTotal *prometheus.Desc
}

// NewQueueCollector builds a QueueCollector reading from source and
// skips.
func NewQueueCollector(source StatusSource, skips SkipCounter) *QueueCollector {
	return &QueueCollector{
		source:        source,
		skips:         skips,
		scrapeTimeout: 5 * time.Second,
		queueDepth: prometheus.NewDesc(
			"harness_queue_depth",
			"Number of tests currently in each FSM state.",
			[]string{"state"}, nil,
		),
		testingGauge: prometheus.NewDesc(
			"harness_testing_in_flight",
			"1 if a test is currently in the Testing state, 0 otherwise (invariant I1).",
			nil, nil,
		),
		skippedTotal: prometheus.NewDesc(
			"harness_consumer_skipped_records_total",
			"Kafka records skipped because their key or value failed to deserialize.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepth
	ch <- c.testingGauge
	ch <- c.skippedTotal
}

// Collect implements prometheus.Collector.
func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.scrapeTimeout)
	defer cancel()

	snap, err := c.source.QueueStatus(ctx)
	if err == nil {
		for _, state := range model.AllFSMStates {
			ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(snap.Counts[state]), string(state))
		}
		testing := 0.0
		if snap.Testing != nil {
			testing = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.testingGauge, prometheus.GaugeValue, testing)
	}

	if c.skips != nil {
		ch <- prometheus.MustNewConstMetric(c.skippedTotal, prometheus.CounterValue, float64(c.skips.SkippedRecords()))
	}
}
