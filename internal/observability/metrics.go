package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// ingest pipeline, retention manager, and update coordinator.
type Metrics struct {
	UnitsFetched    *prometheus.CounterVec // labels: outcome={success,failure}
	FetchRetries    prometheus.Counter
	StrikesInserted prometheus.Counter
	RecordsDropped  prometheus.Counter
	FetchDuration   prometheus.Histogram
	IngestRunning   prometheus.Gauge

	PurgeRuns    *prometheus.CounterVec // labels: mode={retention,manual}
	PurgeDeleted *prometheus.CounterVec // labels: table={impacts,events}

	CoordinatorRuns *prometheus.CounterVec // labels: outcome={ok,error}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.UnitsFetched,
		m.FetchRetries,
		m.StrikesInserted,
		m.RecordsDropped,
		m.FetchDuration,
		m.IngestRunning,
		m.PurgeRuns,
		m.PurgeDeleted,
		m.CoordinatorRuns,
	)
	return m
}

// NewMetricsForTesting creates Metrics with no registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		UnitsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strikekeeper",
			Name:      "fetch_units_total",
			Help:      "Fetch units processed, by outcome.",
		}, []string{"outcome"}),
		FetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strikekeeper",
			Name:      "fetch_retries_total",
			Help:      "Total fetch attempts retried after a failure.",
		}),
		StrikesInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strikekeeper",
			Name:      "strikes_inserted_total",
			Help:      "New strike rows inserted (duplicates excluded).",
		}),
		RecordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strikekeeper",
			Name:      "records_dropped_total",
			Help:      "Payload lines dropped because they failed to parse.",
		}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "strikekeeper",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of one fetch-unit download including retries.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		IngestRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "strikekeeper",
			Name:      "ingest_running",
			Help:      "1 while an ingest call is in flight, 0 otherwise.",
		}),
		PurgeRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strikekeeper",
			Name:      "purge_runs_total",
			Help:      "Purge runs, by mode.",
		}, []string{"mode"}),
		PurgeDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strikekeeper",
			Name:      "purge_deleted_total",
			Help:      "Rows deleted by purge, by table.",
		}, []string{"table"}),
		CoordinatorRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strikekeeper",
			Name:      "coordinator_runs_total",
			Help:      "Update coordinator runs, by outcome.",
		}, []string{"outcome"}),
	}
}
