package observability

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "obs_pipeline"

// Metrics holds the Prometheus counters, histograms, and gauges for the pipeline stages.
type Metrics struct {
	JobRuns     *prometheus.CounterVec   // labels: job, status={succeeded,failed}
	JobDuration *prometheus.HistogramVec // labels: job

	// Provider metrics.
	ProviderRequests *prometheus.CounterVec // labels: outcome={success,error,rejected}
	ProviderDuration prometheus.Histogram

	RawRows          *prometheus.CounterVec // labels: result={inserted,updated}
	FactRowsUpserted prometheus.Counter

	AnomaliesDetected *prometheus.CounterVec // labels: detector
	AnomaliesInserted *prometheus.CounterVec // labels: detector
	Incidents         *prometheus.CounterVec // labels: action={opened,touched}
	DQChecks          *prometheus.CounterVec // labels: status={pass,warn,fail}

	SchedulerRunning prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates all pipeline metrics and registers them with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics on a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	m := newMetrics()
	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(m.collectors()...)
	return m
}

// Push sends the current values to a Prometheus pushgateway under the given job name.
// Batch commands exit before a scrape could happen, so they push instead.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	pusher := push.New(url, job)
	if m.registry != nil {
		pusher = pusher.Gatherer(m.registry)
	} else {
		pusher = pusher.Gatherer(prometheus.DefaultGatherer)
	}
	if err := pusher.AddContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}

// Gatherer exposes the registry backing these metrics.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m.registry != nil {
		return m.registry
	}
	return prometheus.DefaultGatherer
}

func newMetrics() *Metrics {
	return &Metrics{
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Finished pipeline job runs by job name and terminal status.",
		}, []string{"job", "status"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of pipeline job runs.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"job"}),
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Weather provider requests by outcome.",
		}, []string{"outcome"}),
		ProviderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Weather provider request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}),
		RawRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raw_rows_total",
			Help:      "Raw observation upserts by result.",
		}, []string{"result"}),
		FactRowsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fact_rows_upserted_total",
			Help:      "Fact observation rows inserted or refreshed by the transformer.",
		}),
		AnomaliesDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_detected_total",
			Help:      "Anomaly candidates produced by each detector.",
		}, []string{"detector"}),
		AnomaliesInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_inserted_total",
			Help:      "Anomalies persisted after hourly deduplication.",
		}, []string{"detector"}),
		Incidents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_total",
			Help:      "Incident correlation outcomes.",
		}, []string{"action"}),
		DQChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dq_checks_total",
			Help:      "Data-quality check evaluations by status.",
		}, []string{"status"}),
		SchedulerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_running",
			Help:      "1 when the scheduler loop is active, 0 when shut down.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.JobRuns,
		m.JobDuration,
		m.ProviderRequests,
		m.ProviderDuration,
		m.RawRows,
		m.FactRowsUpserted,
		m.AnomaliesDetected,
		m.AnomaliesInserted,
		m.Incidents,
		m.DQChecks,
		m.SchedulerRunning,
	}
}
