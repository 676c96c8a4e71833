// Package monitoring exposes assembly metrics to Prometheus. Batch runs
// write them to a node-exporter textfile; the API server serves them live.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"

	"github.com/sells-group/trainset/internal/model"
)

const namespace = "trainset"

// Metrics holds the collectors on a private registry so tests and
// concurrent runs do not share global state.
type Metrics struct {
	reg *prometheus.Registry

	runsTotal     *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	fetchDuration *prometheus.HistogramVec
	fetchRecords  *prometheus.CounterVec
	fetchFailures *prometheus.CounterVec
	snapshotRows  *prometheus.GaugeVec
	lastRun       prometheus.Gauge
	registryRuns  *prometheus.GaugeVec
	blockedRate   prometheus.Gauge
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Assembly runs by terminal state.",
		}, []string{"state"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of each run phase.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"phase"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "fetch_duration_seconds",
			Help:      "Source fetch duration including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"source"}),
		fetchRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "records_total",
			Help:      "Records fetched per source.",
		}, []string{"source"}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "failures_total",
			Help:      "Sources that ended a run as a gap.",
		}, []string{"source"}),
		snapshotRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "rows",
			Help:      "Row count of the latest materialized snapshot per key.",
		}, []string{"surface", "horizon", "version"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
		registryRuns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "runs",
			Help:      "Runs in the lookback window by state.",
		}, []string{"state"}),
		blockedRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "blocked_rate",
			Help:      "Fraction of finished runs in the lookback window that were blocked.",
		}),
	}
	m.reg.MustRegister(m.runsTotal, m.phaseDuration, m.fetchDuration, m.fetchRecords,
		m.fetchFailures, m.snapshotRows, m.lastRun, m.registryRuns, m.blockedRate)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// ObserveFetch records one source fetch. Its signature matches
// source.FetchObserver.
func (m *Metrics) ObserveFetch(sourceID string, elapsed time.Duration, records int, err error) {
	m.fetchDuration.WithLabelValues(sourceID).Observe(elapsed.Seconds())
	m.fetchRecords.WithLabelValues(sourceID).Add(float64(records))
	if err != nil {
		m.fetchFailures.WithLabelValues(sourceID).Inc()
	}
}

// ObservePhase records how long the run spent in state.
func (m *Metrics) ObservePhase(state model.RunState, elapsed time.Duration) {
	m.phaseDuration.WithLabelValues(string(state)).Observe(elapsed.Seconds())
}

// ObserveRun records a run reaching a terminal state.
func (m *Metrics) ObserveRun(state model.RunState) {
	m.runsTotal.WithLabelValues(string(state)).Inc()
	m.lastRun.SetToCurrentTime()
}

// ObserveSnapshot records a materialized snapshot.
func (m *Metrics) ObserveSnapshot(snap *model.TrainingSnapshot) {
	m.snapshotRows.WithLabelValues(string(snap.Surface), snap.Horizon.String(), snap.Version).Set(float64(snap.RowCount))
}

// SetRegistryStats publishes a registry summary as gauges.
func (m *Metrics) SetRegistryStats(s *RegistryStats) {
	for state, n := range s.ByState {
		m.registryRuns.WithLabelValues(string(state)).Set(float64(n))
	}
	m.blockedRate.Set(s.BlockedRate)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// WriteTextfile writes all metrics to path for the node-exporter textfile
// collector. The write is atomic.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return eris.Wrapf(prometheus.WriteToTextfile(path, m.reg), "monitoring: write textfile %s", path)
}
