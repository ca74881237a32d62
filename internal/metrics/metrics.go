// Package metrics provides Prometheus metrics for documentd.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all documentd metrics.
var Registry = prometheus.NewRegistry()

var (
	daemonMetricsOnce     sync.Once
	daemonMetricsInstance *DaemonMetrics
)

// DaemonMetrics holds all Prometheus metrics of the daemon.
// A nil *DaemonMetrics is valid and records nothing.
type DaemonMetrics struct {
	// Maintenance jobs
	RunsTotal       *prometheus.CounterVec   // documentd_maintenance_runs_total{job,result}
	RunDuration     *prometheus.HistogramVec // documentd_maintenance_duration_seconds{job}
	LastSuccess     *prometheus.GaugeVec     // documentd_maintenance_last_success_timestamp_seconds{job}
	RepairFailures  *prometheus.CounterVec   // documentd_maintenance_repair_failures_total{job}
	OrphansDeleted  *prometheus.CounterVec   // documentd_reconcile_orphans_deleted_total{kind}
	OwnersUpdated   prometheus.Counter       // documentd_reconcile_owners_updated_total
	ExpiredDeleted  prometheus.Counter       // documentd_retention_deleted_total
	ExpiredSkipped  *prometheus.CounterVec   // documentd_retention_skipped_total{reason}

	// Write gate
	GateClosed     prometheus.Gauge // documentd_write_gate_closed
	WritesInFlight prometheus.Gauge // documentd_writes_in_flight

	// Capability tokens
	TokensLive   prometheus.Gauge   // documentd_access_tokens
	TokensIssued prometheus.Counter // documentd_access_tokens_issued_total

	Info *prometheus.GaugeVec // documentd_info{version}
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics initializes the daemon metrics on registry.
// Metrics are only registered once; subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer, version string) *DaemonMetrics {
	daemonMetricsOnce.Do(func() {
		if registry == nil {
			registry = Registry
		}
		f := promauto.With(registry)
		daemonMetricsInstance = &DaemonMetrics{
			RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Name: "documentd_maintenance_runs_total",
				Help: "Maintenance job runs by job and result",
			}, []string{"job", "result"}),

			RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "documentd_maintenance_duration_seconds",
				Help:    "Maintenance job duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
			}, []string{"job"}),

			LastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
				Name: "documentd_maintenance_last_success_timestamp_seconds",
				Help: "Unix time of the last successful run of a job",
			}, []string{"job"}),

			RepairFailures: f.NewCounterVec(prometheus.CounterOpts{
				Name: "documentd_maintenance_repair_failures_total",
				Help: "Individual deletes or updates that failed during maintenance",
			}, []string{"job"}),

			OrphansDeleted: f.NewCounterVec(prometheus.CounterOpts{
				Name: "documentd_reconcile_orphans_deleted_total",
				Help: "Orphans deleted by reconciliation, by kind (index or file)",
			}, []string{"kind"}),

			OwnersUpdated: f.NewCounter(prometheus.CounterOpts{
				Name: "documentd_reconcile_owners_updated_total",
				Help: "Owners whose companies or categories were rewritten",
			}),

			ExpiredDeleted: f.NewCounter(prometheus.CounterOpts{
				Name: "documentd_retention_deleted_total",
				Help: "Documents deleted because their deletion date was reached",
			}),

			ExpiredSkipped: f.NewCounterVec(prometheus.CounterOpts{
				Name: "documentd_retention_skipped_total",
				Help: "Expired documents skipped by the retention sweep, by reason",
			}, []string{"reason"}),

			GateClosed: f.NewGauge(prometheus.GaugeOpts{
				Name: "documentd_write_gate_closed",
				Help: "Whether the write gate is closed for maintenance (1) or open (0)",
			}),

			WritesInFlight: f.NewGauge(prometheus.GaugeOpts{
				Name: "documentd_writes_in_flight",
				Help: "Number of registered writes not yet completed",
			}),

			TokensLive: f.NewGauge(prometheus.GaugeOpts{
				Name: "documentd_access_tokens",
				Help: "Number of stored access tokens",
			}),

			TokensIssued: f.NewCounter(prometheus.CounterOpts{
				Name: "documentd_access_tokens_issued_total",
				Help: "Total access tokens issued",
			}),

			Info: f.NewGaugeVec(prometheus.GaugeOpts{
				Name: "documentd_info",
				Help: "Build information (value is always 1)",
			}, []string{"version"}),
		}
		daemonMetricsInstance.Info.WithLabelValues(version).Set(1)
	})
	return daemonMetricsInstance
}

// Handler returns an HTTP handler serving the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveRun records the outcome of one maintenance job run.
func (m *DaemonMetrics) ObserveRun(job, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(job, result).Inc()
	m.RunDuration.WithLabelValues(job).Observe(d.Seconds())
	if result == "success" {
		m.LastSuccess.WithLabelValues(job).SetToCurrentTime()
	}
}

// RecordReconcile records the repairs of one reconciliation cycle.
func (m *DaemonMetrics) RecordReconcile(indexOrphans, fileOrphans, ownersUpdated, failures int) {
	if m == nil {
		return
	}
	m.OrphansDeleted.WithLabelValues("index").Add(float64(indexOrphans))
	m.OrphansDeleted.WithLabelValues("file").Add(float64(fileOrphans))
	m.OwnersUpdated.Add(float64(ownersUpdated))
	m.RepairFailures.WithLabelValues("reconcile").Add(float64(failures))
}

// RecordSweep records the outcome of one retention sweep.
func (m *DaemonMetrics) RecordSweep(deleted, ownerMissing, failures int) {
	if m == nil {
		return
	}
	m.ExpiredDeleted.Add(float64(deleted))
	m.ExpiredSkipped.WithLabelValues("owner_unresolved").Add(float64(ownerMissing))
	m.RepairFailures.WithLabelValues("sweep").Add(float64(failures))
}

// TokenIssued counts one issued access token.
func (m *DaemonMetrics) TokenIssued() {
	if m == nil {
		return
	}
	m.TokensIssued.Inc()
}
