package handler

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics replaces the teacher's hand-rolled atomic-counter JSON blob with
// real prometheus/client_golang instrumentation registered via promauto,
// per SPEC_FULL.md §4.10 — the natural library-backed upgrade now that the
// corpus's Prometheus dependency is available for this kind of service.
type Metrics struct {
	registry *prometheus.Registry

	filesProcessed   prometheus.Counter
	bytesProcessed   prometheus.Counter
	securityEvents   *prometheus.CounterVec
	activeTasks      prometheus.Gauge
	tasksSubmitted   prometheus.Counter
	taskDurationSecs prometheus.Histogram
}

func newMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		filesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "archivecas_files_processed_total",
			Help: "Total files written to CAS and recorded in MetadataStore.",
		}),
		bytesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "archivecas_bytes_processed_total",
			Help: "Total uncompressed bytes committed to CAS.",
		}),
		securityEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "archivecas_security_events_total",
			Help: "Security policy violations observed during extraction, by kind.",
		}, []string{"kind"}),
		activeTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "archivecas_active_tasks",
			Help: "Extraction tasks currently queued or running.",
		}),
		tasksSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "archivecas_tasks_submitted_total",
			Help: "Total extraction tasks accepted via submit.",
		}),
		taskDurationSecs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "archivecas_task_duration_seconds",
			Help:    "Wall-clock duration of completed extraction tasks.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 16),
		}),
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
