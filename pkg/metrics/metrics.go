// Package metrics exposes sandboxd's Prometheus instrumentation: one
// registry built at startup and handed to every component by reference,
// never resolved through a package-level global mutated from elsewhere.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric sandboxd publishes.
type Registry struct {
	reg *prometheus.Registry

	ExecutionsTotal     *prometheus.CounterVec
	ExecutionDuration   *prometheus.HistogramVec
	RateLimitRejections *prometheus.CounterVec
	ScreenerRejections  *prometheus.CounterVec
	QueueDepth          prometheus.Gauge
	QueueRejections     prometheus.Counter
	ActiveSessions      prometheus.Gauge
	SamplerCPUPercent   *prometheus.GaugeVec
	SamplerMemoryMB     *prometheus.GaugeVec
	SamplerPIDs         *prometheus.GaugeVec
	ReplayRecordsOnDisk prometheus.Gauge
	RuntimeRetries      prometheus.Counter
}

// New builds a fresh registry with all metrics registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Name:      "executions_total",
			Help:      "Total executions by terminal status.",
		}, []string{"status", "language"}),
		ExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandboxd",
			Name:      "execution_duration_ms",
			Help:      "Execution wall-clock duration in milliseconds.",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"language"}),
		RateLimitRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the per-principal token bucket.",
		}, []string{"principal_id"}),
		ScreenerRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Name:      "screener_rejections_total",
			Help:      "Executions rejected by the code screener, by reason.",
		}, []string{"reason"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandboxd",
			Name:      "job_queue_depth",
			Help:      "Current number of queued-or-running async jobs.",
		}),
		QueueRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Name:      "job_queue_rejections_total",
			Help:      "Async submissions rejected because the queue was full.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandboxd",
			Name:      "active_sessions",
			Help:      "Sessions currently in Running status.",
		}),
		SamplerCPUPercent: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sandboxd",
			Name:      "session_cpu_percent",
			Help:      "Most recent CPU percent sample per session.",
		}, []string{"principal_id"}),
		SamplerMemoryMB: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sandboxd",
			Name:      "session_memory_mb",
			Help:      "Most recent memory RSS sample per session, in MB.",
		}, []string{"principal_id"}),
		SamplerPIDs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sandboxd",
			Name:      "session_pids",
			Help:      "Most recent PID count sample per session.",
		}, []string{"principal_id"}),
		ReplayRecordsOnDisk: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandboxd",
			Name:      "replay_records_on_disk",
			Help:      "Number of replay records currently retained.",
		}),
		RuntimeRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Name:      "runtime_retries_total",
			Help:      "Runtime failures that triggered a transparent container rebuild retry.",
		}),
	}
}

// Registerer exposes the underlying prometheus.Registerer for the HTTP
// handler to mount /metrics against.
func (r *Registry) Registerer() *prometheus.Registry { return r.reg }

// Timer measures an operation's duration and records it into the
// execution duration histogram when stopped.
type Timer struct {
	start time.Time
	hist  *prometheus.HistogramVec
	label string
}

// NewTimer starts a timer against the (language-labeled) duration
// histogram. Safe on a nil Registry: the elapsed time is still measured,
// just not recorded.
func (r *Registry) NewTimer(language string) *Timer {
	t := &Timer{start: time.Now(), label: language}
	if r != nil {
		t.hist = r.ExecutionDuration
	}
	return t
}

// ObserveDuration records the elapsed time since NewTimer into the
// histogram and returns it in milliseconds.
func (t *Timer) ObserveDuration() int64 {
	ms := time.Since(t.start).Milliseconds()
	if t.hist != nil {
		t.hist.WithLabelValues(t.label).Observe(float64(ms))
	}
	return ms
}
