// Package metrics exposes the runtime's observability counters as Prometheus
// collectors. The scheduler core consumes only the Observer method set
// (defined structurally by the runtime); this package supplies the
// Prometheus-backed implementation. The no-op default lives in the runtime.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prom implements the runtime's Observer against a private registry, so two
// runtimes in one process (tests) never collide on registration.
type Prom struct {
	registry *prometheus.Registry

	tasksSubmitted prometheus.Counter
	tasksDone      prometheus.Counter
	execSeconds    prometheus.Histogram
	readyDepth     prometheus.Gauge
	copiesTotal    *prometheus.CounterVec
	copyBytes      *prometheus.CounterVec
	evictionsTotal prometheus.Counter
	oomHeldTotal   prometheus.Counter
}

// NewProm builds the collector set. runID labels this runtime instance.
func NewProm(runID string) *Prom {
	labels := prometheus.Labels{"run_id": runID}
	p := &Prom{
		registry: prometheus.NewRegistry(),
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskrt_tasks_submitted_total", Help: "Tasks accepted by the runtime.", ConstLabels: labels,
		}),
		tasksDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskrt_tasks_done_total", Help: "Tasks that reached the Done state.", ConstLabels: labels,
		}),
		execSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "taskrt_task_exec_seconds", Help: "User-function execution time per task.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12), ConstLabels: labels,
		}),
		readyDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskrt_ready_queue_depth", Help: "Tasks queued on the schedule policy.", ConstLabels: labels,
		}),
		copiesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskrt_copies_total", Help: "Completed transfers by direction.", ConstLabels: labels,
		}, []string{"dir"}),
		copyBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskrt_copy_bytes_total", Help: "Bytes moved by direction.", ConstLabels: labels,
		}, []string{"dir"}),
		evictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskrt_evictions_total", Help: "Regions evicted from device spaces.", ConstLabels: labels,
		}),
		oomHeldTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskrt_oom_held_total", Help: "Times a ready task was parked on device memory pressure.", ConstLabels: labels,
		}),
	}
	p.registry.MustRegister(
		p.tasksSubmitted, p.tasksDone, p.execSeconds, p.readyDepth,
		p.copiesTotal, p.copyBytes, p.evictionsTotal, p.oomHeldTotal,
	)
	return p
}

func (p *Prom) TaskSubmitted()       { p.tasksSubmitted.Inc() }
func (p *Prom) TaskDone(d time.Duration) {
	p.tasksDone.Inc()
	p.execSeconds.Observe(d.Seconds())
}
func (p *Prom) ReadyDepth(n int) { p.readyDepth.Set(float64(n)) }
func (p *Prom) CopyDone(dir string, bytes uint64) {
	p.copiesTotal.WithLabelValues(dir).Inc()
	p.copyBytes.WithLabelValues(dir).Add(float64(bytes))
}
func (p *Prom) Eviction() { p.evictionsTotal.Inc() }
func (p *Prom) OOMHeld()  { p.oomHeldTotal.Inc() }

// Handler serves this runtime's metrics for a /metrics route.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry for tests and custom exposition.
func (p *Prom) Registry() *prometheus.Registry { return p.registry }
