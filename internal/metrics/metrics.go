// Package metrics exposes the node's Prometheus collectors: VM lifecycle
// counts, pool occupancy, task outcomes and duration, and heartbeat
// iteration results. There is no in-process dashboard here (§1
// Non-goals excludes a UI); Prometheus scraping is the only consumer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var defaultBuckets = []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

// Registry wraps the collectors a single node process registers.
type Registry struct {
	registry *prometheus.Registry

	tasksTotal      *prometheus.CounterVec
	coldStartsTotal prometheus.Counter
	warmStartsTotal prometheus.Counter
	vmsCreated      prometheus.Counter
	vmsStopped      prometheus.Counter
	vmsCrashed      prometheus.Counter

	taskDuration   prometheus.Histogram
	vmBootDuration *prometheus.HistogramVec
	vsockLatency   *prometheus.HistogramVec

	poolWarm   prometheus.Gauge
	poolActive prometheus.Gauge

	heartbeatIterationsTotal *prometheus.CounterVec

	uptime prometheus.GaugeFunc
}

var startTime = time.Now()
var reg *Registry

// Init creates and registers the node's collectors under namespace. It
// is safe to call at most once per process; cmd/marathon-node does so
// during startup.
func Init(namespace string) *Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		registry: registry,

		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Total tasks executed by outcome",
		}, []string{"outcome"}),

		coldStartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cold_starts_total",
			Help:      "Total VM acquisitions that required a cold boot",
		}),

		warmStartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warm_starts_total",
			Help:      "Total VM acquisitions served from the warm pool",
		}),

		vmsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vms_created_total",
			Help:      "Total microVMs created (cold boot or snapshot restore)",
		}),

		vmsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vms_stopped_total",
			Help:      "Total microVMs stopped after task completion",
		}),

		vmsCrashed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vms_crashed_total",
			Help:      "Total microVMs that exited unexpectedly",
		}),

		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_milliseconds",
			Help:      "Wall-clock duration of a task execution",
			Buckets:   defaultBuckets,
		}),

		vmBootDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vm_boot_duration_milliseconds",
			Help:      "Duration of VM boot, split by cold boot vs snapshot restore",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000},
		}, []string{"from_snapshot"}),

		vsockLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vsock_latency_milliseconds",
			Help:      "Latency of host-guest vsock round-trips",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 25, 50, 100},
		}, []string{"operation"}),

		poolWarm: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_warm_vms",
			Help:      "Current number of warm (pre-booted, idle) VMs",
		}),

		poolActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_active_vms",
			Help:      "Current number of VMs executing a task",
		}),

		heartbeatIterationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_iterations_total",
			Help:      "Total heartbeat loop iterations by result",
		}, []string{"result"}),
	}

	r.uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Time since the node process started",
	}, func() float64 { return time.Since(startTime).Seconds() })

	registry.MustRegister(
		r.tasksTotal, r.coldStartsTotal, r.warmStartsTotal,
		r.vmsCreated, r.vmsStopped, r.vmsCrashed,
		r.taskDuration, r.vmBootDuration, r.vsockLatency,
		r.poolWarm, r.poolActive, r.heartbeatIterationsTotal, r.uptime,
	)

	reg = r
	return r
}

// Global returns the process-wide registry, or nil if Init was never
// called. Every recording method below is a safe no-op on a nil
// receiver so production code can call them unconditionally.
func Global() *Registry { return reg }

// Handler serves the registry in the Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Registry) RecordTaskOutcome(success bool) {
	if r == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	r.tasksTotal.WithLabelValues(outcome).Inc()
}

func (r *Registry) RecordTaskDuration(d time.Duration) {
	if r == nil {
		return
	}
	r.taskDuration.Observe(float64(d.Milliseconds()))
}

func (r *Registry) RecordVMAcquired(warm bool) {
	if r == nil {
		return
	}
	if warm {
		r.warmStartsTotal.Inc()
	} else {
		r.coldStartsTotal.Inc()
	}
}

func (r *Registry) RecordVMCreated() {
	if r == nil {
		return
	}
	r.vmsCreated.Inc()
}

func (r *Registry) RecordVMStopped() {
	if r == nil {
		return
	}
	r.vmsStopped.Inc()
}

func (r *Registry) RecordVMCrashed() {
	if r == nil {
		return
	}
	r.vmsCrashed.Inc()
}

func (r *Registry) RecordVMBootDuration(d time.Duration, fromSnapshot bool) {
	if r == nil {
		return
	}
	label := "false"
	if fromSnapshot {
		label = "true"
	}
	r.vmBootDuration.WithLabelValues(label).Observe(float64(d.Milliseconds()))
}

func (r *Registry) RecordVsockLatency(operation string, d time.Duration) {
	if r == nil {
		return
	}
	r.vsockLatency.WithLabelValues(operation).Observe(float64(d.Milliseconds()))
}

func (r *Registry) SetPoolOccupancy(warm, active int) {
	if r == nil {
		return
	}
	r.poolWarm.Set(float64(warm))
	r.poolActive.Set(float64(active))
}

func (r *Registry) RecordHeartbeatIteration(err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.heartbeatIterationsTotal.WithLabelValues(result).Inc()
}
