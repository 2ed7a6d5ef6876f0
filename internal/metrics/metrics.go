// Package metrics provides runtime metrics collection.
// It wraps Prometheus collectors for compilation, namespace rebuilds,
// trigger invocations, scheduled tasks and test runs.
//
// All Record methods are safe on a nil *Collector, so components can run
// without metrics wired in.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Collector provides runtime metrics collection.
type Collector struct {
	registry *prometheus.Registry

	compilations    *prometheus.CounterVec
	compileLatency  prometheus.Histogram
	rebuilds        *prometheus.CounterVec
	rebuildLatency  prometheus.Histogram
	namespaceUnits  *prometheus.GaugeVec
	invocations     *prometheus.CounterVec
	invokeLatency   *prometheus.HistogramVec
	faults          *prometheus.CounterVec
	taskRuns        *prometheus.CounterVec
	testMethods     *prometheus.CounterVec
	bindingRequests *prometheus.CounterVec
}

// NewCollector creates a new metrics collector with its own registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "tenantrt"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.compilations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compiler",
			Name:      "compilations_total",
			Help:      "Total number of source unit compilations",
		},
		[]string{"result"},
	)

	c.compileLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "compiler",
			Name:      "compile_duration_seconds",
			Help:      "Time taken to compile one source unit",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
	)

	c.rebuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "rebuilds_total",
			Help:      "Total number of tenant namespace rebuilds",
		},
		[]string{"result"},
	)

	c.rebuildLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "rebuild_duration_seconds",
			Help:      "Time taken to rebuild a tenant namespace",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	c.namespaceUnits = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "namespace_classes",
			Help:      "Number of classes loaded in a tenant namespace",
		},
		[]string{"tenant"},
	)

	c.invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "invoke",
			Name:      "invocations_total",
			Help:      "Total number of calls into tenant code",
		},
		[]string{"kind", "phase", "result"},
	)

	c.invokeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "invoke",
			Name:      "invoke_duration_seconds",
			Help:      "Time taken by one call into tenant code",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
		},
		[]string{"kind"},
	)

	c.faults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "invoke",
			Name:      "faults_total",
			Help:      "Total number of tenant faults caught at the invocation boundary",
		},
		[]string{"kind"},
	)

	c.taskRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "task_runs_total",
			Help:      "Total number of scheduled task executions",
		},
		[]string{"result"},
	)

	c.testMethods = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "testrunner",
			Name:      "methods_total",
			Help:      "Total number of test methods run",
		},
		[]string{"result"},
	)

	c.bindingRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trigger",
			Name:      "binding_requests_total",
			Help:      "Total number of trigger register/unregister requests",
		},
		[]string{"op", "result"},
	)

	c.registry.MustRegister(
		c.compilations,
		c.compileLatency,
		c.rebuilds,
		c.rebuildLatency,
		c.namespaceUnits,
		c.invocations,
		c.invokeLatency,
		c.faults,
		c.taskRuns,
		c.testMethods,
		c.bindingRequests,
	)

	return c
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collected metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordCompile records one compilation.
func (c *Collector) RecordCompile(duration time.Duration, ok bool) {
	if c == nil {
		return
	}
	c.compilations.WithLabelValues(result(ok)).Inc()
	c.compileLatency.Observe(duration.Seconds())
}

// RecordRebuild records one namespace rebuild and the resulting class count.
func (c *Collector) RecordRebuild(tenant string, duration time.Duration, classes int, err error) {
	if c == nil {
		return
	}
	c.rebuilds.WithLabelValues(result(err == nil)).Inc()
	c.rebuildLatency.Observe(duration.Seconds())
	if err == nil {
		c.namespaceUnits.WithLabelValues(tenant).Set(float64(classes))
	}
}

// RecordInvocation records one call into tenant code. Kind is trigger, task or test;
// phase is empty outside trigger firings.
func (c *Collector) RecordInvocation(kind, phase string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	c.invocations.WithLabelValues(kind, phase, result(err == nil)).Inc()
	c.invokeLatency.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordFault records one tenant fault by kind (error, panic, cancelled).
func (c *Collector) RecordFault(kind string) {
	if c == nil {
		return
	}
	c.faults.WithLabelValues(kind).Inc()
}

// RecordTaskRun records one scheduled task execution.
func (c *Collector) RecordTaskRun(err error) {
	if c == nil {
		return
	}
	c.taskRuns.WithLabelValues(result(err == nil)).Inc()
}

// RecordTestMethod records one test method outcome.
func (c *Collector) RecordTestMethod(passed bool) {
	if c == nil {
		return
	}
	c.testMethods.WithLabelValues(result(passed)).Inc()
}

// RecordBinding records one trigger register/unregister request.
func (c *Collector) RecordBinding(op string, err error) {
	if c == nil {
		return
	}
	c.bindingRequests.WithLabelValues(op, result(err == nil)).Inc()
}

func result(ok bool) string {
	if ok {
		return ResultSuccess
	}
	return ResultFailure
}
