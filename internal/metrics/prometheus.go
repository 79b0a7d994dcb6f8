package metrics

import (
	"time"

	"github.com/devrev/pairdb/bulkloader/internal/driver"
	"github.com/devrev/pairdb/bulkloader/internal/executor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "pairdb"
	subsystem = "bulkloader"
)

// Metrics holds all Prometheus metrics of the bulk loader. It implements
// executor.Listener.
type Metrics struct {
	registry *prometheus.Registry

	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Execution metrics
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	RowsTotal          prometheus.Counter
	StatementsPerWrite prometheus.Histogram

	// Operation metrics
	OperationItemsTotal  *prometheus.CounterVec
	OperationErrorsTotal *prometheus.CounterVec
	OperationsAborted    *prometheus.CounterVec
	OperationDuration    *prometheus.HistogramVec

	// Topology metrics
	RingNodes  prometheus.Gauge
	RingRanges prometheus.Gauge

	// System metrics
	MemoryUsageBytes prometheus.Gauge
	GoroutinesTotal  prometheus.Gauge
}

// NewMetrics creates the metrics on a dedicated registry, which also carries
// the Go runtime and process collectors.
func NewMetrics(instance string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	labels := prometheus.Labels{"instance_id": instance}

	return &Metrics{
		registry: reg,

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "requests_total",
			Help:        "Total number of requests sent, by kind and status",
			ConstLabels: labels,
		}, []string{"kind", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "request_duration_seconds",
			Help:        "Request latency in seconds",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"kind"}),
		RequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "requests_in_flight",
			Help:        "Requests sent and not yet answered",
			ConstLabels: labels,
		}),

		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "executions_total",
			Help:        "Total number of statement executions, by kind and status",
			ConstLabels: labels,
		}, []string{"kind", "status"}),
		ExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "execution_duration_seconds",
			Help:        "Statement execution duration in seconds, all pages included",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"kind"}),
		RowsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "rows_total",
			Help:        "Total number of rows read",
			ConstLabels: labels,
		}),
		StatementsPerWrite: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "statements_per_write",
			Help:        "Number of statements carried by each write",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 10),
		}),

		OperationItemsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "operation_items_total",
			Help:        "Items processed by finished operations",
			ConstLabels: labels,
		}, []string{"operation"}),
		OperationErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "operation_errors_total",
			Help:        "Failed items of finished operations",
			ConstLabels: labels,
		}, []string{"operation"}),
		OperationsAborted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "operations_aborted_total",
			Help:        "Operations stopped before completion",
			ConstLabels: labels,
		}, []string{"operation"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "operation_duration_seconds",
			Help:        "Operation duration in seconds",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"operation"}),

		RingNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "ring_nodes",
			Help:        "Nodes in the current token ring",
			ConstLabels: labels,
		}),
		RingRanges: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "ring_ranges",
			Help:        "Token ranges in the current token ring",
			ConstLabels: labels,
		}),

		MemoryUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "memory_usage_bytes",
			Help:        "Heap bytes allocated",
			ConstLabels: labels,
		}),
		GoroutinesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "goroutines_total",
			Help:        "Number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func kind(ec executor.ExecutionContext) string {
	if ec.Read {
		return "read"
	}
	return "write"
}

// OnExecutionStarted implements executor.Listener
func (m *Metrics) OnExecutionStarted(ec executor.ExecutionContext) {
	if !ec.Read {
		m.StatementsPerWrite.Observe(float64(driver.StatementCount(ec.Statement)))
	}
}

// OnExecutionSuccessful implements executor.Listener
func (m *Metrics) OnExecutionSuccessful(ec executor.ExecutionContext, pages int, items int64) {
	m.ExecutionsTotal.WithLabelValues(kind(ec), "success").Inc()
	m.ExecutionDuration.WithLabelValues(kind(ec)).Observe(ec.Elapsed().Seconds())
	if ec.Read {
		m.RowsTotal.Add(float64(items))
	}
}

// OnExecutionFailed implements executor.Listener
func (m *Metrics) OnExecutionFailed(ec executor.ExecutionContext, err error) {
	m.ExecutionsTotal.WithLabelValues(kind(ec), "failure").Inc()
	m.ExecutionDuration.WithLabelValues(kind(ec)).Observe(ec.Elapsed().Seconds())
}

// OnRequestStarted implements executor.Listener
func (m *Metrics) OnRequestStarted(ec executor.ExecutionContext, page int) {
	m.RequestsInFlight.Inc()
}

// OnRequestSuccessful implements executor.Listener
func (m *Metrics) OnRequestSuccessful(ec executor.ExecutionContext, page int, latency time.Duration) {
	m.RequestsInFlight.Dec()
	m.RequestsTotal.WithLabelValues(kind(ec), "success").Inc()
	m.RequestDuration.WithLabelValues(kind(ec)).Observe(latency.Seconds())
}

// OnRequestFailed implements executor.Listener
func (m *Metrics) OnRequestFailed(ec executor.ExecutionContext, page int, err error) {
	m.RequestsInFlight.Dec()
	m.RequestsTotal.WithLabelValues(kind(ec), "failure").Inc()
}

// RecordOperation records a finished load or unload
func (m *Metrics) RecordOperation(operation string, items, errors int64, duration time.Duration, aborted bool) {
	m.OperationItemsTotal.WithLabelValues(operation).Add(float64(items))
	m.OperationErrorsTotal.WithLabelValues(operation).Add(float64(errors))
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if aborted {
		m.OperationsAborted.WithLabelValues(operation).Inc()
	}
}

// UpdateTopology updates ring statistics
func (m *Metrics) UpdateTopology(nodes, ranges int) {
	m.RingNodes.Set(float64(nodes))
	m.RingRanges.Set(float64(ranges))
}

// UpdateSystemStats updates system-level statistics
func (m *Metrics) UpdateSystemStats(memoryUsage int64, goroutines int) {
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
