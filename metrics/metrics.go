package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds the engine's metrics.
type Registry struct {
	registry *prometheus.Registry

	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	BytesWritten      prometheus.Counter
	Keys              prometheus.Gauge
	DataFiles         prometheus.Gauge
	Rotations         prometheus.Counter
	MergeRelocated    prometheus.Counter
	MergeDiscarded    prometheus.Counter
}

// NewRegistry registers every metric on reg, or on a fresh registry when
// reg is nil.
func NewRegistry(reg *prometheus.Registry) *Registry {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &Registry{registry: reg}
	factory := promauto.With(reg)

	r.OperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caskdb_operations_total",
			Help: "Total number of engine operations",
		},
		[]string{"operation", "status"},
	)

	r.OperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "caskdb_operation_duration_seconds",
			Help:    "Engine operation duration in seconds",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1.0, 10.0},
		},
		[]string{"operation"},
	)

	r.BytesWritten = factory.NewCounter(prometheus.CounterOpts{
		Name: "caskdb_bytes_written_total",
		Help: "Bytes appended to active data files",
	})

	r.Keys = factory.NewGauge(prometheus.GaugeOpts{
		Name: "caskdb_keys",
		Help: "Live keys in the keydir",
	})

	r.DataFiles = factory.NewGauge(prometheus.GaugeOpts{
		Name: "caskdb_data_files",
		Help: "Data files including the active file",
	})

	r.Rotations = factory.NewCounter(prometheus.CounterOpts{
		Name: "caskdb_rotations_total",
		Help: "Active file rotations",
	})

	r.MergeRelocated = factory.NewCounter(prometheus.CounterOpts{
		Name: "caskdb_merge_relocated_total",
		Help: "Records relocated by merge",
	})

	r.MergeDiscarded = factory.NewCounter(prometheus.CounterOpts{
		Name: "caskdb_merge_discarded_total",
		Help: "Relocations discarded because the key changed during merge",
	})

	return r
}

// Prometheus exposes the underlying registry for scraping.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.registry
}

// RecordOperation records an operation outcome and its duration.
func (r *Registry) RecordOperation(operation string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.OperationsTotal.WithLabelValues(operation, status).Inc()
	r.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordMiss counts a lookup that found nothing.
func (r *Registry) RecordMiss(operation string, duration time.Duration) {
	r.OperationsTotal.WithLabelValues(operation, "miss").Inc()
	r.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
