// Package metrics provides Prometheus metrics for collabd.
//
// All families are registered on a Registry built by New; nothing is
// registered on the Prometheus default registry.
package metrics

import (
	"bytes"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

const namespace = "collab"

// OpenMetricsContentType is the Content-Type of the /metrics response.
const OpenMetricsContentType = "application/openmetrics-text; version=1.0.0; charset=utf-8"

// MaxTraceIDLength bounds trace ids attached as exemplars.
const MaxTraceIDLength = 64

// Registry owns every collabd metric family.
type Registry struct {
	reg *prometheus.Registry

	Requests *RequestMetrics
	Storage  *StorageMetrics
	Collab   *CollabMetrics
}

// New creates a registry with the request, storage and collab families plus
// the Go runtime and process collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return newRegistry(reg)
}

// NewBare creates a registry without the runtime collectors. Tests use it
// to keep scrapes small.
func NewBare() *Registry {
	return newRegistry(prometheus.NewRegistry())
}

func newRegistry(reg *prometheus.Registry) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		reg:      reg,
		Requests: newRequestMetrics(factory),
		Storage:  newStorageMetrics(factory),
		Collab:   newCollabMetrics(factory),
	}
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry in the OpenMetrics text format.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		body, err := r.Encode()
		if err != nil {
			http.Error(w, "failed to encode metrics: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", OpenMetricsContentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})
}

// Encode gathers every family and renders it as OpenMetrics text,
// including the trailing "# EOF" line.
func (r *Registry) Encode() ([]byte, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeOpenMetrics))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return nil, err
		}
	}
	if closer, ok := enc.(expfmt.Closer); ok {
		if err := closer.Close(); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// RequestMetrics counts HTTP requests per route.
type RequestMetrics struct {
	count   *prometheus.CounterVec
	latency *prometheus.CounterVec
	result  *prometheus.CounterVec
}

func newRequestMetrics(factory promauto.Factory) *RequestMetrics {
	return &RequestMetrics{
		count: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_count_total",
				Help:      "Total requests per path",
			},
			[]string{"path"},
		),
		latency: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_latency_total",
				Help:      "Accumulated request latency in milliseconds per path",
			},
			[]string{"path"},
		),
		result: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_result_total",
				Help:      "Requests per path and response status code",
			},
			[]string{"path", "status_code"},
		),
	}
}

// RecordRequest records one finished request. A non-empty, valid traceID is
// attached as a trace_id exemplar to the latency and result counters.
func (m *RequestMetrics) RecordRequest(traceID, path string, latencyMs uint64, statusCode int) {
	if m == nil {
		return
	}
	m.count.WithLabelValues(path).Inc()

	latency := m.latency.WithLabelValues(path)
	result := m.result.WithLabelValues(path, strconv.Itoa(statusCode))

	exemplar, ok := traceExemplar(traceID)
	if !ok {
		latency.Add(float64(latencyMs))
		result.Inc()
		return
	}
	latency.(prometheus.ExemplarAdder).AddWithExemplar(float64(latencyMs), exemplar)
	result.(prometheus.ExemplarAdder).AddWithExemplar(1, exemplar)
}

func traceExemplar(traceID string) (prometheus.Labels, bool) {
	if traceID == "" || len(traceID) > MaxTraceIDLength || !utf8.ValidString(traceID) {
		return nil, false
	}
	return prometheus.Labels{"trace_id": traceID}, true
}

// StorageMetrics tracks object store operations.
type StorageMetrics struct {
	ops     *prometheus.CounterVec
	latency *prometheus.HistogramVec
	orphans *prometheus.CounterVec
}

func newStorageMetrics(factory promauto.Factory) *StorageMetrics {
	return &StorageMetrics{
		ops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "objectstore_ops_total",
				Help:      "Total object store operations",
			},
			[]string{"operation", "status"}, // status: success/error
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "objectstore_latency_seconds",
				Help:      "Object store operation latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		orphans: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orphan_blobs_total",
				Help:      "Unreferenced blobs found and deleted by the orphan collector",
			},
			[]string{"result"}, // found/deleted
		),
	}
}

// ObserveOrphanSweep records one workspace sweep of the orphan collector.
func (m *StorageMetrics) ObserveOrphanSweep(found, deleted int) {
	if m == nil {
		return
	}
	m.orphans.WithLabelValues("found").Add(float64(found))
	m.orphans.WithLabelValues("deleted").Add(float64(deleted))
}

// ObserveObjectStoreOp records an object store operation.
func (m *StorageMetrics) ObserveObjectStoreOp(operation string, latencySeconds float64, err error) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(operation, statusLabel(err)).Inc()
	m.latency.WithLabelValues(operation).Observe(latencySeconds)
}

// CollabMetrics tracks batch create and read outcomes.
type CollabMetrics struct {
	batchCreates  *prometheus.CounterVec
	batchItems    *prometheus.HistogramVec
	readOutcomes  *prometheus.CounterVec
	commitLatency prometheus.Histogram
}

func newCollabMetrics(factory promauto.Factory) *CollabMetrics {
	return &CollabMetrics{
		batchCreates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_creates_total",
				Help:      "Batch creates by result",
			},
			[]string{"result"}, // committed/conflict/invalid/error
		),
		batchItems: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_items",
				Help:      "Items per batch request",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 6),
			},
			[]string{"operation"}, // create/read
		),
		readOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_read_outcomes_total",
				Help:      "Per-object outcomes of batch reads",
			},
			[]string{"outcome"}, // success/failed
		),
		commitLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "commit_latency_seconds",
				Help:      "Backend commit latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
}

// ObserveBatchCreate records a finished batch create.
func (m *CollabMetrics) ObserveBatchCreate(items int, result string) {
	if m == nil {
		return
	}
	m.batchCreates.WithLabelValues(result).Inc()
	m.batchItems.WithLabelValues("create").Observe(float64(items))
}

// ObserveCommit records backend commit latency.
func (m *CollabMetrics) ObserveCommit(latencySeconds float64) {
	if m == nil {
		return
	}
	m.commitLatency.Observe(latencySeconds)
}

// ObserveBatchRead records a finished batch read.
func (m *CollabMetrics) ObserveBatchRead(items, failed int) {
	if m == nil {
		return
	}
	m.batchItems.WithLabelValues("read").Observe(float64(items))
	m.readOutcomes.WithLabelValues("success").Add(float64(items - failed))
	m.readOutcomes.WithLabelValues("failed").Add(float64(failed))
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
