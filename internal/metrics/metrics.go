// Package metrics provides virtual tag engine metrics collection.
// It wraps Prometheus collectors on a private registry so tests and multiple
// engines in one process never collide on registration.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector provides engine metrics collection.
type Collector struct {
	registry *prometheus.Registry

	// Evaluation metrics
	evaluations       *prometheus.CounterVec
	evaluationLatency *prometheus.HistogramVec
	evaluationPanics  prometheus.Counter
	evaluationTimeout prometheus.Counter

	// Batch metrics
	batches        *prometheus.CounterVec
	batchLatency   prometheus.Histogram
	batchSize      prometheus.Histogram
	dueTags        prometheus.Gauge
	lastBatchTime  prometheus.Gauge
	persistFailure prometheus.Counter

	// Cache metrics
	cacheEntries  prometheus.Gauge
	cacheRefresh  *prometheus.CounterVec
	mirrorFailure prometheus.Counter

	// Transport metrics
	published        *prometheus.CounterVec
	readingsIngested *prometheus.CounterVec
	streamClients    prometheus.Gauge
}

// NewCollector creates a new engine metrics collector.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "vtag"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.evaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "total",
			Help:      "Evaluations by calculation type and resulting quality",
		},
		[]string{"calculation_type", "quality"},
	)

	c.evaluationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "duration_seconds",
			Help:      "Time taken to evaluate one virtual tag",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10), // 100us to ~26s
		},
		[]string{"calculation_type"},
	)

	c.evaluationPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "evaluation",
		Name:      "panics_total",
		Help:      "Evaluations that panicked and were recorded as errors",
	})

	c.evaluationTimeout = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "evaluation",
		Name:      "timeouts_total",
		Help:      "Evaluations aborted by the per-tag timeout",
	})

	c.batches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "total",
			Help:      "Scheduler batches by outcome (ok, failed, skipped)",
		},
		[]string{"result"},
	)

	c.batchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "batch",
		Name:      "duration_seconds",
		Help:      "Time taken to run one scheduler batch",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~65s
	})

	c.batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "batch",
		Name:      "tags",
		Help:      "Number of tags evaluated per batch",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	c.dueTags = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "queued_tags",
		Help:      "Enabled tags currently armed in the due queue",
	})

	c.lastBatchTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "batch",
		Name:      "last_tick_timestamp_seconds",
		Help:      "Tick of the last completed batch",
	})

	c.persistFailure = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "batch",
		Name:      "persist_failures_total",
		Help:      "Batches whose results could not be written to history",
	})

	c.cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "latest_cache",
		Name:      "entries",
		Help:      "Tags held in the latest-value cache",
	})

	c.cacheRefresh = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "latest_cache",
			Name:      "refresh_total",
			Help:      "Latest-value cache swaps by kind (rebuild, merge)",
		},
		[]string{"kind"},
	)

	c.mirrorFailure = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "latest_cache",
		Name:      "mirror_failures_total",
		Help:      "Failed writes of the cache snapshot to the mirror",
	})

	c.published = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kafka",
			Name:      "published_total",
			Help:      "Results published to Kafka",
		},
		[]string{"result"},
	)

	c.readingsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kafka",
			Name:      "readings_ingested_total",
			Help:      "Sensor readings consumed from Kafka",
		},
		[]string{"result"},
	)

	c.streamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "clients",
		Help:      "Connected live stream clients",
	})

	c.registry.MustRegister(
		c.evaluations,
		c.evaluationLatency,
		c.evaluationPanics,
		c.evaluationTimeout,
		c.batches,
		c.batchLatency,
		c.batchSize,
		c.dueTags,
		c.lastBatchTime,
		c.persistFailure,
		c.cacheEntries,
		c.cacheRefresh,
		c.mirrorFailure,
		c.published,
		c.readingsIngested,
		c.streamClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry returns the Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordEvaluation records one classified evaluation.
func (c *Collector) RecordEvaluation(calcType, quality string, duration time.Duration) {
	c.evaluations.WithLabelValues(calcType, quality).Inc()
	c.evaluationLatency.WithLabelValues(calcType).Observe(duration.Seconds())
}

// RecordPanic counts an evaluation that panicked.
func (c *Collector) RecordPanic() {
	c.evaluationPanics.Inc()
}

// RecordTimeout counts an evaluation that hit the per-tag timeout.
func (c *Collector) RecordTimeout() {
	c.evaluationTimeout.Inc()
}

// RecordBatch records a finished batch.
func (c *Collector) RecordBatch(tick time.Time, tags int, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
		c.persistFailure.Inc()
	}
	c.batches.WithLabelValues(result).Inc()
	c.batchLatency.Observe(duration.Seconds())
	c.batchSize.Observe(float64(tags))
	c.lastBatchTime.Set(float64(tick.Unix()))
}

// RecordBatchSkipped counts a trigger that found a batch still running.
func (c *Collector) RecordBatchSkipped() {
	c.batches.WithLabelValues("skipped").Inc()
}

// RecordQueued records how many tags are armed in the due queue.
func (c *Collector) RecordQueued(n int) {
	c.dueTags.Set(float64(n))
}

// RecordCacheSwap records a latest-value cache swap.
func (c *Collector) RecordCacheSwap(kind string, entries int) {
	c.cacheRefresh.WithLabelValues(kind).Inc()
	c.cacheEntries.Set(float64(entries))
}

// RecordMirrorFailure counts a failed mirror write.
func (c *Collector) RecordMirrorFailure() {
	c.mirrorFailure.Inc()
}

// RecordPublished records results handed to Kafka.
func (c *Collector) RecordPublished(n int, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	c.published.WithLabelValues(result).Add(float64(n))
}

// RecordReadings records sensor readings consumed from Kafka.
func (c *Collector) RecordReadings(n int, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	c.readingsIngested.WithLabelValues(result).Add(float64(n))
}

// RecordStreamClients records the number of connected stream clients.
func (c *Collector) RecordStreamClients(n int) {
	c.streamClients.Set(float64(n))
}
