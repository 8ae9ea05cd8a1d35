// Package metrics exposes Prometheus instruments for ingest, segmentation
// and fragmentation. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fragmenter"

// Metrics holds the server's instruments on a dedicated registry.
type Metrics struct {
	Registry *prometheus.Registry

	ingestBytes   *prometheus.CounterVec
	segments      prometheus.Counter
	fragments     prometheus.Counter
	resyncs       prometheus.Counter
	activeStreams prometheus.Gauge
	fragmentBytes prometheus.Histogram
}

// New creates and registers the instruments.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ingestBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_bytes_total",
			Help:      "Transport stream bytes received.",
		}, []string{"protocol"}),
		segments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_total",
			Help:      "Packet-aligned segments cut from the input.",
		}),
		fragments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_total",
			Help:      "Media segments produced.",
		}),
		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resyncs_total",
			Help:      "Times the segmenter lost packet alignment and searched for it again.",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Streams currently being ingested.",
		}),
		fragmentBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fragment_bytes",
			Help:      "Size of produced media segments.",
			Buckets:   prometheus.ExponentialBuckets(16<<10, 2, 10),
		}),
	}
	m.Registry.MustRegister(
		m.ingestBytes,
		m.segments,
		m.fragments,
		m.resyncs,
		m.activeStreams,
		m.fragmentBytes,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// IngestBytes counts n received bytes for protocol.
func (m *Metrics) IngestBytes(protocol string, n int) {
	if m == nil {
		return
	}
	m.ingestBytes.WithLabelValues(protocol).Add(float64(n))
}

// Segment counts one segment cut by the segmenter.
func (m *Metrics) Segment() {
	if m == nil {
		return
	}
	m.segments.Inc()
}

// Fragment records one produced media segment of size bytes.
func (m *Metrics) Fragment(size int) {
	if m == nil {
		return
	}
	m.fragments.Inc()
	m.fragmentBytes.Observe(float64(size))
}

// Resyncs adds n segmenter resynchronizations.
func (m *Metrics) Resyncs(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.resyncs.Add(float64(n))
}

// StreamStarted increments the active stream gauge.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.activeStreams.Inc()
}

// StreamEnded decrements the active stream gauge.
func (m *Metrics) StreamEnded() {
	if m == nil {
		return
	}
	m.activeStreams.Dec()
}
