// Package metrics provides Prometheus metrics export for the chat service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter holds the service's Prometheus collectors.
type Exporter struct {
	registry *prometheus.Registry

	// Streaming metrics
	streamsActive   prometheus.Gauge
	streamsTotal    *prometheus.CounterVec
	streamDuration  prometheus.Histogram
	streamedChunks  prometheus.Counter
	salvagedCommits prometheus.Counter

	// Thread metrics
	threadsCreated    *prometheus.CounterVec
	threadsDeleted    prometheus.Counter
	titleGenerations  *prometheus.CounterVec
	subthreadAnchored *prometheus.CounterVec
}

// New creates an Exporter with its own registry.
func New() *Exporter {
	registry := prometheus.NewRegistry()

	e := &Exporter{
		registry: registry,
		streamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rather_chat_streams_active",
			Help: "Number of chat streams currently in flight.",
		}),
		streamsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rather_chat_streams_total",
			Help: "Chat streams by terminal status.",
		}, []string{"status"}),
		streamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rather_chat_stream_duration_seconds",
			Help:    "Wall-clock duration of chat streams.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		streamedChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rather_chat_streamed_chunks_total",
			Help: "Total text chunks delivered to clients.",
		}),
		salvagedCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rather_chat_salvaged_commits_total",
			Help: "Assistant messages committed from partially streamed output.",
		}),
		threadsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rather_threads_created_total",
			Help: "Threads created, by kind (root, subthread).",
		}, []string{"kind"}),
		threadsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rather_threads_deleted_total",
			Help: "Threads deleted, descendants included.",
		}),
		titleGenerations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rather_title_generations_total",
			Help: "Background title generations by outcome.",
		}, []string{"status"}),
		subthreadAnchored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rather_subthreads_created_total",
			Help: "Subthreads created, by origin (api, tool) and anchor outcome.",
		}, []string{"origin", "anchored"}),
	}

	registry.MustRegister(
		e.streamsActive, e.streamsTotal, e.streamDuration, e.streamedChunks,
		e.salvagedCommits, e.threadsCreated, e.threadsDeleted,
		e.titleGenerations, e.subthreadAnchored,
	)
	return e
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

func (e *Exporter) StreamStarted() {
	e.streamsActive.Inc()
}

func (e *Exporter) StreamFinished(status string, seconds float64) {
	e.streamsActive.Dec()
	e.streamsTotal.WithLabelValues(status).Inc()
	e.streamDuration.Observe(seconds)
}

func (e *Exporter) ChunkStreamed() {
	e.streamedChunks.Inc()
}

func (e *Exporter) SalvagedCommit() {
	e.salvagedCommits.Inc()
}

func (e *Exporter) ThreadCreated(kind string) {
	e.threadsCreated.WithLabelValues(kind).Inc()
}

func (e *Exporter) ThreadsDeleted(n int) {
	e.threadsDeleted.Add(float64(n))
}

func (e *Exporter) TitleGeneration(status string) {
	e.titleGenerations.WithLabelValues(status).Inc()
}

func (e *Exporter) SubthreadCreated(origin string, anchored bool) {
	label := "false"
	if anchored {
		label = "true"
	}
	e.subthreadAnchored.WithLabelValues(origin, label).Inc()
}
