// Package metrics provides Prometheus metrics for the recognition pipeline and HTTP server.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics exported by sentinel-live.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	FramesTotal       *prometheus.CounterVec
	FrameFailures     *prometheus.CounterVec
	DetectDuration    *prometheus.HistogramVec
	FacesTotal        *prometheus.CounterVec
	FPSGauge          *prometheus.GaugeVec
	ResultsDropped    *prometheus.CounterVec
	UploadsTotal      *prometheus.CounterVec
	StreamClients     prometheus.Gauge
	GalleryIdentities prometheus.Gauge

	registry *prometheus.Registry
}

// New creates the metrics and registers them, together with the Go and
// process collectors, on a dedicated registry.
func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	m := &Metrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register go collector: %w", err)
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("failed to register process collector: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_frames_total",
			Help: "Frames handled by a stream, partitioned by outcome (detected, skipped, failed).",
		},
		[]string{"stream", "outcome"},
	)
	m.FrameFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_frame_failures_total",
			Help: "Frames dropped because decoding or detection failed.",
		},
		[]string{"stream", "stage"},
	)
	m.DetectDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_detect_duration_seconds",
			Help:    "Time spent in the detection/embedding backend per frame.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
		},
		[]string{"stream"},
	)
	m.FacesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_faces_total",
			Help: "Faces identified, partitioned by whether they matched a known identity.",
		},
		[]string{"stream", "result"},
	)
	m.FPSGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_stream_fps",
			Help: "Smoothed processing rate of a stream in frames per second.",
		},
		[]string{"stream"},
	)
	m.ResultsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_results_dropped_total",
			Help: "Frame results evicted from a full result channel.",
		},
		[]string{"stream"},
	)
	m.UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_uploads_total",
			Help: "Frames received on the upload endpoint, partitioned by status.",
		},
		[]string{"status"},
	)
	m.StreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_stream_clients",
			Help: "Number of connected MJPEG clients.",
		},
	)
	m.GalleryIdentities = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_gallery_identities",
			Help: "Number of identities in the loaded gallery.",
		},
	)
}

// Describe implements the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.FramesTotal.Describe(ch)
	m.FrameFailures.Describe(ch)
	m.DetectDuration.Describe(ch)
	m.FacesTotal.Describe(ch)
	m.FPSGauge.Describe(ch)
	m.ResultsDropped.Describe(ch)
	m.UploadsTotal.Describe(ch)
	ch <- m.StreamClients.Desc()
	ch <- m.GalleryIdentities.Desc()
}

// Collect implements the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.FramesTotal.Collect(ch)
	m.FrameFailures.Collect(ch)
	m.DetectDuration.Collect(ch)
	m.FacesTotal.Collect(ch)
	m.FPSGauge.Collect(ch)
	m.ResultsDropped.Collect(ch)
	m.UploadsTotal.Collect(ch)
	ch <- m.StreamClients
	ch <- m.GalleryIdentities
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordFrame counts one frame with the given outcome.
func (m *Metrics) RecordFrame(stream, outcome string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(stream, outcome).Inc()
}

// RecordFailure counts a dropped frame.
func (m *Metrics) RecordFailure(stream, stage string) {
	if m == nil {
		return
	}
	m.FrameFailures.WithLabelValues(stream, stage).Inc()
	m.FramesTotal.WithLabelValues(stream, "failed").Inc()
}

// RecordDetect records one call into the detection backend.
func (m *Metrics) RecordDetect(stream string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DetectDuration.WithLabelValues(stream).Observe(durationSeconds)
}

// RecordFace counts one identified face.
func (m *Metrics) RecordFace(stream string, known bool) {
	if m == nil {
		return
	}
	result := "unknown"
	if known {
		result = "known"
	}
	m.FacesTotal.WithLabelValues(stream, result).Inc()
}

// SetFPS publishes the smoothed rate of a stream.
func (m *Metrics) SetFPS(stream string, fps float64) {
	if m == nil {
		return
	}
	m.FPSGauge.WithLabelValues(stream).Set(fps)
}

// RecordDrop counts one evicted frame result.
func (m *Metrics) RecordDrop(stream string) {
	if m == nil {
		return
	}
	m.ResultsDropped.WithLabelValues(stream).Inc()
}

// RecordUpload counts one upload with its status (recognized, rejected, failed).
func (m *Metrics) RecordUpload(status string) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(status).Inc()
}

// StreamClientConnected tracks an MJPEG client; call the returned func on disconnect.
func (m *Metrics) StreamClientConnected() func() {
	if m == nil {
		return func() {}
	}
	m.StreamClients.Inc()
	return m.StreamClients.Dec
}

// SetGallerySize publishes the number of loaded identities.
func (m *Metrics) SetGallerySize(n int) {
	if m == nil {
		return
	}
	m.GalleryIdentities.Set(float64(n))
}
