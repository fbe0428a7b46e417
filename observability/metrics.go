// Package observability provides the process logger and the Prometheus
// metrics for the capture loop and the HTTP surface.
//
// Metrics live in a private registry rather than the global default so
// tests can build as many independent instances as they need.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements capture.Recorder and exposes /metrics.
type Metrics struct {
	reg *prometheus.Registry

	captureDuration prometheus.Histogram
	captures        *prometheus.CounterVec
	sleep           prometheus.Histogram
	snapshotBytes   prometheus.Gauge
	lastCapture     prometheus.Gauge
	responses       *prometheus.CounterVec
}

// NewMetrics creates the metric set on a fresh registry, including the Go
// runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		captureDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "slap_capture_duration_seconds",
			Help:    "Time spent in the browser screenshot call",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		captures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "slap_captures_total",
			Help: "Capture attempts by outcome",
		}, []string{"status"}), // success or error
		sleep: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "slap_capture_sleep_seconds",
			Help:    "Pause between a capture and the next one after drift correction",
			Buckets: []float64{0, 0.1, 0.25, 0.5, 0.75, 1, 2, 5},
		}),
		snapshotBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "slap_snapshot_bytes",
			Help: "Encoded size of the snapshot currently served",
		}),
		lastCapture: f.NewGauge(prometheus.GaugeOpts{
			Name: "slap_last_capture_timestamp_seconds",
			Help: "Unix time of the last successful capture",
		}),
		responses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "slap_http_responses_total",
			Help: "HTTP responses by handler and status code",
		}, []string{"handler", "code"}),
	}
}

// CaptureSucceeded records a published snapshot.
func (m *Metrics) CaptureSucceeded(took time.Duration, size int) {
	m.captureDuration.Observe(took.Seconds())
	m.captures.WithLabelValues("success").Inc()
	m.snapshotBytes.Set(float64(size))
	m.lastCapture.SetToCurrentTime()
}

// CaptureFailed records a cycle that left the store untouched.
func (m *Metrics) CaptureFailed(took time.Duration) {
	m.captureDuration.Observe(took.Seconds())
	m.captures.WithLabelValues("error").Inc()
}

// Slept records the drift-corrected pause.
func (m *Metrics) Slept(d time.Duration) {
	m.sleep.Observe(d.Seconds())
}

// Instrument counts responses of h under the given handler label.
func (m *Metrics) Instrument(handler string, h http.Handler) http.Handler {
	return promhttp.InstrumentHandlerCounter(
		m.responses.MustCurryWith(prometheus.Labels{"handler": handler}), h)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }
