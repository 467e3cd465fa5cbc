package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/andresmejia3/moodmeter/internal/config"
	"github.com/andresmejia3/moodmeter/internal/types"
)

// Metrics holds all loop metrics
type Metrics struct {
	// Iteration counters
	Iterations   atomic.Uint64
	DetectErrors atomic.Uint64

	// Latency tracking
	IterationLatencyMs atomic.Uint64 // Latest iteration latency in ms

	// Latest frame, overwritten every iteration
	FacesDetected atomic.Uint64
	FacesAdmitted atomic.Uint64
	Good          atomic.Uint64
	Bad           atomic.Uint64
	Counts        [types.NumCategories]atomic.Uint64

	live *config.Live

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors.
// live may be nil; when set, the runtime controls are exported too.
func New(live *config.Live) *Metrics {
	m := &Metrics{
		live:     live,
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		fn,
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.gauge("moodmeter_iterations_total", "Total completed loop iterations",
		func() float64 { return float64(m.Iterations.Load()) })
	m.gauge("moodmeter_detect_errors_total", "Total iterations skipped because detection failed",
		func() float64 { return float64(m.DetectErrors.Load()) })
	m.gauge("moodmeter_iteration_latency_ms", "Latency of the latest completed iteration",
		func() float64 { return float64(m.IterationLatencyMs.Load()) })

	m.gauge("moodmeter_faces_detected", "Faces reported by the detector in the latest frame",
		func() float64 { return float64(m.FacesDetected.Load()) })
	m.gauge("moodmeter_faces_admitted", "Faces above the confidence threshold in the latest frame",
		func() float64 { return float64(m.FacesAdmitted.Load()) })
	m.gauge("moodmeter_faces_good", "Happy, neutral or surprised faces in the latest frame",
		func() float64 { return float64(m.Good.Load()) })
	m.gauge("moodmeter_faces_bad", "Sad, fearful, disgusted or angry faces in the latest frame",
		func() float64 { return float64(m.Bad.Load()) })

	// One series per category
	for _, c := range types.Categories {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        "moodmeter_expression_faces",
				Help:        "Admitted faces per dominant expression in the latest frame",
				ConstLabels: prometheus.Labels{"expression": c.String()},
			},
			func() float64 { return float64(m.Counts[c].Load()) },
		))
	}

	if m.live != nil {
		m.gauge("moodmeter_min_confidence", "Current detection confidence threshold",
			func() float64 { return m.live.Snapshot().Threshold })
		m.gauge("moodmeter_overlay_visible", "Overlay visible (0=hidden, 1=shown)",
			func() float64 {
				if m.live.Snapshot().ShowOverlay {
					return 1
				}
				return 0
			})
	}
}

// Record stores the latest frame statistics.
func (m *Metrics) Record(stats types.FrameStats) {
	m.FacesDetected.Store(uint64(stats.Detected))
	m.FacesAdmitted.Store(uint64(stats.Good + stats.Bad))
	m.Good.Store(uint64(stats.Good))
	m.Bad.Store(uint64(stats.Bad))
	for i := range m.Counts {
		m.Counts[i].Store(uint64(stats.Counts[i]))
	}
}

// IterationDone counts a rendered iteration and its latency.
func (m *Metrics) IterationDone(latency time.Duration, stats types.FrameStats) {
	m.Iterations.Add(1)
	m.IterationLatencyMs.Store(uint64(latency.Milliseconds()))
}

// DetectFailed counts a skipped iteration.
func (m *Metrics) DetectFailed(err error) {
	m.DetectErrors.Add(1)
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
