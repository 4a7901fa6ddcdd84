package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Ingest counters
	FramesIngested atomic.Uint64
	FramesAbsent   atomic.Uint64 // ticks where the detector found nobody
	FramesRejected atomic.Uint64 // poses with a non-increasing timestamp
	DetectorErrors atomic.Uint64

	// Analysis state of the current session
	RepsClosed         atomic.Uint64
	CriteriaPassed     atomic.Uint64
	CriteriaFailed     atomic.Uint64
	CriteriaUnresolved atomic.Uint64

	// Latency tracking
	ProcessLatencyUs atomic.Uint64 // Last ingest+analysis latency in microseconds
	RenderLatencyUs  atomic.Uint64

	// Rendering
	FramesRendered atomic.Uint64
	RenderErrors   atomic.Uint64

	// Fanout
	SSEClients         atomic.Uint64
	ActiveClients      atomic.Uint64 // WebRTC peers
	TotalClients       atomic.Uint64
	DataChannelSent    atomic.Uint64
	DataChannelDropped atomic.Uint64
	MQTTPublished      atomic.Uint64
	MQTTErrors         atomic.Uint64
	SessionResets      atomic.Uint64

	// Recording state
	RecordingActive atomic.Uint64 // 0 = inactive, 1 = active
	RecordingBytes  atomic.Uint64
	RecordingFrames atomic.Uint64
	RecorderErrors  atomic.Uint64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

type gauge struct {
	name string
	help string
	v    *atomic.Uint64
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	gauges := []gauge{
		// Ingest
		{"formcheck_frames_ingested_total", "Total poses appended to the track", &m.FramesIngested},
		{"formcheck_frames_absent_total", "Total ticks without a detected subject", &m.FramesAbsent},
		{"formcheck_frames_rejected_total", "Total poses rejected for a non-increasing timestamp", &m.FramesRejected},
		{"formcheck_detector_errors_total", "Total detector failures", &m.DetectorErrors},

		// Analysis
		{"formcheck_reps_closed", "Closed reps in the current session", &m.RepsClosed},
		{"formcheck_criteria_passed", "Passed criteria across reps of the current session", &m.CriteriaPassed},
		{"formcheck_criteria_failed", "Failed criteria across reps of the current session", &m.CriteriaFailed},
		{"formcheck_criteria_indeterminate", "Criteria with missing keypoints in the current session", &m.CriteriaUnresolved},

		// Latency
		{"formcheck_process_latency_us", "Last ingest and analysis latency in microseconds", &m.ProcessLatencyUs},
		{"formcheck_render_latency_us", "Last overlay render latency in microseconds", &m.RenderLatencyUs},

		// Rendering
		{"formcheck_frames_rendered_total", "Total overlay frames rendered", &m.FramesRendered},
		{"formcheck_render_errors_total", "Total overlay render or encode errors", &m.RenderErrors},

		// Fanout
		{"formcheck_sse_clients", "Connected analysis SSE clients", &m.SSEClients},
		{"formcheck_active_clients", "Number of active WebRTC clients", &m.ActiveClients},
		{"formcheck_total_clients", "Total WebRTC clients connected", &m.TotalClients},
		{"formcheck_datachannel_sent_total", "Analysis messages sent over WebRTC data channels", &m.DataChannelSent},
		{"formcheck_datachannel_dropped_total", "Analysis messages dropped for slow WebRTC peers", &m.DataChannelDropped},
		{"formcheck_mqtt_published_total", "Analysis messages published to MQTT", &m.MQTTPublished},
		{"formcheck_mqtt_errors_total", "MQTT publish failures", &m.MQTTErrors},
		{"formcheck_session_resets_total", "Sessions reset", &m.SessionResets},

		// Recording
		{"formcheck_recording_active", "Recording active (0=inactive, 1=active)", &m.RecordingActive},
		{"formcheck_recording_bytes", "Total bytes written to recording", &m.RecordingBytes},
		{"formcheck_recording_frames", "Total poses written to recording", &m.RecordingFrames},
		{"formcheck_recorder_errors_total", "Total recording write errors", &m.RecorderErrors},
	}

	for _, g := range gauges {
		v := g.v
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(v.Load()) },
		))
	}
}

// UpdateProcessLatency records the latest ingest+analysis duration
func (m *Metrics) UpdateProcessLatency(d time.Duration) {
	m.ProcessLatencyUs.Store(uint64(d.Microseconds()))
}

// UpdateRenderLatency records the latest overlay render duration
func (m *Metrics) UpdateRenderLatency(d time.Duration) {
	m.RenderLatencyUs.Store(uint64(d.Microseconds()))
}

// UpdateVerdicts replaces the per-session verdict gauges
func (m *Metrics) UpdateVerdicts(reps, pass, fail, indeterminate int) {
	m.RepsClosed.Store(uint64(reps))
	m.CriteriaPassed.Store(uint64(pass))
	m.CriteriaFailed.Store(uint64(fail))
	m.CriteriaUnresolved.Store(uint64(indeterminate))
}

// Gather returns the current value of every registered metric, keyed by name.
func (m *Metrics) Gather() (map[string]float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(families))
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			if g := metric.GetGauge(); g != nil {
				out[f.GetName()] = g.GetValue()
			}
		}
	}
	return out, nil
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts a dedicated metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
