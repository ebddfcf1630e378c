// Package metrics exposes Prometheus instrumentation for the voice client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics of the voice client. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// Capture path
	FramesSent prometheus.Counter
	SendErrors prometheus.Counter

	// Playback path
	ChunksScheduled prometheus.Counter
	DecodeErrors    prometheus.Counter
	Interruptions   prometheus.Counter
	LiveSources     prometheus.Gauge
	ChunkDuration   prometheus.Histogram

	// Session lifecycle
	Sessions *prometheus.CounterVec
}

// New creates and registers all metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_frames_sent_total",
			Help: "Total number of captured frames submitted to the agent",
		}),
		SendErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_send_errors_total",
			Help: "Total number of failed frame submissions",
		}),
		ChunksScheduled: f.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_chunks_scheduled_total",
			Help: "Total number of audio chunks scheduled for playback",
		}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_decode_errors_total",
			Help: "Total number of inbound audio parts that failed to decode",
		}),
		Interruptions: f.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_interruptions_total",
			Help: "Total number of interruption signals received from the agent",
		}),
		LiveSources: f.NewGauge(prometheus.GaugeOpts{
			Name: "livevoice_live_sources",
			Help: "Current number of scheduled or playing audio chunks",
		}),
		ChunkDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "livevoice_chunk_duration_seconds",
			Help:    "Duration of scheduled audio chunks",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		}),
		Sessions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livevoice_sessions_total",
			Help: "Total number of connect attempts by result",
		}, []string{"result"}),
	}
}

// FrameSent records a submitted frame.
func (m *Metrics) FrameSent() {
	if m != nil {
		m.FramesSent.Inc()
	}
}

// SendFailed records a failed submission.
func (m *Metrics) SendFailed() {
	if m != nil {
		m.SendErrors.Inc()
	}
}

// ChunkScheduled records a scheduled chunk of the given length in seconds.
func (m *Metrics) ChunkScheduled(seconds float64) {
	if m != nil {
		m.ChunksScheduled.Inc()
		m.ChunkDuration.Observe(seconds)
	}
}

// DecodeFailed records an inbound part that could not be decoded.
func (m *Metrics) DecodeFailed() {
	if m != nil {
		m.DecodeErrors.Inc()
	}
}

// Interrupted records an interruption signal.
func (m *Metrics) Interrupted() {
	if m != nil {
		m.Interruptions.Inc()
	}
}

// SetLiveSources reports the current size of the live-source set.
func (m *Metrics) SetLiveSources(n int) {
	if m != nil {
		m.LiveSources.Set(float64(n))
	}
}

// SessionResult records the outcome of a connect attempt: "connected",
// "failed" or "discarded".
func (m *Metrics) SessionResult(result string) {
	if m != nil {
		m.Sessions.WithLabelValues(result).Inc()
	}
}
