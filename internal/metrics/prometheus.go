package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the transcription service
type Metrics struct {
	// Websocket connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	MessagesReceived  prometheus.Counter
	ProtocolErrors    prometheus.Counter

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsReaped  prometheus.Counter
	SessionDuration prometheus.Histogram

	// Audio ingest metrics
	FramesReceived prometheus.Counter
	FramesBuffered prometheus.Counter
	FramesInvalid  prometheus.Counter
	BytesReceived  prometheus.Counter

	// Chunk metrics
	ChunksFlushed prometheus.Counter
	ChunkDuration prometheus.Histogram
	ChunkSize     prometheus.Histogram

	// Transcription metrics
	TranscriptionRequests *prometheus.CounterVec
	TranscriptionFailures prometheus.Counter
	TranscriptionRetries  prometheus.Counter
	TranscriptionDuration prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "scope_ws_connections_active",
			Help: "Current number of open websocket connections",
		}),
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scope_ws_connections_total",
			Help: "Total number of websocket connections accepted",
		}),
		MessagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scope_ws_messages_received_total",
			Help: "Total number of websocket messages received",
		}),
		ProtocolErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scope_protocol_errors_total",
			Help: "Total number of malformed inbound messages",
		}),

		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "scope_sessions_active",
			Help: "Current number of active transcription sessions",
		}),
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scope_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsReaped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scope_sessions_reaped_total",
			Help: "Total number of idle sessions closed by the reaper",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "scope_session_duration_seconds",
			Help:    "Duration of transcription sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),

		FramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scope_audio_frames_received_total",
			Help: "Total number of audio frames appended to chunk buffers",
		}),
		FramesBuffered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scope_audio_frames_buffered_total",
			Help: "Total number of audio frames queued while a session was paused",
		}),
		FramesInvalid: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scope_audio_frames_invalid_total",
			Help: "Total number of audio frames rejected by WAV validation",
		}),
		BytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scope_audio_bytes_received_total",
			Help: "Total PCM bytes appended to chunk buffers",
		}),

		ChunksFlushed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scope_chunks_flushed_total",
			Help: "Total number of finalized audio chunks handed to transcription",
		}),
		ChunkDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "scope_chunk_duration_seconds",
			Help:    "Audio duration of finalized chunks",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to ~1 minute
		}),
		ChunkSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "scope_chunk_size_bytes",
			Help:    "Size of finalized chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 14), // 1KB to ~16MB
		}),

		TranscriptionRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scope_transcription_requests_total",
			Help: "Total number of completed transcription requests by source",
		}, []string{"source"}),
		TranscriptionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scope_transcription_failures_total",
			Help: "Total number of chunks that failed transcription after retries and fallback",
		}),
		TranscriptionRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scope_transcription_retries_total",
			Help: "Total number of transcription request retries",
		}),
		TranscriptionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "scope_transcription_duration_seconds",
			Help:    "Wall clock duration of transcription requests including retries",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scope_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scope_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordConnectionOpened tracks a new websocket connection
func (m *Metrics) RecordConnectionOpened() {
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

// RecordConnectionClosed tracks a websocket connection going away
func (m *Metrics) RecordConnectionClosed() {
	m.ConnectionsActive.Dec()
}

// RecordMessage increments the inbound message counter
func (m *Metrics) RecordMessage() {
	m.MessagesReceived.Inc()
}

// RecordProtocolError increments the malformed message counter
func (m *Metrics) RecordProtocolError() {
	m.ProtocolErrors.Inc()
}

// RecordSessionCreated tracks a new session
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionClosed tracks a session ending and records its duration
func (m *Metrics) RecordSessionClosed(durationSeconds float64, reaped bool) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
	if reaped {
		m.SessionsReaped.Inc()
	}
}

// RecordFrameReceived tracks a frame appended to a chunk buffer
func (m *Metrics) RecordFrameReceived(pcmBytes int) {
	m.FramesReceived.Inc()
	m.BytesReceived.Add(float64(pcmBytes))
}

// RecordFrameBuffered tracks a frame queued during pause
func (m *Metrics) RecordFrameBuffered() {
	m.FramesBuffered.Inc()
}

// RecordFrameInvalid tracks a frame rejected by validation
func (m *Metrics) RecordFrameInvalid() {
	m.FramesInvalid.Inc()
}

// RecordChunkFlushed records a finalized chunk
func (m *Metrics) RecordChunkFlushed(durationSeconds float64, sizeBytes int64) {
	m.ChunksFlushed.Inc()
	m.ChunkDuration.Observe(durationSeconds)
	m.ChunkSize.Observe(float64(sizeBytes))
}

// RecordTranscription records a completed transcription by source
func (m *Metrics) RecordTranscription(source string, durationSeconds float64) {
	m.TranscriptionRequests.WithLabelValues(source).Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a chunk that produced no transcript
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionRetry increments the retry counter
func (m *Metrics) RecordTranscriptionRetry() {
	m.TranscriptionRetries.Inc()
}
