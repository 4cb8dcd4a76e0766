package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_connector_active_sessions",
		Help: "Number of active recognition sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_connector_sessions_total",
		Help: "Total number of recognition sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_connector_session_duration_seconds",
		Help:    "Duration of recognition sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	sessionStates = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_connector_session_state",
		Help: "Number of sessions in each connection state",
	}, []string{"state"})

	// Audio metrics
	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_connector_frames_total",
		Help: "Audio frames by outcome",
	}, []string{"outcome"}) // queued, sent, dropped

	audioBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_connector_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"

	decodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_connector_decode_failures_total",
		Help: "Frames sent raw after a codec decode failure",
	}, []string{"codec"})

	flowWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_connector_flow_wait_seconds",
		Help:    "Pacing delay imposed by flow control before a frame is sent",
		Buckets: []float64{0.005, 0.01, 0.02, 0.05, 0.1, 0.25, 0.5, 1.0},
	})

	// Transcript metrics
	transcripts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_connector_transcripts_total",
		Help: "Transcript events by kind",
	}, []string{"kind"}) // phrase, partial

	// Connection metrics
	reconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_connector_reconnect_attempts_total",
		Help: "Connection attempts that failed and were retried",
	})

	connectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_connector_connection_errors_total",
		Help: "Connection errors by stage",
	}, []string{"stage"})

	connectionHealth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_connector_connection_health",
		Help:    "Flow controller health multiplier observed after each stream",
		Buckets: []float64{0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})

	// Call metrics
	activeCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_connector_active_calls",
		Help: "Number of active RTP calls",
	})

	totalCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_connector_calls_total",
		Help: "Total number of RTP calls processed",
	})

	callDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_connector_call_duration_seconds",
		Help:    "Duration of RTP calls in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_connector_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})
)

// SessionMetrics tracks metrics for a single recognition session
type SessionMetrics struct {
	startTime time.Time
	state     string
	started   bool
	mu        sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics() *SessionMetrics {
	return &SessionMetrics{}
}

// RecordSessionStart records the start of a session
func (m *SessionMetrics) RecordSessionStart() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return
	}
	m.started = true
	m.startTime = time.Now()
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session and releases its state gauge
func (m *SessionMetrics) RecordSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return
	}
	m.started = false
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
	if m.state != "" {
		sessionStates.WithLabelValues(m.state).Dec()
		m.state = ""
	}
}

// RecordStateChange moves the session between state gauges
func (m *SessionMetrics) RecordStateChange(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == state {
		return
	}
	if m.state != "" {
		sessionStates.WithLabelValues(m.state).Dec()
	}
	sessionStates.WithLabelValues(state).Inc()
	m.state = state
}

// RecordFrameQueued records a frame accepted by Send
func (m *SessionMetrics) RecordFrameQueued(bytes int) {
	framesTotal.WithLabelValues("queued").Inc()
	audioBytes.WithLabelValues("in").Add(float64(bytes))
}

// RecordFrameDropped records a frame evicted from a full queue
func (m *SessionMetrics) RecordFrameDropped() {
	framesTotal.WithLabelValues("dropped").Inc()
}

// RecordFrameSent records a frame written to the transport
func (m *SessionMetrics) RecordFrameSent(bytes int) {
	framesTotal.WithLabelValues("sent").Inc()
	audioBytes.WithLabelValues("out").Add(float64(bytes))
}

// RecordDecodeFailure records a frame sent raw after a decode error
func (m *SessionMetrics) RecordDecodeFailure(codec string) {
	decodeFailures.WithLabelValues(codec).Inc()
}

// RecordFlowWait records a pacing delay
func (m *SessionMetrics) RecordFlowWait(d time.Duration) {
	flowWait.Observe(d.Seconds())
}

// RecordPhrase records a completed phrase
func (m *SessionMetrics) RecordPhrase() {
	transcripts.WithLabelValues("phrase").Inc()
}

// RecordPartial records an interim hypothesis
func (m *SessionMetrics) RecordPartial() {
	transcripts.WithLabelValues("partial").Inc()
}

// RecordReconnectAttempt records a failed connection attempt
func (m *SessionMetrics) RecordReconnectAttempt() {
	reconnectAttempts.Inc()
}

// RecordConnectionError records an error at a connection stage
func (m *SessionMetrics) RecordConnectionError(stage string) {
	connectionErrors.WithLabelValues(stage).Inc()
}

// RecordHealth records the flow controller health multiplier
func (m *SessionMetrics) RecordHealth(health float64) {
	connectionHealth.Observe(health)
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// CallMetrics tracks metrics for a single RTP call
type CallMetrics struct {
	callID    string
	startTime time.Time
	once      sync.Once
}

// NewCallMetrics creates a new metrics tracker for a call
func NewCallMetrics(callID string) *CallMetrics {
	return &CallMetrics{
		callID:    callID,
		startTime: time.Now(),
	}
}

// RecordCallStart records the start of a call
func (m *CallMetrics) RecordCallStart() {
	activeCalls.Inc()
	totalCalls.Inc()
}

// RecordCallEnd records the end of a call. Only the first call counts.
func (m *CallMetrics) RecordCallEnd() {
	m.once.Do(func() {
		activeCalls.Dec()
		callDuration.Observe(time.Since(m.startTime).Seconds())
	})
}

// RecordError records an error
func (m *CallMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}
