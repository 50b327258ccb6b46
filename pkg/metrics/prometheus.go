package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the call client.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session Metrics
	sessionsTotal   *prometheus.CounterVec
	sessionsActive  prometheus.Gauge
	callDuration    prometheus.Histogram
	leaveTimeouts   prometheus.Counter
	stateTransition *prometheus.CounterVec

	// Translation Metrics
	translationEvents *prometheus.CounterVec
	malformedEvents   *prometheus.CounterVec
	muteCommands      *prometheus.CounterVec

	// Token Metrics
	tokenRenewals *prometheus.CounterVec

	// Signaling Metrics
	signalingMessages *prometheus.CounterVec
	signalingUp       prometheus.Gauge

	// Bridge HTTP Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewMetrics creates and registers all metrics on reg. Passing a fresh registry per
// coordinator keeps concurrent instances (tests, multi-account shells) independent.
func NewMetrics(serviceName string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	constLabels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		sessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_sessions_total",
				Help:        "Total number of call sessions by outcome",
				ConstLabels: constLabels,
			},
			[]string{"outcome"},
		),
		sessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "call_sessions_active",
				Help:        "Number of call sessions in the Active state",
				ConstLabels: constLabels,
			},
		),
		callDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "call_duration_seconds",
				Help:        "Call duration measured from transport join to leave",
				ConstLabels: constLabels,
				Buckets:     []float64{5, 30, 60, 300, 900, 1800, 3600, 7200},
			},
		),
		leaveTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "call_leave_timeouts_total",
				Help:        "Leaves that were force-completed without transport confirmation",
				ConstLabels: constLabels,
			},
		),
		stateTransition: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_state_transitions_total",
				Help:        "Session state transitions",
				ConstLabels: constLabels,
			},
			[]string{"from", "to"},
		),
		translationEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "translation_events_total",
				Help:        "Translation lifecycle events by type and handling result",
				ConstLabels: constLabels,
			},
			[]string{"event", "result"},
		),
		malformedEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_malformed_events_total",
				Help:        "Signaling events dropped because required fields were missing",
				ConstLabels: constLabels,
			},
			[]string{"event"},
		),
		muteCommands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "audio_mute_commands_total",
				Help:        "Commands sent to the audio transport by kind",
				ConstLabels: constLabels,
			},
			[]string{"kind"},
		),
		tokenRenewals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "token_renewals_total",
				Help:        "Credential renewal attempts by status",
				ConstLabels: constLabels,
			},
			[]string{"status"},
		),
		signalingMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_messages_total",
				Help:        "Signaling messages by event and direction",
				ConstLabels: constLabels,
			},
			[]string{"event", "direction"},
		),
		signalingUp: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "signaling_connected",
				Help:        "1 while the signaling socket is connected",
				ConstLabels: constLabels,
			},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "bridge_http_requests_total",
				Help:        "Total number of UI bridge HTTP requests",
				ConstLabels: constLabels,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "bridge_http_request_duration_seconds",
				Help:        "UI bridge HTTP request latency",
				ConstLabels: constLabels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "bridge_http_requests_in_flight",
				Help:        "UI bridge HTTP requests being served",
				ConstLabels: constLabels,
			},
		),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// Gatherer returns the registry the metrics were registered on, or nil when it
// cannot be gathered from
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return nil
	}
	return m.gatherer
}

// Session Metrics Methods

// RecordSession records a finished or failed session
func (m *Metrics) RecordSession(outcome string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(outcome).Inc()
}

// SessionActivated marks a session as Active
func (m *Metrics) SessionActivated() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionDeactivated records the end of an Active session and its duration
func (m *Metrics) SessionDeactivated(duration time.Duration) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.callDuration.Observe(duration.Seconds())
}

// RecordLeaveTimeout records a leave that was not confirmed by the transport
func (m *Metrics) RecordLeaveTimeout() {
	if m == nil {
		return
	}
	m.leaveTimeouts.Inc()
}

// RecordTransition records a state machine transition
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.stateTransition.WithLabelValues(from, to).Inc()
}

// Translation Metrics Methods

// RecordTranslationEvent records a translation event and how it was handled
func (m *Metrics) RecordTranslationEvent(event, result string) {
	if m == nil {
		return
	}
	m.translationEvents.WithLabelValues(event, result).Inc()
}

// RecordMalformedEvent records a dropped malformed event
func (m *Metrics) RecordMalformedEvent(event string) {
	if m == nil {
		return
	}
	m.malformedEvents.WithLabelValues(event).Inc()
}

// RecordMuteCommand records a command sent to the audio transport
func (m *Metrics) RecordMuteCommand(kind string) {
	if m == nil {
		return
	}
	m.muteCommands.WithLabelValues(kind).Inc()
}

// Token Metrics Methods

// RecordTokenRenewal records a renewal attempt
func (m *Metrics) RecordTokenRenewal(status string) {
	if m == nil {
		return
	}
	m.tokenRenewals.WithLabelValues(status).Inc()
}

// Signaling Metrics Methods

// RecordSignalingMessage records a signaling message
func (m *Metrics) RecordSignalingMessage(event, direction string) {
	if m == nil {
		return
	}
	m.signalingMessages.WithLabelValues(event, direction).Inc()
}

// SetSignalingConnected sets the signaling connection gauge
func (m *Metrics) SetSignalingConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.signalingUp.Set(1)
		return
	}
	m.signalingUp.Set(0)
}

// HTTP Metrics Methods

// RecordHTTPRequest records a served bridge request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the in-flight gauge
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the in-flight gauge
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Dec()
}
