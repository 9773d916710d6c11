package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	// Session metrics
	activeSessions       prometheus.Gauge
	pendingSessions      prometheus.Gauge
	sessionsCreated      *prometheus.CounterVec // by transport
	sessionsDisconnected prometheus.Counter
	sessionsKicked       prometheus.Counter
	connectionsRejected  prometheus.Counter
	listenOverflows      prometheus.Counter

	// Message metrics
	messagesReceived *prometheus.CounterVec // by message type
	messagesSent     *prometheus.CounterVec // by message type
	protocolErrors   prometheus.Counter
	unicastDropped   prometheus.Counter

	// Broadcast metrics
	broadcastFanout   prometheus.Histogram
	broadcastDuration prometheus.Histogram

	// Account metrics
	registrations *prometheus.CounterVec // by outcome
	logins        *prometheus.CounterVec // by outcome
}

// NewMetrics registers the server metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatroom_active_sessions",
			Help: "Current number of authenticated sessions",
		}),
		pendingSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatroom_pending_sessions",
			Help: "Current number of connected but unauthenticated sessions",
		}),
		sessionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatroom_sessions_created_total",
			Help: "Total number of sessions created by transport",
		}, []string{"transport"}),
		sessionsDisconnected: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatroom_sessions_disconnected_total",
			Help: "Total number of sessions disconnected",
		}),
		sessionsKicked: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatroom_sessions_kicked_total",
			Help: "Total number of sessions superseded by a newer login to the same account",
		}),
		connectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatroom_connections_rejected_total",
			Help: "Total number of connections refused because the server was full",
		}),
		listenOverflows: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatroom_listen_overflows_total",
			Help: "Connections the kernel dropped because the listen backlog was full",
		}),
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatroom_messages_received_total",
			Help: "Total number of messages received from clients by type",
		}, []string{"type"}),
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatroom_messages_sent_total",
			Help: "Total number of messages sent to clients by type",
		}, []string{"type"}),
		protocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatroom_protocol_errors_total",
			Help: "Total number of envelopes whose body could not be decoded",
		}),
		unicastDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatroom_private_messages_dropped_total",
			Help: "Total number of private messages dropped because the receiver was offline",
		}),
		broadcastFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatroom_broadcast_fanout",
			Help:    "Number of sessions that received each broadcast message",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000},
		}),
		broadcastDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatroom_broadcast_duration_seconds",
			Help:    "Time taken to deliver a broadcast to all sessions",
			Buckets: prometheus.DefBuckets,
		}),
		registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatroom_registrations_total",
			Help: "Total number of registration attempts by outcome",
		}, []string{"outcome"}),
		logins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatroom_logins_total",
			Help: "Total number of login attempts by outcome",
		}, []string{"outcome"}),
	}
}

// All Record methods tolerate a nil receiver so components can run without metrics.

// RecordSessionCounts updates the authenticated and pending session gauges
func (m *Metrics) RecordSessionCounts(active, pending int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(active))
	m.pendingSessions.Set(float64(pending))
}

// RecordSessionCreated increments the session creation counter
func (m *Metrics) RecordSessionCreated(transport string) {
	if m == nil {
		return
	}
	m.sessionsCreated.WithLabelValues(transport).Inc()
}

// RecordSessionDisconnected increments the session disconnection counter
func (m *Metrics) RecordSessionDisconnected() {
	if m == nil {
		return
	}
	m.sessionsDisconnected.Inc()
}

func (m *Metrics) RecordSessionKicked() {
	if m == nil {
		return
	}
	m.sessionsKicked.Inc()
}

func (m *Metrics) RecordConnectionRejected() {
	if m == nil {
		return
	}
	m.connectionsRejected.Inc()
}

func (m *Metrics) RecordListenOverflows(n uint64) {
	if m == nil {
		return
	}
	m.listenOverflows.Add(float64(n))
}

// RecordMessageReceived increments the message received counter for a type
func (m *Metrics) RecordMessageReceived(messageType string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(messageType).Inc()
}

// RecordMessageSent increments the message sent counter for a type
func (m *Metrics) RecordMessageSent(messageType string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(messageType).Inc()
}

func (m *Metrics) RecordProtocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

func (m *Metrics) RecordUnicastDropped() {
	if m == nil {
		return
	}
	m.unicastDropped.Inc()
}

// RecordBroadcast records how many sessions received a broadcast and how long it took
func (m *Metrics) RecordBroadcast(recipients int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.broadcastFanout.Observe(float64(recipients))
	m.broadcastDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordRegistration(outcome string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordLogin(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}
