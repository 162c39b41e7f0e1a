package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server. A nil *Metrics is
// tolerated everywhere so tests can skip registration.
type Metrics struct {
	activeConnections prometheus.Gauge
	onlineUsers       prometheus.Gauge
	connectionsTotal  prometheus.Counter

	framesReceived *prometheus.CounterVec
	framesSent     *prometheus.CounterVec

	messagesRelayed prometheus.Counter
	relayFailures   *prometheus.CounterVec
	rateLimited     prometheus.Counter

	authSuccess  prometheus.Counter
	authFailures *prometheus.CounterVec
}

// NewMetrics creates and registers the metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		activeConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_active_connections",
				Help: "Current number of open client connections",
			},
		),
		onlineUsers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_online_users",
				Help: "Current number of authenticated users",
			},
		),
		connectionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_connections_total",
				Help: "Total number of accepted client connections",
			},
		),
		framesReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_frames_received_total",
				Help: "Total frames received from clients by message kind",
			},
			[]string{"type"},
		),
		framesSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_frames_sent_total",
				Help: "Total frames sent to clients by message kind",
			},
			[]string{"type"},
		),
		messagesRelayed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_messages_relayed_total",
				Help: "Total point-to-point messages relayed to an online recipient",
			},
		),
		relayFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_relay_failures_total",
				Help: "Total routing failures by cause (offline, write)",
			},
			[]string{"cause"},
		),
		rateLimited: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_messages_rate_limited_total",
				Help: "Total messages rejected by the per-connection rate limit",
			},
		),
		authSuccess: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_auth_success_total",
				Help: "Total successful authentications",
			},
		),
		authFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_auth_failures_total",
				Help: "Total rejected authentication attempts by reason",
			},
			[]string{"reason"},
		),
	}
}

func (m *Metrics) RecordConnectionOpened(active int) {
	m.connectionsTotal.Inc()
	m.activeConnections.Set(float64(active))
}

func (m *Metrics) RecordConnectionClosed(active int) {
	m.activeConnections.Set(float64(active))
}

func (m *Metrics) RecordOnlineUsers(count int) {
	m.onlineUsers.Set(float64(count))
}

func (m *Metrics) RecordFrameReceived(typeName string) {
	m.framesReceived.WithLabelValues(typeName).Inc()
}

func (m *Metrics) RecordFrameSent(typeName string) {
	m.framesSent.WithLabelValues(typeName).Inc()
}

func (m *Metrics) RecordMessageRelayed() {
	m.messagesRelayed.Inc()
}

func (m *Metrics) RecordRelayFailure(cause string) {
	m.relayFailures.WithLabelValues(cause).Inc()
}

func (m *Metrics) RecordRateLimited() {
	m.rateLimited.Inc()
}

func (m *Metrics) RecordAuthSuccess() {
	m.authSuccess.Inc()
}

func (m *Metrics) RecordAuthFailure(reason string) {
	m.authFailures.WithLabelValues(reason).Inc()
}
