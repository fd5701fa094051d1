package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActivePeers        = promauto.NewGauge(prometheus.GaugeOpts{Name: "punchhole_active_peers", Help: "Peers currently present in the registry"})
	ControlConnections = promauto.NewGauge(prometheus.GaugeOpts{Name: "punchhole_control_connections", Help: "Open control connections"})
	RegistrationsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "punchhole_registrations_total", Help: "Registration messages accepted"})
	RelayQueueDepth    = promauto.NewGauge(prometheus.GaugeOpts{Name: "punchhole_relay_queue_depth", Help: "Commands waiting in the relay dispatcher inbox"})
	RelayDelivered     = promauto.NewCounter(prometheus.CounterOpts{Name: "punchhole_relay_delivered_total", Help: "Peer lists written to control connections"})
	RelayFailures      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "punchhole_relay_failures_total", Help: "Relay deliveries that failed, by reason"}, []string{"reason"})
	ErrorsTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "punchhole_errors_total", Help: "Errors by type"}, []string{"type"})

	PunchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "punchhole_punch_attempts_total", Help: "Outbound connect attempts by candidate path"}, []string{"path"})
	PunchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "punchhole_punch_outcomes_total", Help: "Punch sessions by final state and winning path"}, []string{"state", "path"})
	PunchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "punchhole_punch_duration_seconds", Help: "Time from racing start to a decided session", Buckets: prometheus.ExponentialBuckets(0.005, 2, 14)})
)
