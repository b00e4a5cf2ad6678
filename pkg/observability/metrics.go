package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session Metrics
var (
	SessionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vessel_agent_session_state",
			Help: "1 for the current control-plane session state, 0 otherwise",
		},
		[]string{"state"}, // disconnected, connecting, connected, closing
	)

	ConnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vessel_agent_connect_attempts_total",
			Help: "Total number of control-plane connection attempts",
		},
		[]string{"result"}, // success, failure
	)

	ReconnectBackoffSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vessel_agent_reconnect_backoff_seconds",
			Help: "Delay before the next scheduled reconnect",
		},
	)

	StaleSessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vessel_agent_stale_sessions_total",
			Help: "Sessions force-closed after the pong timeout elapsed",
		},
	)

	FramesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vessel_agent_frames_sent_total",
			Help: "Outbound frames by type and outcome",
		},
		[]string{"type", "result"}, // result: sent, dropped, error
	)

	FramesRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vessel_agent_frames_rejected_total",
			Help: "Inbound frames dropped before dispatch",
		},
		[]string{"reason"}, // decode, missing_identity, malformed_identity, identity_mismatch
	)
)

// Admission Metrics
var (
	CreditsCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vessel_agent_credits_capacity",
			Help: "Maximum number of commands allowed in flight",
		},
	)

	CreditsInflight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vessel_agent_credits_inflight",
			Help: "Commands currently executing",
		},
	)

	CommandsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vessel_agent_commands_dropped_total",
			Help: "Commands dropped because no credit was available",
		},
		[]string{"action"},
	)

	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vessel_agent_commands_total",
			Help: "Command results by action and outcome",
		},
		[]string{"action", "result"}, // result: ok, error
	)

	CommandDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vessel_agent_command_duration_seconds",
			Help:    "Wall time from admission to release",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"action"},
	)
)

// Cluster API Metrics
var (
	KubeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vessel_agent_kube_requests_total",
			Help: "Cluster API requests by method and status code",
		},
		[]string{"method", "code"},
	)

	KubeRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vessel_agent_kube_request_duration_seconds",
			Help:    "Cluster API request latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"method"},
	)
)

// System Metrics
var (
	AgentInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vessel_agent_info",
			Help: "Build and identity information about the agent",
		},
		[]string{"version", "identity", "mode"},
	)
)

var sessionStates = []string{"disconnected", "connecting", "connected", "closing"}

// SetSessionState flips the session state gauge to the given state
func SetSessionState(state string) {
	for _, s := range sessionStates {
		if s == state {
			SessionState.WithLabelValues(s).Set(1)
		} else {
			SessionState.WithLabelValues(s).Set(0)
		}
	}
}
