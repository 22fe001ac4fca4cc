package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the screen sharing core.
//
// Naming convention: namespace_subsystem_name
// - namespace: screenshare
// - subsystem: signaling, webrtc, sharing, capture, redis, http
// - name: specific metric (messages_total, sessions_active, etc.)

const namespace = "screenshare"

var (
	// SignalingMessages counts messages sent and received by type and outcome.
	// direction: sent|received, status: ok|error|ignored
	SignalingMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signaling",
		Name:      "messages_total",
		Help:      "Total signaling messages by direction, type and status",
	}, []string{"direction", "type", "status"})

	// DroppedMessages counts deliveries dropped because a buffer was full.
	DroppedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signaling",
		Name:      "dropped_total",
		Help:      "Signaling messages dropped because a consumer buffer was full",
	}, []string{"buffer"})

	// ActiveSessions tracks sessions held by this process's signaling broker.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "signaling",
		Name:      "sessions_active",
		Help:      "Current number of signaling sessions",
	})

	// ActiveListeners tracks registered (session, user) listeners.
	ActiveListeners = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "signaling",
		Name:      "listeners_active",
		Help:      "Current number of signaling listeners",
	})

	// NegotiationOutcomes counts offer/answer steps. step: offer|answer|apply-answer|ice
	NegotiationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webrtc",
		Name:      "negotiation_total",
		Help:      "Negotiation steps by step and status",
	}, []string{"step", "status"})

	// ConnectionStates counts peer connection state transitions.
	ConnectionStates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webrtc",
		Name:      "connection_state_transitions_total",
		Help:      "Peer connection state transitions",
	}, []string{"state"})

	// NegotiationDuration measures time from StartHosting/JoinSession to connected.
	NegotiationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sharing",
		Name:      "time_to_connect_seconds",
		Help:      "Time from session start to a connected peer",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"role"})

	// SharingPhases counts orchestrator phase transitions.
	SharingPhases = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sharing",
		Name:      "phase_transitions_total",
		Help:      "Sharing session phase transitions",
	}, []string{"from", "to"})

	// CaptureFailures counts capture errors by reason.
	CaptureFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "failures_total",
		Help:      "Screen capture failures by reason",
	}, []string{"reason"})

	// CircuitBreakerState is 0 closed, 1 half-open, 2 open.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "redis",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"name"})

	// CircuitBreakerFailures counts calls rejected or failed behind the breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis",
		Name:      "circuit_breaker_failures_total",
		Help:      "Redis operations rejected by an open circuit breaker",
	}, []string{"name"})

	// RedisOperationsTotal counts redis calls by operation and status.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Redis operations by operation and status",
	}, []string{"operation", "status"})

	// RedisOperationDuration measures redis call latency.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "redis",
		Name:      "operation_seconds",
		Help:      "Redis operation latency",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
	}, []string{"operation"})

	// RateLimitRejections counts HTTP requests rejected by the limiter.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "rate_limit_rejections_total",
		Help:      "HTTP requests rejected by the rate limiter",
	}, []string{"route"})
)
