package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
// These ensure metrics don't have unbounded label values which can cause memory issues.
const (
	// Message drop reasons (bounded set)
	DropReasonOverflow         = "overflow"
	DropReasonUnknownRecipient = "unknown_recipient"
	DropReasonValidation       = "validation"

	// Recovery actions (bounded set)
	RecoveryActionRetry                = "retry"
	RecoveryActionPeerTakeover         = "peer_takeover"
	RecoveryActionEscalateToSupervisor = "escalate_to_supervisor"
	RecoveryActionEscalateToTop        = "escalate_to_top"
)

// NormalizeDropReason maps arbitrary drop reasons to the bounded set
func NormalizeDropReason(reason string) string {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "overflow") || strings.Contains(lower, "full"):
		return DropReasonOverflow
	case strings.Contains(lower, "unknown") || strings.Contains(lower, "unregistered"):
		return DropReasonUnknownRecipient
	default:
		return DropReasonValidation
	}
}

// Heartbeat Metrics
var (
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cadre_ticks_total",
		Help: "Total number of heartbeat ticks emitted",
	})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cadre_tick_duration_ms",
		Help:    "Duration of a full tick fan-out in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	AgentTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadre_agent_timeouts_total",
		Help: "Total number of agent liveness timeouts detected",
	}, []string{"agent_id"})
)

// Message Bus Metrics
var (
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadre_messages_sent_total",
		Help: "Total number of messages sent through the bus by kind",
	}, []string{"kind"})

	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadre_messages_dropped_total",
		Help: "Total number of messages dropped by the bus by reason",
	}, []string{"reason"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cadre_queue_depth",
		Help: "Current inbox depth per agent",
	}, []string{"agent_id"})

	MessagesCompressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cadre_messages_compressed_total",
		Help: "Total number of message payloads compressed by the bus",
	})
)

// Agent Metrics
var (
	AgentsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cadre_agents_by_state",
		Help: "Number of agents per layer and state",
	}, []string{"layer", "state"})

	AgentProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cadre_agent_processing_duration_ms",
		Help:    "Per-tick behavior processing duration in milliseconds",
		Buckets: []float64{1, 5, 10, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"layer"})

	PerformanceScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cadre_performance_score",
		Help: "Latest computed performance score per agent (0-100)",
	}, []string{"agent_id"})
)

// Decision Engine Metrics
var (
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadre_decisions_total",
		Help: "Total decisions by type and terminal status",
	}, []string{"type", "status"})

	Signatures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cadre_signatures_total",
		Help: "Total signatures collected",
	})

	Vetoes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cadre_vetoes_total",
		Help: "Total vetoes recorded",
	})

	Appeals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadre_appeals_total",
		Help: "Total appeals by result",
	}, []string{"result"})

	DecisionReminders = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cadre_decision_reminders_total",
		Help: "Total signature reminders sent",
	})
)

// Accountability and Election Metrics
var (
	Warnings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cadre_warnings_total",
		Help: "Total warnings issued",
	})

	Demotions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cadre_demotions_total",
		Help: "Total demotions",
	})

	Dismissals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cadre_dismissals_total",
		Help: "Total dismissals",
	})

	Promotions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cadre_promotions_total",
		Help: "Total promotions",
	})

	ElectionActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadre_election_actions_total",
		Help: "Total election actions by kind",
	}, []string{"action"})

	ElectionRounds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cadre_election_rounds_total",
		Help: "Total election rounds run",
	})
)

// Recovery Metrics
var (
	RecoveryActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadre_recovery_actions_total",
		Help: "Total recovery actions by kind",
	}, []string{"action"})

	AgentErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadre_agent_errors_total",
		Help: "Total behavior errors by classified severity",
	}, []string{"severity"})

	ExecutorDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cadre_executor_duration_ms",
		Help:    "Executor invocation duration in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cadre_circuit_breaker_state",
		Help: "Circuit breaker state (0 = closed, 1 = half-open, 2 = open)",
	}, []string{"breaker"})

	CircuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadre_circuit_breaker_trips_total",
		Help: "Total circuit breaker trips",
	}, []string{"breaker"})
)

// Blackboard Metrics
var (
	BlackboardReads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cadre_blackboard_reads_total",
		Help: "Total blackboard reads",
	})

	BlackboardWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cadre_blackboard_writes_total",
		Help: "Total successful blackboard writes",
	})

	BlackboardConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadre_blackboard_conflicts_total",
		Help: "Total blackboard failures by kind",
	}, []string{"kind"})

	BlackboardCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cadre_blackboard_cache_hits_total",
		Help: "Total blackboard reads served from cache",
	})
)

// Task Metrics
var (
	TasksByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cadre_tasks_by_status",
		Help: "Number of tasks per status",
	}, []string{"status"})

	TeamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cadre_teams_active",
		Help: "Number of teams currently running",
	})
)

// Infrastructure Metrics
var (
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cadre_api_request_duration_ms",
		Help:    "API request duration in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"method", "path", "status_code"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadre_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status_code"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadre_errors_total",
		Help: "Total number of errors by type",
	}, []string{"type", "component"})

	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cadre_database_query_duration_ms",
		Help:    "Database query duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"query_type"})

	BridgePublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cadre_bridge_messages_published_total",
		Help: "Total messages mirrored to the event bridge",
	})

	BridgeReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cadre_bridge_messages_received_total",
		Help: "Total control messages received from the event bridge",
	})

	AuditLogOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadre_audit_log_operations_total",
		Help: "Total number of audit log operations by event type and status",
	}, []string{"event_type", "status"})

	AuditLogLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cadre_audit_log_latency_ms",
		Help:    "Audit log operation latency in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
	})

	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cadre_database_connections_active",
		Help: "Number of acquired database connections",
	})

	DatabaseConnectionsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cadre_database_connections_idle",
		Help: "Number of idle database connections",
	})

	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadre_redis_operations_total",
		Help: "Total Redis operations by type",
	}, []string{"operation"})

	RedisCacheHitRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cadre_redis_cache_hit_rate",
		Help: "Redis cache hit rate (0-1)",
	})
)

// Helper functions to update metrics

// RecordTick records a heartbeat tick and its fan-out duration
func RecordTick(durationMs float64) {
	TicksTotal.Inc()
	TickDuration.Observe(durationMs)
}

// RecordMessageSent records a successfully routed message
func RecordMessageSent(kind string) {
	MessagesSent.WithLabelValues(kind).Inc()
}

// RecordMessageDropped records a dropped message with normalized reason
func RecordMessageDropped(reason string) {
	MessagesDropped.WithLabelValues(NormalizeDropReason(reason)).Inc()
}

// SetQueueDepth updates the inbox depth gauge for an agent
func SetQueueDepth(agentID string, depth int) {
	QueueDepth.WithLabelValues(agentID).Set(float64(depth))
}

// RecordAgentTimeout records a liveness timeout for an agent
func RecordAgentTimeout(agentID string) {
	AgentTimeouts.WithLabelValues(agentID).Inc()
}

// SetAgentsByState updates the per-layer per-state agent gauge
func SetAgentsByState(layer, state string, count int) {
	AgentsByState.WithLabelValues(layer, state).Set(float64(count))
}

// RecordAgentProcessing records behavior processing duration
func RecordAgentProcessing(layer string, durationMs float64) {
	AgentProcessingDuration.WithLabelValues(layer).Observe(durationMs)
}

// SetPerformanceScore updates the per-agent score gauge
func SetPerformanceScore(agentID string, score int) {
	PerformanceScore.WithLabelValues(agentID).Set(float64(score))
}

// RecordDecision records a decision reaching a terminal status
func RecordDecision(decisionType, status string) {
	Decisions.WithLabelValues(decisionType, status).Inc()
}

// RecordSignature records a collected signature
func RecordSignature() {
	Signatures.Inc()
}

// RecordVeto records a veto
func RecordVeto() {
	Vetoes.Inc()
}

// RecordAppeal records an appeal result ("success" or "failed")
func RecordAppeal(result string) {
	Appeals.WithLabelValues(result).Inc()
}

// RecordDecisionReminder records a signature reminder send
func RecordDecisionReminder() {
	DecisionReminders.Inc()
}

// RecordWarning records an issued warning
func RecordWarning() {
	Warnings.Inc()
}

// RecordDemotion records a demotion
func RecordDemotion() {
	Demotions.Inc()
}

// RecordDismissal records a dismissal
func RecordDismissal() {
	Dismissals.Inc()
}

// RecordPromotion records a promotion
func RecordPromotion() {
	Promotions.Inc()
}

// RecordElection records an election round and its actions
func RecordElection(actions map[string]int) {
	ElectionRounds.Inc()
	for action, count := range actions {
		ElectionActions.WithLabelValues(action).Add(float64(count))
	}
}

// RecordRecoveryAction records a recovery pipeline action
func RecordRecoveryAction(action string) {
	RecoveryActions.WithLabelValues(action).Inc()
}

// RecordAgentError records a classified behavior error
func RecordAgentError(severity string) {
	AgentErrors.WithLabelValues(severity).Inc()
}

// RecordExecutorCall records an executor invocation duration
func RecordExecutorCall(durationMs float64) {
	ExecutorDuration.Observe(durationMs)
}

// SetCircuitBreakerState updates the breaker state gauge
func SetCircuitBreakerState(breaker string, state int) {
	CircuitBreakerState.WithLabelValues(breaker).Set(float64(state))
}

// RecordCircuitBreakerTrip records a breaker opening
func RecordCircuitBreakerTrip(breaker string) {
	CircuitBreakerTrips.WithLabelValues(breaker).Inc()
}

// RecordBlackboardRead records a blackboard read (cached or not)
func RecordBlackboardRead(fromCache bool) {
	BlackboardReads.Inc()
	if fromCache {
		BlackboardCacheHits.Inc()
	}
}

// RecordBlackboardWrite records a successful blackboard write
func RecordBlackboardWrite() {
	BlackboardWrites.Inc()
}

// RecordBlackboardConflict records a blackboard failure by kind
// (lock, version, permission)
func RecordBlackboardConflict(kind string) {
	BlackboardConflicts.WithLabelValues(kind).Inc()
}

// RecordAPIRequest records an API request with duration
func RecordAPIRequest(method, path, statusCode string, durationMs float64) {
	APIRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationMs)
	HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	Errors.WithLabelValues(errorType, component).Inc()
}

// RecordDatabaseQuery records a database query
func RecordDatabaseQuery(queryType string, durationMs float64) {
	DatabaseQueryDuration.WithLabelValues(queryType).Observe(durationMs)
}

// RecordBridgePublish records a message mirrored to NATS
func RecordBridgePublish() {
	BridgePublished.Inc()
}

// RecordBridgeReceive records a control message received from NATS
func RecordBridgeReceive() {
	BridgeReceived.Inc()
}

// RecordAuditEvent records an audit log operation
func RecordAuditEvent(eventType string, success bool, durationMs float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	AuditLogOperations.WithLabelValues(eventType, status).Inc()
	AuditLogLatency.Observe(durationMs)
}

// SetTasksByStatus updates the per-status task gauge
func SetTasksByStatus(status string, count int) {
	TasksByStatus.WithLabelValues(status).Set(float64(count))
}

// SetTeamsActive updates the running team count
func SetTeamsActive(count int) {
	TeamsActive.Set(float64(count))
}

// UpdateDatabaseConnections updates connection pool metrics
func UpdateDatabaseConnections(active, idle int32) {
	DatabaseConnectionsActive.Set(float64(active))
	DatabaseConnectionsIdle.Set(float64(idle))
}

// RecordRedisOperation records a Redis operation
func RecordRedisOperation(operation string) {
	RedisOperations.WithLabelValues(operation).Inc()
}
