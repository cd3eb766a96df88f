package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cadreworks/cadre/internal/metrics"
)

// EventType represents the type of audit event
type EventType string

const (
	EventTypeWarning   EventType = "warning"
	EventTypeDemotion  EventType = "demotion"
	EventTypeDismissal EventType = "dismissal"
	EventTypePromotion EventType = "promotion"
	EventTypeVeto      EventType = "veto"
	EventTypeDecision  EventType = "decision"
	EventTypeAppeal    EventType = "appeal"
)

// Event represents a single accountability audit record
type Event struct {
	ID        uuid.UUID              `json:"id"`
	TaskID    string                 `json:"task_id"`
	AgentID   string                 `json:"agent_id"`
	EventType EventType              `json:"event_type"`
	Reason    string                 `json:"reason"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Store persists audit events (append-only)
type Store interface {
	Insert(ctx context.Context, event *Event) error
	Query(ctx context.Context, filters *QueryFilters) ([]Event, error)
}

// QueryFilters defines filters for querying audit events
type QueryFilters struct {
	TaskID    string
	AgentID   string
	EventType EventType
	Since     time.Time
	Limit     int
}

// Logger handles audit logging operations
type Logger struct {
	store   Store
	enabled bool
}

// NewLogger creates a new audit logger. A nil store logs without persisting.
func NewLogger(store Store, enabled bool) *Logger {
	return &Logger{
		store:   store,
		enabled: enabled,
	}
}

// Log records an audit event
func (l *Logger) Log(ctx context.Context, event *Event) error {
	if !l.enabled {
		return nil
	}

	start := time.Now()

	// Set defaults
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	// Log to structured logger for immediate visibility
	logEvent := log.With().
		Str("event_id", event.ID.String()).
		Str("event_type", string(event.EventType)).
		Str("task_id", event.TaskID).
		Str("agent_id", event.AgentID).
		Str("reason", event.Reason).
		Logger()

	switch event.EventType {
	case EventTypeDismissal, EventTypeDemotion, EventTypeVeto:
		logEvent.Warn().Msg("Audit event")
	default:
		logEvent.Info().Msg("Audit event")
	}

	// Persist if a store is available
	if l.store != nil {
		if err := l.store.Insert(ctx, event); err != nil {
			durationMs := float64(time.Since(start).Milliseconds())
			metrics.RecordAuditEvent(string(event.EventType), false, durationMs)
			log.Error().Err(err).
				Str("event_id", event.ID.String()).
				Str("event_type", string(event.EventType)).
				Msg("Failed to persist audit event")
			return err
		}
	}

	durationMs := float64(time.Since(start).Milliseconds())
	metrics.RecordAuditEvent(string(event.EventType), true, durationMs)

	return nil
}

// Query retrieves audit events matching the filters
func (l *Logger) Query(ctx context.Context, filters *QueryFilters) ([]Event, error) {
	if l.store == nil {
		return nil, nil
	}
	return l.store.Query(ctx, filters)
}

// LogTransition logs an agent state transition. Transitions are operational
// telemetry, not accountability events, so they never hit the store.
func (l *Logger) LogTransition(agentID, from, to, reason string) {
	if !l.enabled {
		return
	}
	log.Info().
		Str("agent_id", agentID).
		Str("from", from).
		Str("to", to).
		Str("reason", reason).
		Msg("Agent state transition")
}

// Helper functions for common audit events

// LogWarning records a warning issued to an agent
func (l *Logger) LogWarning(ctx context.Context, taskID, agentID, reason string, warningCount int64) error {
	return l.Log(ctx, &Event{
		TaskID:    taskID,
		AgentID:   agentID,
		EventType: EventTypeWarning,
		Reason:    reason,
		Metadata:  map[string]interface{}{"warning_count": warningCount},
	})
}

// LogDemotion records an agent demotion
func (l *Logger) LogDemotion(ctx context.Context, taskID, agentID, reason string) error {
	return l.Log(ctx, &Event{
		TaskID:    taskID,
		AgentID:   agentID,
		EventType: EventTypeDemotion,
		Reason:    reason,
	})
}

// LogDismissal records an agent dismissal
func (l *Logger) LogDismissal(ctx context.Context, taskID, agentID, reason string) error {
	return l.Log(ctx, &Event{
		TaskID:    taskID,
		AgentID:   agentID,
		EventType: EventTypeDismissal,
		Reason:    reason,
	})
}

// LogPromotion records an agent promotion
func (l *Logger) LogPromotion(ctx context.Context, taskID, agentID, reason string) error {
	return l.Log(ctx, &Event{
		TaskID:    taskID,
		AgentID:   agentID,
		EventType: EventTypePromotion,
		Reason:    reason,
	})
}

// LogVeto records a decision veto
func (l *Logger) LogVeto(ctx context.Context, taskID, vetoerID, decisionID, reason string) error {
	return l.Log(ctx, &Event{
		TaskID:    taskID,
		AgentID:   vetoerID,
		EventType: EventTypeVeto,
		Reason:    reason,
		Metadata:  map[string]interface{}{"decision_id": decisionID},
	})
}

// LogDecision records a decision lifecycle event (proposed/approved/rejected)
func (l *Logger) LogDecision(ctx context.Context, taskID, proposerID, decisionID, outcome string) error {
	return l.Log(ctx, &Event{
		TaskID:    taskID,
		AgentID:   proposerID,
		EventType: EventTypeDecision,
		Reason:    outcome,
		Metadata:  map[string]interface{}{"decision_id": decisionID},
	})
}

// LogAppeal records an appeal lifecycle event
func (l *Logger) LogAppeal(ctx context.Context, taskID, appealerID, decisionID, outcome string) error {
	return l.Log(ctx, &Event{
		TaskID:    taskID,
		AgentID:   appealerID,
		EventType: EventTypeAppeal,
		Reason:    outcome,
		Metadata:  map[string]interface{}{"decision_id": decisionID},
	})
}
