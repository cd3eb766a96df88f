package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Severity levels for alerts
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert represents an alert message
type Alert struct {
	Title     string
	Message   string
	Severity  Severity
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Alerter defines the interface for sending alerts
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager manages multiple alert channels
type Manager struct {
	alerters []Alerter
	limiter  *rate.Limiter
}

// NewManager creates a new alert manager
func NewManager(alerters ...Alerter) *Manager {
	return &Manager{
		alerters: alerters,
	}
}

// SetRateLimit caps outbound alerts at n per minute. Critical alerts
// bypass the limiter.
func (m *Manager) SetRateLimit(perMinute int) {
	if perMinute <= 0 {
		m.limiter = nil
		return
	}
	m.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}

// Send sends an alert to all configured alerters
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	if m.limiter != nil && alert.Severity != SeverityCritical && !m.limiter.Allow() {
		log.Debug().
			Str("title", alert.Title).
			Str("severity", string(alert.Severity)).
			Msg("Alert rate limited, dropping")
		return nil
	}

	var lastErr error
	for _, alerter := range m.alerters {
		if err := alerter.Send(ctx, alert); err != nil {
			log.Error().
				Err(err).
				Str("title", alert.Title).
				Msg("Failed to send alert")
			lastErr = err
		}
	}

	return lastErr
}

// SendCritical is a convenience method for sending critical alerts
func (m *Manager) SendCritical(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityCritical,
		Metadata: metadata,
	})
}

// SendWarning is a convenience method for sending warning alerts
func (m *Manager) SendWarning(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityWarning,
		Metadata: metadata,
	})
}

// SendInfo is a convenience method for sending info alerts
func (m *Manager) SendInfo(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityInfo,
		Metadata: metadata,
	})
}

// LogAlerter logs alerts using zerolog
type LogAlerter struct{}

// NewLogAlerter creates a new log-based alerter
func NewLogAlerter() *LogAlerter {
	return &LogAlerter{}
}

// Send sends an alert by logging it
func (l *LogAlerter) Send(ctx context.Context, alert Alert) error {
	event := log.Log()

	// Set log level based on severity
	switch alert.Severity {
	case SeverityCritical:
		event = log.Error()
	case SeverityWarning:
		event = log.Warn()
	case SeverityInfo:
		event = log.Info()
	}

	// Add metadata fields
	if alert.Metadata != nil {
		for key, value := range alert.Metadata {
			event = event.Interface(key, value)
		}
	}

	event.
		Str("alert_title", alert.Title).
		Str("alert_severity", string(alert.Severity)).
		Time("alert_time", alert.Timestamp).
		Msg(fmt.Sprintf("ALERT: %s", alert.Message))

	return nil
}

// Default global alert manager (can be replaced with custom configuration)
var defaultManager *Manager

func init() {
	defaultManager = NewManager(NewLogAlerter())
}

// GetDefaultManager returns the default alert manager
func GetDefaultManager() *Manager {
	return defaultManager
}

// SetDefaultManager sets the default alert manager
func SetDefaultManager(manager *Manager) {
	defaultManager = manager
}

// Helper functions for common alerts

// AlertAgentDismissed sends an alert when an agent is dismissed
func AlertAgentDismissed(ctx context.Context, taskID, agentID, reason string) {
	defaultManager.SendCritical(ctx, "Agent Dismissed", fmt.Sprintf(
		"Agent %s was dismissed: %s", agentID, reason,
	), map[string]interface{}{
		"task_id":  taskID,
		"agent_id": agentID,
		"reason":   reason,
	})
}

// AlertAgentUnresponsive sends an alert when an agent misses heartbeats
func AlertAgentUnresponsive(ctx context.Context, taskID, agentID string, sinceTicks int64) {
	defaultManager.SendWarning(ctx, "Agent Unresponsive", fmt.Sprintf(
		"Agent %s has not responded for %d ticks", agentID, sinceTicks,
	), map[string]interface{}{
		"task_id":     taskID,
		"agent_id":    agentID,
		"since_ticks": sinceTicks,
	})
}

// AlertDecisionExpired sends an alert when a decision times out unsigned
func AlertDecisionExpired(ctx context.Context, decisionID, decisionType string) {
	defaultManager.SendWarning(ctx, "Decision Expired", fmt.Sprintf(
		"Decision %s (%s) expired without enough signatures", decisionID, decisionType,
	), map[string]interface{}{
		"decision_id":   decisionID,
		"decision_type": decisionType,
	})
}

// AlertEscalation sends an alert when a failure escalates past retries
func AlertEscalation(ctx context.Context, taskID, agentID, severity string, err error) {
	defaultManager.SendCritical(ctx, "Failure Escalated", fmt.Sprintf(
		"Agent %s escalated a %s failure: %v", agentID, severity, err,
	), map[string]interface{}{
		"task_id":  taskID,
		"agent_id": agentID,
		"severity": severity,
		"error":    err.Error(),
	})
}

// AlertTeamFailed sends an alert when a team fails its task
func AlertTeamFailed(ctx context.Context, taskID, reason string) {
	defaultManager.SendCritical(ctx, "Team Failed", fmt.Sprintf(
		"Task %s failed: %s", taskID, reason,
	), map[string]interface{}{
		"task_id": taskID,
		"reason":  reason,
	})
}

// AlertSystemError sends an alert for critical system errors
func AlertSystemError(ctx context.Context, component string, err error) {
	defaultManager.SendCritical(ctx, "System Error", fmt.Sprintf(
		"Critical error in %s: %v", component, err,
	), map[string]interface{}{
		"component": component,
		"error":     err.Error(),
	})
}
