package kernel

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cadreworks/cadre/internal/metrics"
)

// Severity ranks an agent error for the recovery pipeline
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// classificationRules map error-message substrings to severities. Evaluated
// in order, first match wins; matching is case-insensitive.
var classificationRules = []struct {
	substrings []string
	severity   Severity
}{
	{[]string{"auth", "permission"}, SeverityCritical},
	{[]string{"timeout", "network", "connection", "econnrefused"}, SeverityHigh},
	{[]string{"file not found", "enoent", "syntax"}, SeverityMedium},
}

// ClassifyError derives a severity from an error message
func ClassifyError(message string) Severity {
	lower := strings.ToLower(message)
	for _, rule := range classificationRules {
		for _, sub := range rule.substrings {
			if strings.Contains(lower, sub) {
				return rule.severity
			}
		}
	}
	return SeverityLow
}

// RetryBudget returns how many retries a severity is worth
func RetryBudget(s Severity) int {
	switch s {
	case SeverityLow:
		return 3
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 1
	default:
		return 0
	}
}

// RecoveryAction is what the pipeline tells the runtime to do next
type RecoveryAction string

const (
	ActionRetry              RecoveryAction = "retry"
	ActionPeerTakeover       RecoveryAction = "peer_takeover"
	ActionEscalateSupervisor RecoveryAction = "escalate_to_supervisor"
	ActionEscalateTop        RecoveryAction = "escalate_to_top"
)

// RecoveryDecision carries the chosen action plus the inputs that led to it
type RecoveryDecision struct {
	Action   RecoveryAction `json:"action"`
	Severity Severity       `json:"severity"`
	Attempt  int            `json:"attempt"`
	Delay    time.Duration  `json:"delay,omitempty"`
}

// RecoveryConfig tunes the retry backoff
type RecoveryConfig struct {
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`
}

// DefaultRecoveryConfig returns the default backoff base
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{BaseDelay: 5 * time.Second}
}

// Recovery turns agent errors into retry, takeover, or escalation decisions.
// It holds no per-agent state; the attempt counter lives on the agent so a
// successful tick can reset it.
type Recovery struct {
	config RecoveryConfig
	log    zerolog.Logger
}

// NewRecovery creates a recovery decider
func NewRecovery(config RecoveryConfig) *Recovery {
	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultRecoveryConfig().BaseDelay
	}
	return &Recovery{
		config: config,
		log:    log.With().Str("component", "recovery").Logger(),
	}
}

// Decide classifies the error and picks the next action for the given
// attempt number. Attempts inside the severity's budget retry with
// exponential backoff; beyond it, HIGH errors try a peer takeover, CRITICAL
// errors go straight to the top layer, and the rest go to the supervisor.
func (r *Recovery) Decide(errMsg string, attempt int) RecoveryDecision {
	severity := ClassifyError(errMsg)
	metrics.RecordAgentError(string(severity))

	decision := RecoveryDecision{Severity: severity, Attempt: attempt}
	if attempt < RetryBudget(severity) {
		decision.Action = ActionRetry
		decision.Delay = r.config.BaseDelay * time.Duration(1<<attempt)
	} else {
		switch severity {
		case SeverityHigh:
			decision.Action = ActionPeerTakeover
		case SeverityCritical:
			decision.Action = ActionEscalateTop
		default:
			decision.Action = ActionEscalateSupervisor
		}
	}

	metrics.RecordRecoveryAction(string(decision.Action))
	r.log.Debug().
		Str("severity", string(severity)).
		Int("attempt", attempt).
		Str("action", string(decision.Action)).
		Dur("delay", decision.Delay).
		Msg("Recovery decision")
	return decision
}
