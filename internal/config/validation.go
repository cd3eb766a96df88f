package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateKernel()...)
	errors = append(errors, c.validateDatabase()...)
	errors = append(errors, c.validateBlackboard()...)
	errors = append(errors, c.validateMCP()...)
	errors = append(errors, c.validateAlerts()...)

	if len(errors) > 0 {
		return errors
	}
	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Name == "" {
		errors = append(errors, ValidationError{
			Field:   "app.name",
			Message: "Application name is required",
		})
	}

	switch c.App.Environment {
	case "development", "staging", "production":
	default:
		errors = append(errors, ValidationError{
			Field:   "app.environment",
			Message: fmt.Sprintf("Invalid environment %q (must be development, staging, or production)", c.App.Environment),
		})
	}

	switch c.App.LogFormat {
	case "json", "console":
	default:
		errors = append(errors, ValidationError{
			Field:   "app.log_format",
			Message: fmt.Sprintf("Invalid log format %q (must be json or console)", c.App.LogFormat),
		})
	}

	return errors
}

func (c *Config) validateKernel() ValidationErrors {
	var errors ValidationErrors

	if c.Heartbeat.IntervalMS <= 0 {
		errors = append(errors, ValidationError{
			Field:   "heartbeat.interval_ms",
			Message: "Heartbeat interval must be positive",
		})
	}
	if c.Bus.MaxQueueSize <= 0 {
		errors = append(errors, ValidationError{
			Field:   "bus.max_queue_size",
			Message: "Queue size must be positive",
		})
	}
	if c.Bus.TimeoutThresholdTicks <= 0 {
		errors = append(errors, ValidationError{
			Field:   "bus.timeout_threshold_ticks",
			Message: "Timeout threshold must be positive",
		})
	}
	if c.Decision.TimeoutMS <= 0 {
		errors = append(errors, ValidationError{
			Field:   "decision.timeout_ms",
			Message: "Decision timeout must be positive",
		})
	}
	if c.Decision.SignatureThreshold <= 0 || c.Decision.SignatureThreshold > 1 {
		errors = append(errors, ValidationError{
			Field:   "decision.signature_threshold",
			Message: "Signature threshold must be in (0, 1]",
		})
	}
	if c.Accountability.WarningThreshold <= 0 {
		errors = append(errors, ValidationError{
			Field:   "accountability.warning_threshold",
			Message: "Warning threshold must be positive",
		})
	}
	if c.Election.IntervalTicks <= 0 {
		errors = append(errors, ValidationError{
			Field:   "election.interval_ticks",
			Message: "Election interval must be positive",
		})
	}
	if !(c.Election.ExcellentThreshold > c.Election.GoodThreshold &&
		c.Election.GoodThreshold > c.Election.PoorThreshold &&
		c.Election.PoorThreshold > c.Election.FailingThreshold) {
		errors = append(errors, ValidationError{
			Field:   "election",
			Message: "Election thresholds must be strictly descending (excellent > good > poor > failing)",
		})
	}
	if c.Team.MaxAgents <= 0 || c.Team.MaxAgents > 50 {
		errors = append(errors, ValidationError{
			Field:   "team.max_agents",
			Message: "Max agents must be in [1, 50]",
		})
	}
	switch c.Team.Mode {
	case "auto", "semi-auto":
	default:
		errors = append(errors, ValidationError{
			Field:   "team.mode",
			Message: fmt.Sprintf("Invalid mode %q (must be auto or semi-auto)", c.Team.Mode),
		})
	}

	return errors
}

func (c *Config) validateDatabase() ValidationErrors {
	var errors ValidationErrors

	if !c.Database.Enabled {
		return errors
	}
	if c.Database.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "database.host",
			Message: "Database host is required when database is enabled",
		})
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "database.port",
			Message: fmt.Sprintf("Invalid port %d", c.Database.Port),
		})
	}
	if c.App.Environment == "production" && c.Database.Password == "" && !c.Vault.Enabled {
		errors = append(errors, ValidationError{
			Field:   "database.password",
			Message: "Database password is required in production (set directly or via Vault)",
		})
	}

	return errors
}

func (c *Config) validateBlackboard() ValidationErrors {
	var errors ValidationErrors

	switch c.Blackboard.Store {
	case "memory", "file", "redis":
	default:
		errors = append(errors, ValidationError{
			Field:   "blackboard.store",
			Message: fmt.Sprintf("Invalid store %q (must be memory, file, or redis)", c.Blackboard.Store),
		})
	}
	if c.Blackboard.Store == "file" && c.Blackboard.Workspace == "" {
		errors = append(errors, ValidationError{
			Field:   "blackboard.workspace",
			Message: "Workspace directory is required for the file store",
		})
	}
	if c.Blackboard.LockTTLMS <= 0 {
		errors = append(errors, ValidationError{
			Field:   "blackboard.lock_ttl_ms",
			Message: "Lock TTL must be positive",
		})
	}

	return errors
}

func (c *Config) validateMCP() ValidationErrors {
	var errors ValidationErrors

	if !c.MCP.Enabled {
		return errors
	}
	if c.MCP.Tool == "" {
		errors = append(errors, ValidationError{
			Field:   "mcp.tool",
			Message: "Tool name is required when the MCP executor is enabled",
		})
	}
	if c.MCP.MaxCallsPerSec < 0 {
		errors = append(errors, ValidationError{
			Field:   "mcp.max_calls_per_sec",
			Message: "Tool call rate must not be negative",
		})
	}
	switch c.MCP.Transport {
	case "stdio":
		if c.MCP.Command == "" {
			errors = append(errors, ValidationError{
				Field:   "mcp.command",
				Message: "Command is required for the stdio transport",
			})
		}
	case "sse":
		if c.MCP.URL == "" {
			errors = append(errors, ValidationError{
				Field:   "mcp.url",
				Message: "URL is required for the sse transport",
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "mcp.transport",
			Message: fmt.Sprintf("Invalid transport %q (must be stdio or sse)", c.MCP.Transport),
		})
	}

	return errors
}

func (c *Config) validateAlerts() ValidationErrors {
	var errors ValidationErrors

	if c.Alerts.Telegram.Enabled {
		if c.Alerts.Telegram.Token == "" && !c.Vault.Enabled {
			errors = append(errors, ValidationError{
				Field:   "alerts.telegram.token",
				Message: "Telegram bot token is required when the Telegram alerter is enabled",
			})
		}
		if len(c.Alerts.Telegram.ChatIDs) == 0 {
			errors = append(errors, ValidationError{
				Field:   "alerts.telegram.chat_ids",
				Message: "At least one chat ID is required when the Telegram alerter is enabled",
			})
		}
	}

	return errors
}
