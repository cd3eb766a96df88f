package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App            AppConfig            `mapstructure:"app"`
	Heartbeat      HeartbeatConfig      `mapstructure:"heartbeat"`
	Bus            BusConfig            `mapstructure:"bus"`
	Blackboard     BlackboardConfig     `mapstructure:"blackboard"`
	Decision       DecisionConfig       `mapstructure:"decision"`
	Accountability AccountabilityConfig `mapstructure:"accountability"`
	Election       ElectionConfig       `mapstructure:"election"`
	Recovery       RecoveryConfig       `mapstructure:"recovery"`
	Agent          AgentConfig          `mapstructure:"agent"`
	Team           TeamConfig           `mapstructure:"team"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	NATS           NATSConfig           `mapstructure:"nats"`
	API            APIConfig            `mapstructure:"api"`
	MCP            MCPConfig            `mapstructure:"mcp"`
	Monitoring     MonitoringConfig     `mapstructure:"monitoring"`
	Alerts         AlertsConfig         `mapstructure:"alerts"`
	Vault          VaultConfig          `mapstructure:"vault"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// HeartbeatConfig contains heartbeat clock settings
type HeartbeatConfig struct {
	IntervalMS int `mapstructure:"interval_ms"`
}

// BusConfig contains message bus settings
type BusConfig struct {
	MaxQueueSize              int  `mapstructure:"max_queue_size"`
	TimeoutThresholdTicks     int  `mapstructure:"timeout_threshold_ticks"`
	EnableCompression         bool `mapstructure:"enable_compression"`
	CompressionThresholdBytes int  `mapstructure:"compression_threshold_bytes"`
}

// BlackboardConfig contains shared whiteboard settings
type BlackboardConfig struct {
	Store     string `mapstructure:"store"` // "memory", "file", or "redis"
	Workspace string `mapstructure:"workspace"`
	LockTTLMS int    `mapstructure:"lock_ttl_ms"`
	CacheSize int    `mapstructure:"cache_size"`
}

// DecisionConfig contains decision engine settings
type DecisionConfig struct {
	TimeoutMS          int     `mapstructure:"timeout_ms"`
	EnableReminders    bool    `mapstructure:"enable_reminders"`
	SignatureThreshold float64 `mapstructure:"signature_threshold"` // appeal vote ratio
}

// AccountabilityConfig contains warning/dismissal settings
type AccountabilityConfig struct {
	WarningThreshold int `mapstructure:"warning_threshold"`
	FailureThreshold int `mapstructure:"failure_threshold"`
}

// ElectionConfig contains periodic election settings
type ElectionConfig struct {
	IntervalTicks      int `mapstructure:"interval_ticks"`
	ExcellentThreshold int `mapstructure:"excellent_threshold"`
	GoodThreshold      int `mapstructure:"good_threshold"`
	PoorThreshold      int `mapstructure:"poor_threshold"`
	FailingThreshold   int `mapstructure:"failing_threshold"`
}

// RecoveryConfig contains failure recovery settings
type RecoveryConfig struct {
	BaseDelayMS       int `mapstructure:"base_delay_ms"`
	TakeoverTimeoutMS int `mapstructure:"takeover_timeout_ms"`
}

// AgentConfig contains per-agent defaults
type AgentConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
	TimeoutMS  int `mapstructure:"timeout_ms"`
}

// TeamConfig contains team lifecycle settings
type TeamConfig struct {
	MaxAgents     int    `mapstructure:"max_agents"`
	BlueprintPath string `mapstructure:"blueprint_path"`
	Mode          string `mapstructure:"mode"` // "auto" or "semi-auto"
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings (blackboard store backend)
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains NATS event bridge settings
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Prefix  string `mapstructure:"prefix"`
}

// APIConfig contains REST API settings
type APIConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ControlToken string `mapstructure:"control_token"`
}

// MCPConfig contains tool server settings for the bottom layer executor
type MCPConfig struct {
	Enabled        bool              `mapstructure:"enabled"`
	Server         string            `mapstructure:"server"`
	Transport      string            `mapstructure:"transport"` // "stdio" or "sse"
	Command        string            `mapstructure:"command"`
	Args           []string          `mapstructure:"args"`
	Env            map[string]string `mapstructure:"env"`
	URL            string            `mapstructure:"url"`
	Tool           string            `mapstructure:"tool"`
	MaxCallsPerSec float64           `mapstructure:"max_calls_per_sec"` // 0 disables the team-wide throttle
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// AlertsConfig contains operator alerting settings
type AlertsConfig struct {
	RatePerMinute int            `mapstructure:"rate_per_minute"` // 0 disables the cap
	Telegram      TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig contains Telegram alerter settings
type TelegramConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Token   string  `mapstructure:"token"`
	ChatIDs []int64 `mapstructure:"chat_ids"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("CADRE")

	// Set defaults
	setDefaults(v)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	// Unmarshal into struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "cadre")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")

	// Heartbeat defaults
	v.SetDefault("heartbeat.interval_ms", 4000)

	// Bus defaults
	v.SetDefault("bus.max_queue_size", 1000)
	v.SetDefault("bus.timeout_threshold_ticks", 3)
	v.SetDefault("bus.enable_compression", false)
	v.SetDefault("bus.compression_threshold_bytes", 1024)

	// Blackboard defaults
	v.SetDefault("blackboard.store", "memory")
	v.SetDefault("blackboard.workspace", "./workspace")
	v.SetDefault("blackboard.lock_ttl_ms", 5000)
	v.SetDefault("blackboard.cache_size", 64)

	// Decision defaults
	v.SetDefault("decision.timeout_ms", 300000)
	v.SetDefault("decision.enable_reminders", true)
	v.SetDefault("decision.signature_threshold", 0.67)

	// Accountability defaults
	v.SetDefault("accountability.warning_threshold", 3)
	v.SetDefault("accountability.failure_threshold", 1)

	// Election defaults
	v.SetDefault("election.interval_ticks", 50)
	v.SetDefault("election.excellent_threshold", 80)
	v.SetDefault("election.good_threshold", 60)
	v.SetDefault("election.poor_threshold", 40)
	v.SetDefault("election.failing_threshold", 20)

	// Recovery defaults
	v.SetDefault("recovery.base_delay_ms", 5000)
	v.SetDefault("recovery.takeover_timeout_ms", 10000)

	// Agent defaults
	v.SetDefault("agent.max_retries", 3)
	v.SetDefault("agent.timeout_ms", 30000)

	// Team defaults
	v.SetDefault("team.max_agents", 50)
	v.SetDefault("team.mode", "auto")

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "cadre")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// NATS defaults
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.prefix", "cadre")

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8081)

	// MCP defaults
	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.server", "tools")
	v.SetDefault("mcp.transport", "stdio")
	v.SetDefault("mcp.tool", "run_subtask")
	v.SetDefault("mcp.max_calls_per_sec", 0)

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)

	// Alert defaults
	v.SetDefault("alerts.rate_per_minute", 30)
	v.SetDefault("alerts.telegram.enabled", false)
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// HeartbeatInterval returns the tick interval as a time.Duration
func (c *HeartbeatConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// DecisionTimeout returns the decision timeout as a time.Duration
func (c *DecisionConfig) DecisionTimeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// LockTTL returns the blackboard lock TTL as a time.Duration
func (c *BlackboardConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLMS) * time.Millisecond
}
