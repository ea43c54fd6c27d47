package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Environment string         `mapstructure:"environment"`
	Engine      EngineConfig   `mapstructure:"engine"`
	RuleBase    RuleBaseConfig `mapstructure:"rule_base"`
	Sessions    SessionConfig  `mapstructure:"sessions"`
	Database    DatabaseConfig `mapstructure:"database"`
	Cache       CacheConfig    `mapstructure:"cache"`
	Breaker     BreakerConfig  `mapstructure:"breaker"`
	Logging     LoggingConfig  `mapstructure:"logging"`
	Metrics     MetricsConfig  `mapstructure:"metrics"`
}

// EngineConfig controls evaluation behaviour
type EngineConfig struct {
	AllowReevaluation bool `mapstructure:"allow_reevaluation"`
	TraceEvaluation   bool `mapstructure:"trace_evaluation"`
}

// RuleBaseConfig selects where the rule base is read from
type RuleBaseConfig struct {
	Source     string        `mapstructure:"source"` // "file", "sqlite", "postgres"
	Path       string        `mapstructure:"path"`   // rule-base document or SQLite file
	RefreshQPS float64       `mapstructure:"refresh_qps"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

// SessionConfig controls session housekeeping
type SessionConfig struct {
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// DatabaseConfig represents database connection configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// CacheConfig represents rule-base snapshot cache configuration
type CacheConfig struct {
	RedisURL    string        `mapstructure:"redis_url"`
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
	MaxRetries  int           `mapstructure:"max_retries"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
}

// BreakerConfig configures the circuit breaker guarding rule-base reads
type BreakerConfig struct {
	MaxRequests         uint32        `mapstructure:"max_requests"`
	Interval            time.Duration `mapstructure:"interval"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// MetricsConfig toggles prometheus collectors
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}
