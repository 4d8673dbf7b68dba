// Package config provides configuration management for vibe-core.
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (VIBE_* prefix, "." replaced by "_")
//   2. YAML config file (default: /etc/vibe/config.yaml)
//   3. Built-in defaults
//
// Main Configuration Sections:
//
//   1. Server     - HTTP/gRPC listen addresses, timeouts, CORS origins
//   2. Database   - "sqlite" | "postgres" store and pool sizing
//   3. LLM        - generation backend provider, model and request limits
//   4. Credits    - plan table, billing period, top-up pricing, reset sweep
//   5. Cache      - context snapshot TTL and collaborator history bounds
//   6. Auth       - bearer token verification
//   7. RateLimit  - per-client request limits
//   8. Logging    - application log level, format and destination
//   9. Audit      - append-only audit log with rotation
//  10. Tracing    - OTLP trace export
package config

import "context"

// PlanConfig describes one billing plan.
type PlanConfig struct {
	MonthlyCredits int     `mapstructure:"monthly_credits"`
	OverageRate    float64 `mapstructure:"overage_rate"`
	AllowOverage   bool    `mapstructure:"allow_overage"`
	Unlimited      bool    `mapstructure:"unlimited"`
	// RolloverCap bounds unused credits carried into the next period.
	// Zero means the plan's monthly allotment.
	RolloverCap int `mapstructure:"rollover_cap"`
}

// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Host            string
		Port            int
		GRPCPort        int
		ReadTimeout     int // seconds
		WriteTimeout    int // seconds; 0 disables, streaming responses need it
		ShutdownTimeout int // seconds
		// AllowedOrigins is a list of origins permitted for CORS and WebSocket upgrades.
		// Use ["*"] to allow any origin (development only).
		AllowedOrigins   []string
		MaxCommandLength int
	}

	// Database configuration
	Database struct {
		Type            string
		SQLitePath      string
		PostgresURL     string
		MaxOpenConns    int
		MaxIdleConns    int
		ConnMaxLifetime int // seconds
	}

	// LLM provider configuration
	LLM struct {
		Provider       string
		APIKey         string
		Model          string
		BaseURL        string
		MaxTokens      int
		Temperature    float64
		TimeoutSeconds int
		// Configured is derived from the credentials on every load.
		Configured bool
	}

	// Credits configuration
	Credits struct {
		DefaultPlan    string
		Period         string // "monthly" | "weekly" | "daily"
		MinTopUp       int
		PricePerCredit float64
		ResetSchedule  string // cron spec for the due-reset sweep
		Plans          map[string]PlanConfig
	}

	// Cache configuration
	Cache struct {
		TTLSeconds    int
		HistoryLimit  int
		PurgeSchedule string
	}

	// Auth configuration
	Auth struct {
		Enabled   bool
		JWTSecret string
		Issuer    string
	}

	// RateLimit configuration
	RateLimit struct {
		RequestsPerMinute int
		Burst             int
	}

	// Logging configuration
	Logging struct {
		Level  string
		Format string
		File   string // empty writes to stdout
	}

	// Audit configuration
	Audit struct {
		Enabled    bool
		LogPath    string
		MaxSize    int
		MaxBackups int
		MaxAge     int
		Compress   bool
	}

	// Tracing configuration
	Tracing struct {
		Endpoint    string // empty disables export
		SampleRate  float64
		ServiceName string
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/vibe/config.yaml")
}
