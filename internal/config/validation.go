package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

var (
	validProviders     = map[string]bool{"anthropic": true, "openai": true, "none": true}
	validDatabaseTypes = map[string]bool{"sqlite": true, "postgres": true}
	validPeriods       = map[string]bool{"monthly": true, "weekly": true, "daily": true}
	validLogLevels     = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats    = map[string]bool{"json": true, "console": true}
)

// LLMConfigured reports whether the generation backend has credentials.
func (c *Config) LLMConfigured() bool {
	switch c.LLM.Provider {
	case "anthropic":
		return c.LLM.APIKey != ""
	case "openai":
		// OpenAI-compatible gateways may run without a key.
		return c.LLM.APIKey != "" || c.LLM.BaseURL != ""
	default:
		return false
	}
}

// ValidateAll returns every validation error combined into one, or nil.
func (c *Config) ValidateAll() error {
	return multierr.Combine(c.Validate()...)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		add("server.grpc_port", "grpc_port must be between 0 and 65535, got %d", c.Server.GRPCPort)
	}
	if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port {
		add("server.grpc_port", "grpc_port must differ from port %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		add("server.timeouts", "timeouts cannot be negative")
	}
	if c.Server.MaxCommandLength < 1 {
		add("server.max_command_length", "max_command_length must be positive, got %d", c.Server.MaxCommandLength)
	}

	// Database
	if !validDatabaseTypes[c.Database.Type] {
		add("database.type", "invalid database type '%s', must be one of: sqlite, postgres", c.Database.Type)
	}
	switch c.Database.Type {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			add("database.sqlite_path", "sqlite_path is required when database type is sqlite")
		}
	case "postgres":
		if c.Database.PostgresURL == "" {
			add("database.postgres_url", "postgres_url is required when database type is postgres")
		}
	}
	if c.Database.MaxOpenConns < 0 || c.Database.MaxIdleConns < 0 {
		add("database.pool", "pool sizes cannot be negative")
	}

	// LLM. Missing credentials are not fatal: the server starts degraded and
	// command execution answers 503.
	if !validProviders[c.LLM.Provider] {
		add("llm.provider", "invalid provider '%s', must be one of: anthropic, openai, none", c.LLM.Provider)
	}
	if c.LLM.Provider != "none" && c.LLM.Model == "" {
		add("llm.model", "model is required")
	}
	if c.LLM.MaxTokens < 1 {
		add("llm.max_tokens", "max_tokens must be positive, got %d", c.LLM.MaxTokens)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		add("llm.temperature", "temperature must be between 0 and 2, got %.2f", c.LLM.Temperature)
	}
	if c.LLM.TimeoutSeconds < 1 {
		add("llm.timeout_seconds", "timeout must be at least 1 second, got %d", c.LLM.TimeoutSeconds)
	}

	// Credits
	if !validPeriods[c.Credits.Period] {
		add("credits.period", "invalid period '%s', must be one of: monthly, weekly, daily", c.Credits.Period)
	}
	if _, ok := c.Credits.Plans[c.Credits.DefaultPlan]; !ok {
		add("credits.default_plan", "default plan '%s' is not defined", c.Credits.DefaultPlan)
	}
	for name, plan := range c.Credits.Plans {
		if plan.MonthlyCredits < 0 {
			add("credits.plans."+name+".monthly_credits", "cannot be negative, got %d", plan.MonthlyCredits)
		}
		if plan.OverageRate < 0 {
			add("credits.plans."+name+".overage_rate", "cannot be negative, got %.2f", plan.OverageRate)
		}
		if plan.RolloverCap < 0 {
			add("credits.plans."+name+".rollover_cap", "cannot be negative, got %d", plan.RolloverCap)
		}
	}
	if c.Credits.MinTopUp < 1 {
		add("credits.min_topup", "min_topup must be at least 1, got %d", c.Credits.MinTopUp)
	}
	if c.Credits.PricePerCredit < 0 {
		add("credits.price_per_credit", "price_per_credit cannot be negative, got %.2f", c.Credits.PricePerCredit)
	}
	if err := validSchedule(c.Credits.ResetSchedule); err != nil {
		add("credits.reset_schedule", "%v", err)
	}

	// Cache
	if c.Cache.TTLSeconds < 1 {
		add("cache.ttl_seconds", "ttl_seconds must be positive, got %d", c.Cache.TTLSeconds)
	}
	if c.Cache.HistoryLimit < 1 {
		add("cache.history_limit", "history_limit must be positive, got %d", c.Cache.HistoryLimit)
	}
	if err := validSchedule(c.Cache.PurgeSchedule); err != nil {
		add("cache.purge_schedule", "%v", err)
	}

	// Auth
	if c.Auth.Enabled && len(c.Auth.JWTSecret) < 16 {
		add("auth.jwt_secret", "jwt_secret must be at least 16 bytes when auth is enabled")
	}

	// Rate limit. Zero disables limiting.
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		add("rate_limit", "rate limits cannot be negative")
	}

	// Logging
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		add("logging.level", "invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		add("logging.format", "invalid log format '%s', must be one of: json, console", c.Logging.Format)
	}

	// Audit
	if c.Audit.Enabled && c.Audit.LogPath == "" {
		add("audit.log_path", "log_path is required when audit is enabled")
	}

	// Tracing
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		add("tracing.sample_rate", "sample_rate must be between 0 and 1, got %.2f", c.Tracing.SampleRate)
	}

	return errs
}

// validSchedule accepts standard cron specs and descriptors such as "@every 5m".
// An empty schedule disables the job.
func validSchedule(spec string) error {
	if spec == "" {
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}
