package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	mu         sync.RWMutex
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("VIBE")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	if err := m.readConfigFile(); err != nil {
		return err
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// readConfigFile reads the YAML file; a missing file is not an error.
func (m *viperConfigManager) readConfigFile() error {
	err := m.viper.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || os.IsNotExist(err) {
		return nil
	}
	return fmt.Errorf("error reading config file: %w", err)
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.config.ValidateAll(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		m.applyEnvOverrides()
		select {
		case m.watchChan <- *m.Get(ctx):
		default:
			// Channel full, skip this update
		}
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.readConfigFile(); err != nil {
		return err
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.host", defaults.Server.Host)
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.grpc_port", defaults.Server.GRPCPort)
	m.viper.SetDefault("server.read_timeout", defaults.Server.ReadTimeout)
	m.viper.SetDefault("server.write_timeout", defaults.Server.WriteTimeout)
	m.viper.SetDefault("server.shutdown_timeout", defaults.Server.ShutdownTimeout)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	m.viper.SetDefault("server.max_command_length", defaults.Server.MaxCommandLength)

	// Database defaults
	m.viper.SetDefault("database.type", defaults.Database.Type)
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)
	m.viper.SetDefault("database.postgres_url", defaults.Database.PostgresURL)
	m.viper.SetDefault("database.max_open_conns", defaults.Database.MaxOpenConns)
	m.viper.SetDefault("database.max_idle_conns", defaults.Database.MaxIdleConns)
	m.viper.SetDefault("database.conn_max_lifetime", defaults.Database.ConnMaxLifetime)

	// LLM defaults
	m.viper.SetDefault("llm.provider", defaults.LLM.Provider)
	m.viper.SetDefault("llm.api_key", defaults.LLM.APIKey)
	m.viper.SetDefault("llm.model", defaults.LLM.Model)
	m.viper.SetDefault("llm.base_url", defaults.LLM.BaseURL)
	m.viper.SetDefault("llm.max_tokens", defaults.LLM.MaxTokens)
	m.viper.SetDefault("llm.temperature", defaults.LLM.Temperature)
	m.viper.SetDefault("llm.timeout_seconds", defaults.LLM.TimeoutSeconds)

	// Credits defaults
	m.viper.SetDefault("credits.default_plan", defaults.Credits.DefaultPlan)
	m.viper.SetDefault("credits.period", defaults.Credits.Period)
	m.viper.SetDefault("credits.min_topup", defaults.Credits.MinTopUp)
	m.viper.SetDefault("credits.price_per_credit", defaults.Credits.PricePerCredit)
	m.viper.SetDefault("credits.reset_schedule", defaults.Credits.ResetSchedule)

	// Cache defaults
	m.viper.SetDefault("cache.ttl_seconds", defaults.Cache.TTLSeconds)
	m.viper.SetDefault("cache.history_limit", defaults.Cache.HistoryLimit)
	m.viper.SetDefault("cache.purge_schedule", defaults.Cache.PurgeSchedule)

	// Auth defaults
	m.viper.SetDefault("auth.enabled", defaults.Auth.Enabled)
	m.viper.SetDefault("auth.jwt_secret", defaults.Auth.JWTSecret)
	m.viper.SetDefault("auth.issuer", defaults.Auth.Issuer)

	// Rate limit defaults
	m.viper.SetDefault("rate_limit.requests_per_minute", defaults.RateLimit.RequestsPerMinute)
	m.viper.SetDefault("rate_limit.burst", defaults.RateLimit.Burst)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file", defaults.Logging.File)

	// Audit defaults
	m.viper.SetDefault("audit.enabled", defaults.Audit.Enabled)
	m.viper.SetDefault("audit.log_path", defaults.Audit.LogPath)
	m.viper.SetDefault("audit.max_size", defaults.Audit.MaxSize)
	m.viper.SetDefault("audit.max_backups", defaults.Audit.MaxBackups)
	m.viper.SetDefault("audit.max_age", defaults.Audit.MaxAge)
	m.viper.SetDefault("audit.compress", defaults.Audit.Compress)

	// Tracing defaults
	m.viper.SetDefault("tracing.endpoint", defaults.Tracing.Endpoint)
	m.viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	m.viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Server
	cfg.Server.Host = m.viper.GetString("server.host")
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.GRPCPort = m.viper.GetInt("server.grpc_port")
	cfg.Server.ReadTimeout = m.viper.GetInt("server.read_timeout")
	cfg.Server.WriteTimeout = m.viper.GetInt("server.write_timeout")
	cfg.Server.ShutdownTimeout = m.viper.GetInt("server.shutdown_timeout")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")
	cfg.Server.MaxCommandLength = m.viper.GetInt("server.max_command_length")

	// Database
	cfg.Database.Type = m.viper.GetString("database.type")
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")
	cfg.Database.PostgresURL = m.viper.GetString("database.postgres_url")
	cfg.Database.MaxOpenConns = m.viper.GetInt("database.max_open_conns")
	cfg.Database.MaxIdleConns = m.viper.GetInt("database.max_idle_conns")
	cfg.Database.ConnMaxLifetime = m.viper.GetInt("database.conn_max_lifetime")

	// LLM
	cfg.LLM.Provider = m.viper.GetString("llm.provider")
	cfg.LLM.APIKey = m.viper.GetString("llm.api_key")
	cfg.LLM.Model = m.viper.GetString("llm.model")
	cfg.LLM.BaseURL = m.viper.GetString("llm.base_url")
	cfg.LLM.MaxTokens = m.viper.GetInt("llm.max_tokens")
	cfg.LLM.Temperature = m.viper.GetFloat64("llm.temperature")
	cfg.LLM.TimeoutSeconds = m.viper.GetInt("llm.timeout_seconds")

	// Credits
	cfg.Credits.DefaultPlan = m.viper.GetString("credits.default_plan")
	cfg.Credits.Period = m.viper.GetString("credits.period")
	cfg.Credits.MinTopUp = m.viper.GetInt("credits.min_topup")
	cfg.Credits.PricePerCredit = m.viper.GetFloat64("credits.price_per_credit")
	cfg.Credits.ResetSchedule = m.viper.GetString("credits.reset_schedule")
	cfg.Credits.Plans = DefaultPlans()
	if m.viper.IsSet("credits.plans") {
		plans := make(map[string]PlanConfig)
		if err := m.viper.UnmarshalKey("credits.plans", &plans); err != nil {
			return fmt.Errorf("credits.plans: %w", err)
		}
		for name, plan := range plans {
			cfg.Credits.Plans[name] = plan
		}
	}

	// Cache
	cfg.Cache.TTLSeconds = m.viper.GetInt("cache.ttl_seconds")
	cfg.Cache.HistoryLimit = m.viper.GetInt("cache.history_limit")
	cfg.Cache.PurgeSchedule = m.viper.GetString("cache.purge_schedule")

	// Auth
	cfg.Auth.Enabled = m.viper.GetBool("auth.enabled")
	cfg.Auth.JWTSecret = m.viper.GetString("auth.jwt_secret")
	cfg.Auth.Issuer = m.viper.GetString("auth.issuer")

	// Rate limit
	cfg.RateLimit.RequestsPerMinute = m.viper.GetInt("rate_limit.requests_per_minute")
	cfg.RateLimit.Burst = m.viper.GetInt("rate_limit.burst")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.File = m.viper.GetString("logging.file")

	// Audit
	cfg.Audit.Enabled = m.viper.GetBool("audit.enabled")
	cfg.Audit.LogPath = m.viper.GetString("audit.log_path")
	cfg.Audit.MaxSize = m.viper.GetInt("audit.max_size")
	cfg.Audit.MaxBackups = m.viper.GetInt("audit.max_backups")
	cfg.Audit.MaxAge = m.viper.GetInt("audit.max_age")
	cfg.Audit.Compress = m.viper.GetBool("audit.compress")

	// Tracing
	cfg.Tracing.Endpoint = m.viper.GetString("tracing.endpoint")
	cfg.Tracing.SampleRate = m.viper.GetFloat64("tracing.sample_rate")
	cfg.Tracing.ServiceName = m.viper.GetString("tracing.service_name")

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// applyEnvOverrides applies environment variable overrides for sensitive data.
func (m *viperConfigManager) applyEnvOverrides() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.LLM.APIKey == "" {
		switch m.config.LLM.Provider {
		case "anthropic":
			m.config.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai":
			m.config.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}

	if secret := os.Getenv("VIBE_JWT_SECRET"); secret != "" {
		m.config.Auth.JWTSecret = secret
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" && m.config.Database.PostgresURL == "" {
		m.config.Database.PostgresURL = dsn
	}

	m.config.LLM.Configured = m.config.LLMConfigured()
}
