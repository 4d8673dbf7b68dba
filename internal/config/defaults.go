package config

// DefaultPlans returns the built-in plan table.
func DefaultPlans() map[string]PlanConfig {
	return map[string]PlanConfig{
		"free":       {MonthlyCredits: 10},
		"starter":    {MonthlyCredits: 500, OverageRate: 0.40},
		"growth":     {MonthlyCredits: 2500, OverageRate: 0.30, AllowOverage: true},
		"scale":      {MonthlyCredits: 10000, OverageRate: 0.20, AllowOverage: true},
		"enterprise": {Unlimited: true},
	}
}

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8090
	cfg.Server.GRPCPort = 9090
	cfg.Server.ReadTimeout = 15
	cfg.Server.WriteTimeout = 0
	cfg.Server.ShutdownTimeout = 10
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.Server.MaxCommandLength = 8000

	// Database defaults
	cfg.Database.Type = "sqlite"
	cfg.Database.SQLitePath = "/var/lib/vibe/vibe-core.db"
	cfg.Database.PostgresURL = ""
	cfg.Database.MaxOpenConns = 25
	cfg.Database.MaxIdleConns = 5
	cfg.Database.ConnMaxLifetime = 300

	// LLM defaults
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.Model = "claude-3-5-sonnet-20241022"
	cfg.LLM.MaxTokens = 4096
	cfg.LLM.Temperature = 0.7
	cfg.LLM.TimeoutSeconds = 120

	// Credits defaults
	cfg.Credits.DefaultPlan = "free"
	cfg.Credits.Period = "monthly"
	cfg.Credits.MinTopUp = 100
	cfg.Credits.PricePerCredit = 0.25
	cfg.Credits.ResetSchedule = "@every 15m"
	cfg.Credits.Plans = DefaultPlans()

	// Cache defaults
	cfg.Cache.TTLSeconds = 300
	cfg.Cache.HistoryLimit = 10
	cfg.Cache.PurgeSchedule = "@every 5m"

	// Auth defaults
	cfg.Auth.Enabled = true
	cfg.Auth.Issuer = "vibe"

	// Rate limit defaults
	cfg.RateLimit.RequestsPerMinute = 120
	cfg.RateLimit.Burst = 30

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	// Audit defaults
	cfg.Audit.Enabled = true
	cfg.Audit.LogPath = "logs/audit.log"
	cfg.Audit.MaxSize = 100 // megabytes
	cfg.Audit.MaxBackups = 10
	cfg.Audit.MaxAge = 30 // days
	cfg.Audit.Compress = true

	// Tracing defaults
	cfg.Tracing.SampleRate = 1.0
	cfg.Tracing.ServiceName = "vibe-core"

	return cfg
}
