package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Service metrics exposed at /metrics
var (
	// Command metrics
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vibe_core_commands_total",
			Help: "Total number of commands by category and final status",
		},
		[]string{"category", "status"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vibe_core_command_duration_seconds",
			Help:    "Time from admission to finalization",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4min
		},
		[]string{"category", "mode"}, // mode: batch/stream
	)

	CommandsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vibe_core_commands_in_flight",
			Help: "Commands currently in the processing state",
		},
	)

	// Credit metrics
	CreditsReserved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vibe_core_credits_reserved_total",
			Help: "Credits charged at admission",
		},
		[]string{"plan"},
	)

	CreditsRefunded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vibe_core_credits_refunded_total",
			Help: "Credits returned by rollback",
		},
	)

	CreditsPurchased = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vibe_core_credits_purchased_total",
			Help: "Credits added by top-up",
		},
		[]string{"plan"},
	)

	InsufficientCredits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vibe_core_insufficient_credits_total",
			Help: "Reservations refused for lack of credit",
		},
		[]string{"plan"},
	)

	CreditAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vibe_core_credit_alerts_total",
			Help: "Balance status transitions into warning, danger or overage",
		},
		[]string{"status"},
	)

	PeriodResets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vibe_core_period_resets_total",
			Help: "Billing period resets applied",
		},
	)

	LedgerInvariantViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vibe_core_ledger_invariant_violations_total",
			Help: "Commit or rollback calls that did not match a reserved reservation",
		},
	)

	// LLM metrics
	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vibe_core_llm_requests_total",
			Help: "Total number of LLM API requests",
		},
		[]string{"provider", "model", "status"},
	)

	LLMTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vibe_core_llm_tokens_total",
			Help: "Total number of LLM tokens consumed",
		},
		[]string{"provider", "model", "type"}, // type: input/output
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vibe_core_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"provider", "model"},
	)

	// Context cache metrics
	ContextCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vibe_core_context_cache_lookups_total",
			Help: "Context cache lookups by entry kind and outcome",
		},
		[]string{"kind", "result"}, // kind: account/history, result: hit/miss
	)

	ContextCachePurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vibe_core_context_cache_purged_total",
			Help: "Expired context cache entries dropped by the purge job",
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vibe_core_http_requests_total",
			Help: "HTTP requests by route template, method and status code",
		},
		[]string{"route", "method", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vibe_core_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vibe_core_rate_limited_total",
			Help: "Requests refused by the rate limiter",
		},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vibe_core_websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vibe_core_websocket_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction"}, // direction: inbound/outbound
	)
)
