package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vibeai/vibe-core/internal/config"
	"github.com/vibeai/vibe-core/internal/llm/provider/anthropic"
	"github.com/vibeai/vibe-core/internal/llm/provider/openai"
	"github.com/vibeai/vibe-core/internal/llm/types"
	"github.com/vibeai/vibe-core/internal/metrics"
)

// ProviderType identifies which LLM provider is configured
type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderNone      ProviderType = "none" // No LLM configured
)

// DefaultTimeout bounds a generation when the config does not.
const DefaultTimeout = 120 * time.Second

var (
	// ErrProviderNotConfigured is returned when generation is attempted without a configured provider
	ErrProviderNotConfigured = errors.New("LLM provider not configured")

	// ErrGenerationTimeout is returned when a generation exceeds its timeout
	ErrGenerationTimeout = errors.New("generation timed out")

	// ErrStreamInterrupted is returned when a stream ends before the provider finished it
	ErrStreamInterrupted = errors.New("generation stream interrupted")
)

// Config holds LLM provider configuration
type Config struct {
	Provider    ProviderType  `json:"provider"`
	APIKey      string        `json:"api_key"`
	BaseURL     string        `json:"base_url"`
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
	Timeout     time.Duration `json:"timeout"`
}

// ConfigFromApp maps the application LLM settings onto an adapter Config.
func ConfigFromApp(cfg *config.Config) *Config {
	temp := cfg.LLM.Temperature
	return &Config{
		Provider:    ProviderType(cfg.LLM.Provider),
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: &temp,
		Timeout:     time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
	}
}

// backend is what each provider client implements.
type backend interface {
	Generator
	Model() string
}

// Adapter routes generation to the configured provider. It is safe for
// concurrent use.
type Adapter struct {
	provider ProviderType
	model    string
	client   backend
	timeout  time.Duration
	logger   *zap.Logger
}

// New creates an adapter from cfg. Missing credentials yield an unconfigured
// adapter rather than an error so the service can start degraded.
func New(cfg *Config, logger *zap.Logger) (*Adapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{provider: ProviderNone, timeout: DefaultTimeout, logger: logger}
	if cfg == nil {
		return a, nil
	}
	if cfg.Timeout > 0 {
		a.timeout = cfg.Timeout
	}

	var client backend
	var err error

	switch cfg.Provider {
	case "", ProviderNone:
		return a, nil

	case ProviderAnthropic:
		if cfg.APIKey == "" {
			logger.Warn("anthropic provider selected without API key, generation disabled")
			return a, nil
		}
		client, err = anthropic.NewClient(anthropic.Options{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			BaseURL:     cfg.BaseURL,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			Timeout:     a.timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Anthropic client: %w", err)
		}

	case ProviderOpenAI:
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			logger.Warn("openai provider selected without API key or base URL, generation disabled")
			return a, nil
		}
		client, err = openai.NewClient(openai.Options{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			BaseURL:     cfg.BaseURL,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			Timeout:     a.timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}

	a.provider = cfg.Provider
	a.client = client
	a.model = client.Model()
	return a, nil
}

// Configured reports whether a provider is wired.
func (a *Adapter) Configured() bool { return a.client != nil }

// Provider returns the configured provider type.
func (a *Adapter) Provider() ProviderType { return a.provider }

// Model returns the model in use, empty when unconfigured.
func (a *Adapter) Model() string { return a.model }

// Generate implements Generator.
func (a *Adapter) Generate(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error) {
	if a.client == nil {
		return nil, ErrProviderNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	resp, err := a.client.Generate(ctx, req)
	err = a.classify(ctx, err)
	a.record(start, err, usageOf(resp))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Stream implements Generator. The returned channel always ends with a
// terminal event: Done, or Err carrying ErrGenerationTimeout,
// ErrStreamInterrupted, the caller's context error or the provider error.
func (a *Adapter) Stream(ctx context.Context, req types.CompletionRequest) (<-chan types.StreamEvent, error) {
	if a.client == nil {
		return nil, ErrProviderNotConfigured
	}

	start := time.Now()
	streamCtx, cancel := context.WithTimeout(ctx, a.timeout)
	inner, err := a.client.Stream(streamCtx, req)
	if err != nil {
		err = a.classify(streamCtx, err)
		cancel()
		a.record(start, err, nil)
		return nil, err
	}

	out := make(chan types.StreamEvent, cap(inner))
	go func() {
		defer close(out)
		defer cancel()

		var terminal *types.StreamEvent
		for ev := range inner {
			if ev.Done || ev.Err != nil {
				ev := ev
				if ev.Err != nil {
					ev.Err = a.classify(streamCtx, ev.Err)
				}
				terminal = &ev
				break
			}
			select {
			case out <- ev:
			case <-streamCtx.Done():
			}
			if streamCtx.Err() != nil {
				break
			}
		}
		if terminal == nil {
			cause := ErrStreamInterrupted
			if streamCtx.Err() != nil {
				cause = a.classify(streamCtx, streamCtx.Err())
			}
			terminal = &types.StreamEvent{Err: cause}
		}

		a.record(start, terminal.Err, terminal.Usage)
		// Prefer delivering the terminal event; give up only once the
		// caller's context has ended.
		select {
		case out <- *terminal:
		default:
			select {
			case out <- *terminal:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// classify maps deadline expiry of the adapter timeout to ErrGenerationTimeout.
func (a *Adapter) classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrGenerationTimeout, a.timeout)
	}
	return err
}

func (a *Adapter) record(start time.Time, err error, usage *types.TokenUsage) {
	provider, model := string(a.provider), a.model
	status := "success"
	if err != nil {
		status = "error"
		if errors.Is(err, ErrGenerationTimeout) {
			status = "timeout"
		}
		a.logger.Warn("generation failed",
			zap.String("provider", provider), zap.String("model", model), zap.Error(err))
	}
	metrics.LLMRequestsTotal.WithLabelValues(provider, model, status).Inc()
	metrics.LLMRequestDuration.WithLabelValues(provider, model).Observe(time.Since(start).Seconds())
	if usage != nil {
		metrics.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(usage.PromptTokens))
		metrics.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(usage.CompletionTokens))
	}
}

func usageOf(resp *types.CompletionResponse) *types.TokenUsage {
	if resp == nil {
		return nil
	}
	return &resp.Usage
}
