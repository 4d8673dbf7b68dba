// Package adapter provides the generation backend used to execute commands.
//
// Responsibilities:
//   - Hide the differences between providers (Anthropic, OpenAI-compatible)
//   - Offer batch and streaming generation behind one interface
//   - Bound every call with the configured generation timeout
//   - Report request counts, latency and token usage to Prometheus
//   - Start unconfigured (no credentials) without failing the service
//
// Supported Providers:
//   1. Anthropic: claude-3-5-sonnet (default)
//   2. OpenAI: gpt-4o and any OpenAI-compatible gateway
//
// Timeouts:
//   A call that exceeds the generation timeout fails with ErrGenerationTimeout,
//   both for Generate and for a stream that has not finished in time.
//
// Fallback Behavior (No Provider Configured):
//   - Generate and Stream return ErrProviderNotConfigured
//   - Configured() reports false so the HTTP surface answers 503
//   - Ledger, usage and history endpoints keep working
package adapter

import (
	"context"

	"github.com/vibeai/vibe-core/internal/llm/types"
)

// Generator produces model output for a prompt.
type Generator interface {
	// Generate returns the whole completion.
	Generate(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error)

	// Stream returns a channel of text chunks ending with a Done or Err event.
	// The channel closes without a terminal event if the stream is cut short.
	Stream(ctx context.Context, req types.CompletionRequest) (<-chan types.StreamEvent, error)
}

// EstimateTokens approximates the token count of text at four characters
// per token, rounding up.
func EstimateTokens(text string) int {
	n := len([]rune(text))
	return (n + 3) / 4
}
