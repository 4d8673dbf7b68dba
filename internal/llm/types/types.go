package types

import "fmt"

// Message represents a message in a conversation
type Message struct {
	Role    string `json:"role"`    // user, assistant
	Content string `json:"content"` // message text
}

// CompletionRequest represents a request to generate text
type CompletionRequest struct {
	System   string    `json:"system,omitempty"` // system prompt
	Messages []Message `json:"messages"`         // conversation, usually one user turn
	// MaxTokens and Temperature override the provider defaults when set.
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// CompletionResponse represents a completion response
type CompletionResponse struct {
	Content    string     `json:"content"`     // generated text
	Model      string     `json:"model"`       // model that served the request
	StopReason string     `json:"stop_reason"` // provider stop reason
	Usage      TokenUsage `json:"usage"`       // token usage
}

// TokenUsage tracks token usage
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`     // input tokens
	CompletionTokens int `json:"completion_tokens"` // output tokens
	TotalTokens      int `json:"total_tokens"`      // total tokens
}

// StreamEvent is one element of a generation stream.
//
// A well-formed stream carries zero or more Text events followed by exactly
// one terminal event: Done (with Usage when the provider reports it) or Err.
// A channel that closes without a terminal event was interrupted.
type StreamEvent struct {
	Text  string      `json:"text,omitempty"`
	Usage *TokenUsage `json:"usage,omitempty"`
	Done  bool        `json:"done,omitempty"`
	Err   error       `json:"-"`
}

// APIError is a non-2xx answer from a provider API.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}
