package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vibeai/vibe-core/internal/llm/types"
)

// Anthropic API constants
const (
	DefaultBaseURL    = "https://api.anthropic.com/v1"
	DefaultModel      = "claude-3-5-sonnet-20241022"
	DefaultMaxTokens  = 4096
	DefaultAPIVersion = "2023-06-01"
	DefaultTimeout    = 120 * time.Second
)

// Options configures a Client. Zero values take the package defaults.
type Options struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	Temperature *float64
	// Timeout bounds batch requests. Streams rely on context cancellation.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the Anthropic Messages API.
type Client struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature *float64
	baseURL     string
	httpClient  *http.Client
	// streamClient has no overall timeout; a stream ends with its context.
	streamClient *http.Client
}

// anthMessage represents an Anthropic API message
type anthMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// anthRequest represents an Anthropic API request
type anthRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Messages    []anthMessage `json:"messages"`
	System      string        `json:"system,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// anthResponse represents an Anthropic API response
type anthResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      anthUsage      `json:"usage"`
}

// anthUsage tracks token usage
type anthUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// SSE event payloads from the streaming API
type sseEvent struct {
	Type    string        `json:"type"`
	Index   int           `json:"index,omitempty"`
	Delta   *sseDelta     `json:"delta,omitempty"`
	Usage   *anthUsage    `json:"usage,omitempty"`
	Message *anthResponse `json:"message,omitempty"`
	Error   *sseError     `json:"error,omitempty"`
}

type sseDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

type sseError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewClient creates a new Anthropic client
func NewClient(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	c := &Client{
		apiKey:       opts.APIKey,
		model:        opts.Model,
		maxTokens:    opts.MaxTokens,
		temperature:  opts.Temperature,
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		httpClient:   opts.HTTPClient,
		streamClient: opts.HTTPClient,
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.maxTokens <= 0 {
		c.maxTokens = DefaultMaxTokens
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c.httpClient = &http.Client{Timeout: timeout}
		c.streamClient = &http.Client{}
	}
	return c, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Generate performs a non-streaming completion.
func (c *Client) Generate(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error) {
	httpResp, err := c.send(ctx, c.httpClient, c.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var resp anthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &types.CompletionResponse{
		Content:    text.String(),
		Model:      resp.Model,
		StopReason: resp.StopReason,
		Usage:      usage(resp.Usage),
	}, nil
}

// Stream performs a streaming completion. Text deltas are delivered in order;
// the channel is closed after the terminal event.
func (c *Client) Stream(ctx context.Context, req types.CompletionRequest) (<-chan types.StreamEvent, error) {
	httpResp, err := c.send(ctx, c.streamClient, c.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	events := make(chan types.StreamEvent, 100)
	go func() {
		defer close(events)
		defer httpResp.Body.Close()

		emit := func(ev types.StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var total anthUsage
		var eventType string
		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()

			if strings.HasPrefix(line, "event: ") {
				eventType = strings.TrimPrefix(line, "event: ")
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event sseEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}
			if eventType == "" {
				eventType = event.Type
			}

			switch eventType {
			case "message_start":
				if event.Message != nil {
					total.InputTokens = event.Message.Usage.InputTokens
				}

			case "content_block_delta":
				if event.Delta != nil && event.Delta.Type == "text_delta" && event.Delta.Text != "" {
					if !emit(types.StreamEvent{Text: event.Delta.Text}) {
						return
					}
				}

			case "message_delta":
				if event.Usage != nil {
					total.OutputTokens = event.Usage.OutputTokens
				}

			case "message_stop":
				u := usage(total)
				emit(types.StreamEvent{Done: true, Usage: &u})
				return

			case "error":
				msg := "stream error"
				if event.Error != nil {
					msg = event.Error.Type + ": " + event.Error.Message
				}
				emit(types.StreamEvent{Err: fmt.Errorf("anthropic: %s", msg)})
				return
			}
			eventType = ""
		}

		switch {
		case ctx.Err() != nil:
			emit(types.StreamEvent{Err: ctx.Err()})
		case scanner.Err() != nil:
			emit(types.StreamEvent{Err: fmt.Errorf("failed to read stream: %w", scanner.Err())})
		}
		// Otherwise the body ended without message_stop: close without a
		// terminal event so the consumer sees an interrupted stream.
	}()

	return events, nil
}

func (c *Client) buildRequest(req types.CompletionRequest, stream bool) anthRequest {
	ar := anthRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Messages:    convertMessages(req.Messages),
		System:      extractSystem(req),
		Temperature: c.temperature,
		Stream:      stream,
	}
	if req.MaxTokens > 0 {
		ar.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		ar.Temperature = req.Temperature
	}
	return ar
}

// send posts to /messages and returns the response on HTTP 200.
func (c *Client) send(ctx context.Context, client *http.Client, req anthRequest) (*http.Response, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", DefaultAPIVersion)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, &types.APIError{Provider: "anthropic", StatusCode: httpResp.StatusCode, Body: string(body)}
	}
	return httpResp, nil
}

// extractSystem joins the request system prompt with any system-role
// messages; Anthropic takes the system prompt as a top-level field.
func extractSystem(req types.CompletionRequest) string {
	parts := make([]string, 0, 1)
	if req.System != "" {
		parts = append(parts, req.System)
	}
	for _, m := range req.Messages {
		if m.Role == "system" && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// convertMessages converts []types.Message to Anthropic anthMessage format,
// skipping system messages.
func convertMessages(messages []types.Message) []anthMessage {
	result := make([]anthMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			continue
		}
		result = append(result, anthMessage{
			Role:    m.Role,
			Content: []contentBlock{{Type: "text", Text: m.Content}},
		})
	}
	return result
}

func usage(u anthUsage) types.TokenUsage {
	return types.TokenUsage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}
