package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vibeai/vibe-core/internal/llm/types"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient(Options{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	if client.apiKey != "test-key" {
		t.Errorf("Expected API key 'test-key', got '%s'", client.apiKey)
	}
	if client.model != DefaultModel {
		t.Errorf("Expected model %s, got '%s'", DefaultModel, client.model)
	}
	if client.maxTokens != DefaultMaxTokens {
		t.Errorf("Expected default max tokens %d, got %d", DefaultMaxTokens, client.maxTokens)
	}
	if client.baseURL != DefaultBaseURL {
		t.Errorf("Expected default base URL %s, got %s", DefaultBaseURL, client.baseURL)
	}
	if client.httpClient.Timeout != DefaultTimeout {
		t.Errorf("Expected default timeout %v, got %v", DefaultTimeout, client.httpClient.Timeout)
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Options{}); err == nil {
		t.Error("Expected error for empty API key")
	}
}

func TestExtractSystemAndConvertMessages(t *testing.T) {
	req := types.CompletionRequest{
		System: "You are helpful.",
		Messages: []types.Message{
			{Role: "system", Content: "Be brief."},
			{Role: "user", Content: "Hello"},
		},
	}

	if got := extractSystem(req); got != "You are helpful.\n\nBe brief." {
		t.Errorf("Unexpected system prompt %q", got)
	}

	msgs := convertMessages(req.Messages)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content[0].Type != "text" || msgs[0].Content[0].Text != "Hello" {
		t.Errorf("Unexpected converted message %+v", msgs[0])
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(Options{APIKey: "test-key", BaseURL: srv.URL, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client
}

func TestGenerate(t *testing.T) {
	temp := 0.7
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("Missing x-api-key header")
		}
		if r.Header.Get("anthropic-version") != DefaultAPIVersion {
			t.Errorf("Unexpected anthropic-version %q", r.Header.Get("anthropic-version"))
		}

		var req anthRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
			return
		}
		if req.System != "sys" {
			t.Errorf("Expected system 'sys', got %q", req.System)
		}
		if req.MaxTokens != 256 {
			t.Errorf("Expected max_tokens override 256, got %d", req.MaxTokens)
		}
		if req.Temperature == nil || *req.Temperature != 0.7 {
			t.Errorf("Expected temperature 0.7, got %v", req.Temperature)
		}
		if req.Stream {
			t.Error("Batch request must not set stream")
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-sonnet-20241022",
			"content":[{"type":"text","text":"Hello "},{"type":"text","text":"there"}],
			"stop_reason":"end_turn","usage":{"input_tokens":12,"output_tokens":3}}`)
	})

	resp, err := client.Generate(context.Background(), types.CompletionRequest{
		System:      "sys",
		Messages:    []types.Message{{Role: "user", Content: "hi"}},
		MaxTokens:   256,
		Temperature: &temp,
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Content != "Hello there" {
		t.Errorf("Expected 'Hello there', got %q", resp.Content)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 3 || resp.Usage.TotalTokens != 15 {
		t.Errorf("Unexpected usage %+v", resp.Usage)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("Unexpected stop reason %q", resp.StopReason)
	}
}

func TestGenerateAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	})

	_, err := client.Generate(context.Background(), types.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	var apiErr *types.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *types.APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests || !strings.Contains(apiErr.Body, "slow down") {
		t.Errorf("Unexpected API error %+v", apiErr)
	}
}

func writeSSE(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	for _, e := range events {
		fmt.Fprint(w, e)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func collect(t *testing.T, events <-chan types.StreamEvent) (string, []types.StreamEvent) {
	t.Helper()
	var text strings.Builder
	var all []types.StreamEvent
	for ev := range events {
		text.WriteString(ev.Text)
		all = append(all, ev)
	}
	return text.String(), all
}

func TestStream(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req anthRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("Stream request must set stream")
		}
		writeSSE(w,
			"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":20,\"output_tokens\":1}}}\n\n",
			"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0}\n\n",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Dear \"}}\n\n",
			"event: ping\ndata: {\"type\":\"ping\"}\n\n",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"customer\"}}\n\n",
			"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":7}}\n\n",
			"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
		)
	})

	events, err := client.Stream(context.Background(), types.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "write"}},
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	text, all := collect(t, events)
	if text != "Dear customer" {
		t.Errorf("Expected 'Dear customer', got %q", text)
	}
	last := all[len(all)-1]
	if !last.Done || last.Usage == nil {
		t.Fatalf("Expected terminal Done event with usage, got %+v", last)
	}
	if last.Usage.PromptTokens != 20 || last.Usage.CompletionTokens != 7 {
		t.Errorf("Unexpected usage %+v", last.Usage)
	}
}

func TestStreamErrorEvent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"partial\"}}\n\n",
			"event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n",
		)
	})

	events, err := client.Stream(context.Background(), types.CompletionRequest{})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	_, all := collect(t, events)
	last := all[len(all)-1]
	if last.Err == nil || !strings.Contains(last.Err.Error(), "overloaded_error") {
		t.Errorf("Expected overloaded error, got %+v", last)
	}
}

func TestStreamInterrupted(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"half\"}}\n\n",
		)
	})

	events, err := client.Stream(context.Background(), types.CompletionRequest{})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	text, all := collect(t, events)
	if text != "half" {
		t.Errorf("Expected 'half', got %q", text)
	}
	for _, ev := range all {
		if ev.Done || ev.Err != nil {
			t.Errorf("Interrupted stream must close without a terminal event, got %+v", ev)
		}
	}
}

func TestStreamHTTPError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	})

	_, err := client.Stream(context.Background(), types.CompletionRequest{})
	var apiErr *types.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401 APIError, got %v", err)
	}
}
