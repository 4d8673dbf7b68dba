package openai

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
	tests := []struct {
		name      string
		opts      Options
		wantError bool
	}{
		{
			name: "Valid configuration",
			opts: Options{APIKey: "sk-test123", Model: "gpt-4o"},
		},
		{
			name:      "Empty API key",
			opts:      Options{Model: "gpt-4o"},
			wantError: true,
		},
		{
			name: "Gateway without key",
			opts: Options{BaseURL: "http://localhost:8000/v1"},
		},
		{
			name: "Default model",
			opts: Options{APIKey: "sk-test123"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.opts)

			if tt.wantError && err == nil {
				t.Errorf("NewClient() expected error but got none")
			}
			if !tt.wantError && err != nil {
				t.Errorf("NewClient() unexpected error: %v", err)
			}
			if !tt.wantError && client == nil {
				t.Errorf("NewClient() returned nil client")
			}
			if !tt.wantError && tt.opts.Model == "" && client.model != DefaultModel {
				t.Errorf("Expected default model %s, got %s", DefaultModel, client.model)
			}
		})
	}
}

func TestParseSSELine(t *testing.T) {
	tests := []struct {
		line   string
		want   string
		wantOK bool
	}{
		{`data: {"a":1}`, `{"a":1}`, true},
		{`data:[DONE]`, "[DONE]", true},
		{": keep-alive", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := parseSSELine(tt.line)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("parseSSELine(%q) = %q, %v; want %q, %v", tt.line, got, ok, tt.want, tt.wantOK)
		}
	}
}

func newTestClient(t *testing.T, apiKey string, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(Options{APIKey: apiKey, BaseURL: srv.URL + "/v1", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client
}

func TestGenerate(t *testing.T) {
	client := newTestClient(t, "sk-test", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("Unexpected Authorization %q", r.Header.Get("Authorization"))
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
			return
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Content != "hi" {
			t.Errorf("Unexpected messages %+v", req.Messages)
		}

		fmt.Fprint(w, `{"id":"c1","model":"gpt-4o","choices":[{"index":0,
			"message":{"role":"assistant","content":"Hello!"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":9,"completion_tokens":2,"total_tokens":11}}`)
	})

	resp, err := client.Generate(context.Background(), types.CompletionRequest{
		System:   "sys",
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Content != "Hello!" || resp.StopReason != "stop" {
		t.Errorf("Unexpected response %+v", resp)
	}
	if resp.Usage.TotalTokens != 11 {
		t.Errorf("Expected 11 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestGenerateNoChoices(t *testing.T) {
	client := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("Keyless client must not send Authorization")
		}
		fmt.Fprint(w, `{"id":"c1","choices":[]}`)
	})

	_, err := client.Generate(context.Background(), types.CompletionRequest{})
	if err == nil || !strings.Contains(err.Error(), "no choices") {
		t.Errorf("Expected no choices error, got %v", err)
	}
}

func TestGenerateAPIError(t *testing.T) {
	client := newTestClient(t, "sk-test", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid key"}}`, http.StatusUnauthorized)
	})

	_, err := client.Generate(context.Background(), types.CompletionRequest{})
	var apiErr *types.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401 APIError, got %v", err)
	}
}

func TestStream(t *testing.T) {
	client := newTestClient(t, "sk-test", func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream || req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Errorf("Expected stream with usage, got %+v", req)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range []string{
			`data: {"choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
			`data: {"choices":[{"index":0,"delta":{"content":"Hi "}}]}`,
			`: keep-alive`,
			`data: {"choices":[{"index":0,"delta":{"content":"team"},"finish_reason":"stop"}]}`,
			`data: {"choices":[],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`,
			`data: [DONE]`,
		} {
			fmt.Fprintf(w, "%s\n\n", line)
			flusher.Flush()
		}
	})

	events, err := client.Stream(context.Background(), types.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "greet"}},
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var text strings.Builder
	var last types.StreamEvent
	for ev := range events {
		text.WriteString(ev.Text)
		last = ev
	}
	if text.String() != "Hi team" {
		t.Errorf("Expected 'Hi team', got %q", text.String())
	}
	if !last.Done || last.Usage == nil || last.Usage.TotalTokens != 6 {
		t.Errorf("Expected Done with 6 tokens, got %+v", last)
	}
}

func TestStreamInterrupted(t *testing.T) {
	client := newTestClient(t, "sk-test", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"cut\"}}]}\n\n")
	})

	events, err := client.Stream(context.Background(), types.CompletionRequest{})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	for ev := range events {
		if ev.Done || ev.Err != nil {
			t.Errorf("Interrupted stream must close without a terminal event, got %+v", ev)
		}
	}
}
