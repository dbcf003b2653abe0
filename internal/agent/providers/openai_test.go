package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/clinagent/internal/agent"
	"github.com/haasonsaas/clinagent/pkg/models"
)

func newTestOpenAI(t *testing.T, url string) *OpenAIProvider {
	t.Helper()
	p, err := NewOpenAIProvider(OpenAIConfig{
		APIKey:     "sk-test",
		BaseURL:    url + "/v1",
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error = %v", err)
	}
	return p
}

func TestNewOpenAIProvider(t *testing.T) {
	if _, err := NewOpenAIProvider(OpenAIConfig{}); err == nil {
		t.Error("expected error for missing API key")
	}
	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error = %v", err)
	}
	if p.defaultModel != "gpt-4o" || p.Name() != "openai" {
		t.Errorf("defaultModel = %q, Name() = %q", p.defaultModel, p.Name())
	}
	if len(p.Models()) == 0 {
		t.Error("Models() is empty")
	}
}

func TestOpenAIProvider_StreamsTextAndToolCalls(t *testing.T) {
	var body struct {
		Model    string           `json:"model"`
		Messages []map[string]any `json:"messages"`
		Tools    []map[string]any `json:"tools"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		// Second call's arguments arrive before the first to check ordering.
		writeSSE(t, w, []string{
			`data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Let me "}}]}`,
			``,
			`data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"check."}}]}`,
			``,
			`data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"search_pubmed","arguments":"{\"query\":"}}]}}]}`,
			``,
			`data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"add","arguments":""}}]}}]}`,
			``,
			`data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"function":{"arguments":"\"BRCA1\"}"}}]}}]}`,
			``,
			`data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			``,
			`data: {"id":"c1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":20,"completion_tokens":7,"total_tokens":27}}`,
			``,
			`data: [DONE]`,
			``,
		})
	}))
	defer server.Close()

	p := newTestOpenAI(t, server.URL)
	ch, err := p.Complete(context.Background(), &agent.CompletionRequest{
		System: "sys",
		Messages: []agent.CompletionMessage{
			{Role: "user", Content: "q"},
			{Role: "assistant", ToolCalls: []models.ToolCall{{ID: "call_0", Name: "add", Input: json.RawMessage(`{"a":1,"b":2}`)}}},
			{Role: "tool", ToolResults: []models.ToolResult{{ToolCallID: "call_0", Content: "3"}}},
		},
		Tools: []agent.Tool{&mockTool{name: "add", schema: json.RawMessage(`{"type":"object","properties":{}}`)}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	text, calls, done, streamErr := collectChunks(t, ch)
	if streamErr != nil {
		t.Fatalf("stream error = %v", streamErr)
	}
	if text != "Let me check." {
		t.Errorf("text = %q", text)
	}
	if len(calls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(calls))
	}
	if calls[0].ID != "call_a" || string(calls[0].Input) != "{}" {
		t.Errorf("calls[0] = %+v input %s, want call_a with {}", calls[0], calls[0].Input)
	}
	if calls[1].Name != "search_pubmed" || string(calls[1].Input) != `{"query":"BRCA1"}` {
		t.Errorf("calls[1] = %+v input %s", calls[1], calls[1].Input)
	}
	if done == nil || done.InputTokens != 20 || done.OutputTokens != 7 {
		t.Errorf("done = %+v, want tokens 20/7", done)
	}

	if body.Model != "gpt-4o" {
		t.Errorf("model = %q", body.Model)
	}
	if len(body.Messages) != 4 || body.Messages[0]["role"] != "system" || body.Messages[3]["role"] != "tool" {
		t.Errorf("messages = %v", body.Messages)
	}
	if body.Messages[3]["tool_call_id"] != "call_0" {
		t.Errorf("tool message = %v", body.Messages[3])
	}
	if len(body.Tools) != 1 {
		t.Errorf("tools = %v", body.Tools)
	}
}

func TestOpenAIProvider_Errors(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		wantReason   FailoverReason
		wantAttempts int32
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"Incorrect API key","type":"invalid_request_error","code":"invalid_api_key"}}`, FailoverAuth, 1},
		{"server error retried", http.StatusServiceUnavailable, `{"error":{"message":"overloaded","type":"server_error"}}`, FailoverServerError, 2},
		{"quota", http.StatusTooManyRequests, `{"error":{"message":"quota","type":"insufficient_quota","code":"insufficient_quota"}}`, FailoverBilling, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&attempts, 1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			p := newTestOpenAI(t, server.URL)
			ch, err := p.Complete(context.Background(), &agent.CompletionRequest{
				Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
			})
			if err != nil {
				t.Fatalf("Complete() error = %v", err)
			}
			_, _, _, streamErr := collectChunks(t, ch)
			var perr *ProviderError
			if !errors.As(streamErr, &perr) {
				t.Fatalf("error = %v, want *ProviderError", streamErr)
			}
			if perr.Reason != tt.wantReason {
				t.Errorf("Reason = %s, want %s", perr.Reason, tt.wantReason)
			}
			if got := atomic.LoadInt32(&attempts); got != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", got, tt.wantAttempts)
			}
		})
	}
}
