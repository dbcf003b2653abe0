package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/clinagent/internal/agent"
	"github.com/haasonsaas/clinagent/pkg/models"
)

// mockTool implements agent.Tool for testing.
type mockTool struct {
	name   string
	schema json.RawMessage
}

func (m *mockTool) Name() string            { return m.name }
func (m *mockTool) Description() string     { return "test tool" }
func (m *mockTool) Schema() json.RawMessage { return m.schema }

func (m *mockTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	return agent.Succeed("ok"), nil
}

func writeSSE(t *testing.T, w http.ResponseWriter, lines []string) {
	t.Helper()
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, ok := w.(http.Flusher)
	if !ok {
		t.Error("expected http.Flusher")
		return
	}
	for _, line := range lines {
		fmt.Fprintln(w, line)
		flusher.Flush()
	}
}

func collectChunks(t *testing.T, ch <-chan *agent.CompletionChunk) (text string, calls []*models.ToolCall, done *agent.CompletionChunk, err error) {
	t.Helper()
	var sb strings.Builder
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return sb.String(), calls, done, err
			}
			switch {
			case chunk.Error != nil:
				err = chunk.Error
			case chunk.ToolCall != nil:
				calls = append(calls, chunk.ToolCall)
			case chunk.Done:
				done = chunk
			default:
				sb.WriteString(chunk.Text)
			}
		case <-timeout:
			t.Fatal("timed out waiting for chunks")
		}
	}
}

func newTestAnthropic(t *testing.T, url string) *AnthropicProvider {
	t.Helper()
	p, err := NewAnthropicProvider(AnthropicConfig{
		APIKey:     "test-key",
		BaseURL:    url,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewAnthropicProvider() error = %v", err)
	}
	return p
}

func TestNewAnthropicProvider(t *testing.T) {
	tests := []struct {
		name        string
		config      AnthropicConfig
		expectError bool
	}{
		{"valid config", AnthropicConfig{APIKey: "test-key", MaxRetries: 3, RetryDelay: time.Second}, false},
		{"missing API key", AnthropicConfig{MaxRetries: 3}, true},
		{"defaults applied", AnthropicConfig{APIKey: "test-key"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewAnthropicProvider(tt.config)
			if tt.expectError {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if provider.defaultModel == "" {
				t.Error("default model not set")
			}
			if provider.Name() != "anthropic" || !provider.SupportsTools() {
				t.Errorf("Name() = %q, SupportsTools() = %v", provider.Name(), provider.SupportsTools())
			}
		})
	}
}

func TestAnthropicProvider_StreamsText(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			t.Errorf("path = %s, want /messages", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeSSE(t, w, []string{
			`event: message_start`,
			`data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-20250514","usage":{"input_tokens":12,"output_tokens":0}}}`,
			``,
			`event: content_block_start`,
			`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`,
			``,
			`event: content_block_stop`,
			`data: {"type":"content_block_stop","index":0}`,
			``,
			`event: message_delta`,
			`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`,
			``,
			`event: message_stop`,
			`data: {"type":"message_stop"}`,
			``,
		})
	}))
	defer server.Close()

	p := newTestAnthropic(t, server.URL)
	ch, err := p.Complete(context.Background(), &agent.CompletionRequest{
		System:   "be brief",
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	text, calls, done, streamErr := collectChunks(t, ch)
	if streamErr != nil {
		t.Fatalf("stream error = %v", streamErr)
	}
	if text != "Hello world" {
		t.Errorf("text = %q, want %q", text, "Hello world")
	}
	if len(calls) != 0 {
		t.Errorf("tool calls = %d, want 0", len(calls))
	}
	if done == nil || done.InputTokens != 12 || done.OutputTokens != 5 {
		t.Errorf("done = %+v, want tokens 12/5", done)
	}
	if body["model"] != "claude-sonnet-4-20250514" {
		t.Errorf("model = %v", body["model"])
	}
	if body["max_tokens"] != float64(defaultMaxTokens) {
		t.Errorf("max_tokens = %v, want %d", body["max_tokens"], defaultMaxTokens)
	}
}

func TestAnthropicProvider_ToolUse(t *testing.T) {
	var body struct {
		Tools    []map[string]any `json:"tools"`
		Messages []struct {
			Role    string           `json:"role"`
			Content []map[string]any `json:"content"`
		} `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeSSE(t, w, []string{
			`event: message_start`,
			`data: {"type":"message_start","message":{"id":"msg_2","type":"message","role":"assistant","content":[],"usage":{"input_tokens":3,"output_tokens":0}}}`,
			``,
			`event: content_block_start`,
			`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"add","input":{}}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"a\":2,"}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"b\":3}"}}`,
			``,
			`event: content_block_stop`,
			`data: {"type":"content_block_stop","index":0}`,
			``,
			`event: message_stop`,
			`data: {"type":"message_stop"}`,
			``,
		})
	}))
	defer server.Close()

	p := newTestAnthropic(t, server.URL)
	tool := &mockTool{name: "add", schema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"integer"},"b":{"type":"integer"}},"required":["a","b"]}`)}
	ch, err := p.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{
			{Role: "user", Content: "add"},
			{Role: "assistant", ToolCalls: []models.ToolCall{{ID: "toolu_0", Name: "add", Input: json.RawMessage(`{"a":1,"b":1}`)}}},
			{Role: "tool", ToolResults: []models.ToolResult{{ToolCallID: "toolu_0", Content: "2"}}},
		},
		Tools: []agent.Tool{tool},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	_, calls, done, streamErr := collectChunks(t, ch)
	if streamErr != nil {
		t.Fatalf("stream error = %v", streamErr)
	}
	if len(calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(calls))
	}
	if calls[0].ID != "toolu_1" || calls[0].Name != "add" || string(calls[0].Input) != `{"a":2,"b":3}` {
		t.Errorf("tool call = %+v input %s", calls[0], calls[0].Input)
	}
	if done == nil {
		t.Error("missing done chunk")
	}

	if len(body.Tools) != 1 || body.Tools[0]["name"] != "add" {
		t.Errorf("tools = %v", body.Tools)
	}
	if len(body.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(body.Messages))
	}
	if body.Messages[1].Role != "assistant" || body.Messages[1].Content[0]["type"] != "tool_use" {
		t.Errorf("assistant message = %+v", body.Messages[1])
	}
	if body.Messages[2].Role != "user" || body.Messages[2].Content[0]["type"] != "tool_result" {
		t.Errorf("tool message = %+v", body.Messages[2])
	}
}

func TestAnthropicProvider_Errors(t *testing.T) {
	tests := []struct {
		name         string
		statusCode   int
		response     string
		wantReason   FailoverReason
		wantAttempts int32
	}{
		{
			name:         "authentication error",
			statusCode:   http.StatusUnauthorized,
			response:     `{"type":"error","error":{"type":"authentication_error","message":"Invalid API key"}}`,
			wantReason:   FailoverAuth,
			wantAttempts: 1,
		},
		{
			name:         "rate limit error is retried",
			statusCode:   http.StatusTooManyRequests,
			response:     `{"type":"error","error":{"type":"rate_limit_error","message":"Rate limit exceeded"}}`,
			wantReason:   FailoverRateLimit,
			wantAttempts: 2,
		},
		{
			name:         "invalid request",
			statusCode:   http.StatusBadRequest,
			response:     `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`,
			wantReason:   FailoverInvalidRequest,
			wantAttempts: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&attempts, 1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.statusCode)
				fmt.Fprint(w, tt.response)
			}))
			defer server.Close()

			p := newTestAnthropic(t, server.URL)
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
			if perr.Status != tt.statusCode {
				t.Errorf("Status = %d, want %d", perr.Status, tt.statusCode)
			}
			if got := atomic.LoadInt32(&attempts); got != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", got, tt.wantAttempts)
			}
		})
	}
}

func TestConvertAnthropicMessages_InvalidInput(t *testing.T) {
	_, err := convertAnthropicMessages([]agent.CompletionMessage{
		{Role: "assistant", ToolCalls: []models.ToolCall{{ID: "x", Name: "add", Input: json.RawMessage(`[1]`)}}},
	})
	if err == nil {
		t.Error("expected error for non-object tool input")
	}

	msgs, err := convertAnthropicMessages([]agent.CompletionMessage{
		{Role: "system", Content: "ignored"},
		{Role: "user", Content: ""},
		{Role: "user", Content: "kept"},
	})
	if err != nil {
		t.Fatalf("convert error = %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("messages = %d, want 1", len(msgs))
	}
}
