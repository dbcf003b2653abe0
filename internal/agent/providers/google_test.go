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

	"google.golang.org/genai"

	"github.com/haasonsaas/clinagent/internal/agent"
	"github.com/haasonsaas/clinagent/pkg/models"
)

func newTestGoogle(t *testing.T, url string) *GoogleProvider {
	t.Helper()
	p, err := NewGoogleProvider(context.Background(), GoogleConfig{
		APIKey:     "g-test",
		BaseURL:    url,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewGoogleProvider() error = %v", err)
	}
	return p
}

func TestNewGoogleProvider(t *testing.T) {
	if _, err := NewGoogleProvider(context.Background(), GoogleConfig{}); err == nil {
		t.Error("expected error for missing API key")
	}
}

func TestGoogleProvider_Streams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "gemini-2.0-flash:streamGenerateContent") {
			t.Errorf("path = %s", r.URL.Path)
		}
		writeSSE(t, w, []string{
			`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"Checking "}]}}]}`,
			``,
			`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"variants."},{"functionCall":{"name":"query_variants","args":{"gene":"TP53"}}}]}}],"usageMetadata":{"promptTokenCount":11,"candidatesTokenCount":4}}`,
			``,
		})
	}))
	defer server.Close()

	p := newTestGoogle(t, server.URL)
	ch, err := p.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "TP53?"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	text, calls, done, streamErr := collectChunks(t, ch)
	if streamErr != nil {
		t.Fatalf("stream error = %v", streamErr)
	}
	if text != "Checking variants." {
		t.Errorf("text = %q", text)
	}
	if len(calls) != 1 || calls[0].Name != "query_variants" || string(calls[0].Input) != `{"gene":"TP53"}` {
		t.Fatalf("calls = %+v", calls)
	}
	if !strings.HasPrefix(calls[0].ID, "call_") {
		t.Errorf("generated ID = %q, want call_ prefix", calls[0].ID)
	}
	if done == nil || done.InputTokens != 11 || done.OutputTokens != 4 {
		t.Errorf("done = %+v", done)
	}
}

func TestGoogleProvider_Errors(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		want         FailoverReason
		wantAttempts int32
	}{
		{"exhausted", http.StatusTooManyRequests, `{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`, FailoverRateLimit, 2},
		{"bad key", http.StatusBadRequest, `{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`, FailoverInvalidRequest, 1},
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

			p := newTestGoogle(t, server.URL)
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
			if perr.Reason != tt.want {
				t.Errorf("Reason = %s, want %s", perr.Reason, tt.want)
			}
			if got := atomic.LoadInt32(&attempts); got != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", got, tt.wantAttempts)
			}
		})
	}
}

func TestConvertGeminiMessages(t *testing.T) {
	contents := convertGeminiMessages([]agent.CompletionMessage{
		{Role: "user", Content: "q"},
		{Role: "assistant", ToolCalls: []models.ToolCall{{ID: "c1", Name: "add", Input: json.RawMessage(`{"a":1}`)}}},
		{Role: "tool", ToolResults: []models.ToolResult{{ToolCallID: "c1", Content: "boom", IsError: true}}},
	})
	if len(contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(contents))
	}
	if contents[1].Role != genai.RoleModel {
		t.Errorf("assistant role = %s", contents[1].Role)
	}
	fr := contents[2].Parts[0].FunctionResponse
	if fr == nil || fr.Name != "add" || fr.Response["error"] != "boom" {
		t.Errorf("function response = %+v", fr)
	}
}
