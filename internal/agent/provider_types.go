package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/clinagent/pkg/models"
)

// LLMProvider is the model boundary of the agent loop. Given the
// conversation so far and the declared tools, a provider streams back text
// deltas and/or tool calls, finishing with a chunk whose Done is set.
//
// Implementations must:
//   - Close the returned channel when the response is complete
//   - Report transport failures as a chunk with Error set, or as the returned error
//   - Respect context cancellation
type LLMProvider interface {
	// Complete sends a completion request and returns a channel of streaming chunks.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider identifier (e.g., "anthropic", "openai", "bedrock").
	Name() string

	// Models returns the models this provider offers.
	Models() []Model

	// SupportsTools reports whether the provider can emit tool calls.
	SupportsTools() bool
}

// CompletionRequest is a single model round trip.
type CompletionRequest struct {
	Model     string              `json:"model"`
	System    string              `json:"system,omitempty"`
	Messages  []CompletionMessage `json:"messages"`
	Tools     []Tool              `json:"tools,omitempty"`
	MaxTokens int                 `json:"max_tokens,omitempty"`
}

// CompletionMessage is a provider-neutral conversation turn.
//
// Role values: "user", "assistant", "tool". An assistant turn may carry
// ToolCalls; the following "tool" turn carries the matching ToolResults.
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk is one piece of a streamed response.
type CompletionChunk struct {
	Text         string           `json:"text,omitempty"`
	ToolCall     *models.ToolCall `json:"tool_call,omitempty"`
	Done         bool             `json:"done,omitempty"`
	Error        error            `json:"-"`
	InputTokens  int              `json:"input_tokens,omitempty"`
	OutputTokens int              `json:"output_tokens,omitempty"`
}

// Model describes an available model.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContextSize int    `json:"context_size"`
}

// Tool is a capability exposed to the model.
//
// Schema returns a JSON Schema object describing the parameters. Execute
// receives the raw JSON arguments chosen by the model.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is the outcome of a dispatched tool call. Success distinguishes
// a normal payload from a failure message structurally; Payload is any
// JSON-serialisable value, or the error text when Success is false.
type ToolResult struct {
	Success bool `json:"success"`
	Payload any  `json:"payload"`
}

// Succeed wraps a payload in a successful result.
func Succeed(payload any) *ToolResult {
	return &ToolResult{Success: true, Payload: payload}
}

// Fail wraps a message in a failed result.
func Fail(message string) *ToolResult {
	return &ToolResult{Success: false, Payload: message}
}

// Content renders the payload as text for the model. Strings pass through;
// other values are JSON encoded.
func (r ToolResult) Content() string {
	switch v := r.Payload.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case json.RawMessage:
		return string(v)
	}
	data, err := json.Marshal(r.Payload)
	if err != nil {
		return ""
	}
	return string(data)
}
