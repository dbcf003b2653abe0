package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/clinagent/internal/agent"
	"github.com/haasonsaas/clinagent/internal/agent/toolconv"
	"github.com/haasonsaas/clinagent/pkg/models"
)

// AnthropicProvider implements agent.LLMProvider on the Anthropic Messages
// API, streaming text deltas and assembling tool_use blocks into tool calls.
//
// It is safe for concurrent use.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	base         BaseProvider
}

// AnthropicConfig configures an AnthropicProvider. Only APIKey is required.
type AnthropicConfig struct {
	// APIKey is the Anthropic API key (sk-ant-...).
	APIKey string

	// BaseURL overrides the API endpoint, e.g. for a proxy or tests.
	BaseURL string

	// MaxRetries is the number of attempts at opening a stream. Default: 3
	MaxRetries int

	// RetryDelay is the initial backoff, doubled per attempt. Default: 1s
	RetryDelay time.Duration

	// DefaultModel is used when a request names no model.
	// Default: "claude-sonnet-4-20250514"
	DefaultModel string
}

// NewAnthropicProvider creates a provider from config.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	// Retries are handled by BaseProvider so that they stop once a stream
	// has produced output.
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: config.DefaultModel,
		base:         NewBaseProvider("anthropic", config.MaxRetries, config.RetryDelay),
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Models returns the Claude models known to work with tool use.
func (p *AnthropicProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000},
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ContextSize: 200000},
	}
}

// SupportsTools returns true.
func (p *AnthropicProvider) SupportsTools() bool {
	return true
}

// Complete streams one response. Conversion failures are returned directly;
// transport failures arrive as a chunk with Error set.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.getModel(req.Model)
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		var (
			stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
			first  anthropic.MessageStreamEventUnion
		)
		err := p.base.Retry(ctx, IsRetryable, func() error {
			s := p.client.Messages.NewStreaming(ctx, params)
			if s.Next() {
				stream, first = s, s.Current()
				return nil
			}
			err := s.Err()
			_ = s.Close()
			if err == nil {
				err = errors.New("empty response stream")
			}
			return p.wrapError(err, model)
		})
		if err != nil {
			send(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(err, model)})
			return
		}
		defer stream.Close()

		acc := newAnthropicAccumulator()
		if done := acc.handle(ctx, first, chunks); done {
			return
		}
		for stream.Next() {
			if done := acc.handle(ctx, stream.Current(), chunks); done {
				return
			}
		}
		if err := stream.Err(); err != nil {
			send(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(err, model)})
			return
		}
		acc.flush(ctx, chunks)
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest, model string) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := toolconv.ToAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}
	return params, nil
}

// anthropicAccumulator assembles tool_use blocks from streamed JSON deltas.
type anthropicAccumulator struct {
	tools        map[int64]*models.ToolCall
	inputs       map[int64]*strings.Builder
	order        []int64
	inputTokens  int
	outputTokens int
}

func newAnthropicAccumulator() *anthropicAccumulator {
	return &anthropicAccumulator{
		tools:  make(map[int64]*models.ToolCall),
		inputs: make(map[int64]*strings.Builder),
	}
}

// handle processes one event and reports whether the stream is finished.
func (a *anthropicAccumulator) handle(ctx context.Context, event anthropic.MessageStreamEventUnion, chunks chan<- *agent.CompletionChunk) bool {
	switch event.Type {
	case "message_start":
		a.inputTokens = int(event.Message.Usage.InputTokens)

	case "content_block_start":
		if event.ContentBlock.Type == "tool_use" {
			use := event.ContentBlock.AsToolUse()
			a.tools[event.Index] = &models.ToolCall{ID: use.ID, Name: use.Name}
			a.inputs[event.Index] = &strings.Builder{}
			a.order = append(a.order, event.Index)
		}

	case "content_block_delta":
		switch event.Delta.Type {
		case "text_delta":
			if event.Delta.Text != "" {
				return !send(ctx, chunks, &agent.CompletionChunk{Text: event.Delta.Text})
			}
		case "input_json_delta":
			if b := a.inputs[event.Index]; b != nil {
				b.WriteString(event.Delta.PartialJSON)
			}
		}

	case "content_block_stop":
		if call := a.tools[event.Index]; call != nil {
			call.Input = normalizeInput(a.inputs[event.Index].String())
			delete(a.tools, event.Index)
			return !send(ctx, chunks, &agent.CompletionChunk{ToolCall: call})
		}

	case "message_delta":
		if event.Usage.OutputTokens > 0 {
			a.outputTokens = int(event.Usage.OutputTokens)
		}

	case "message_stop":
		a.flush(ctx, chunks)
		return true
	}
	return false
}

// flush emits any tool call left open and the final Done chunk.
func (a *anthropicAccumulator) flush(ctx context.Context, chunks chan<- *agent.CompletionChunk) {
	for _, idx := range a.order {
		if call := a.tools[idx]; call != nil {
			call.Input = normalizeInput(a.inputs[idx].String())
			delete(a.tools, idx)
			if !send(ctx, chunks, &agent.CompletionChunk{ToolCall: call}) {
				return
			}
		}
	}
	send(ctx, chunks, &agent.CompletionChunk{Done: true, InputTokens: a.inputTokens, OutputTokens: a.outputTokens})
}

func convertAnthropicMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}
		var blocks []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(normalizeInput(string(tc.Input)), &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input for %s: %w", tc.Name, err)
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(blocks) == 0 {
			continue
		}
		if msg.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out, nil
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError("anthropic", model, err)
	}

	providerErr := (&ProviderError{
		Provider:  "anthropic",
		Model:     model,
		Cause:     err,
		Reason:    FailoverUnknown,
		Message:   "anthropic request failed",
		RequestID: apiErr.RequestID,
	}).WithStatus(apiErr.StatusCode)

	var payload anthropicErrorPayload
	if raw := apiErr.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &payload) == nil {
		if payload.Error.Message != "" {
			providerErr.Message = payload.Error.Message
		}
		if payload.Error.Type != "" {
			providerErr = providerErr.WithCode(payload.Error.Type)
		}
		if payload.RequestID != "" {
			providerErr.RequestID = payload.RequestID
		}
	}
	return providerErr
}
