package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/haasonsaas/clinagent/internal/agent"
	"github.com/haasonsaas/clinagent/internal/agent/toolconv"
	"github.com/haasonsaas/clinagent/pkg/models"
)

// GoogleProvider implements agent.LLMProvider for Gemini models through the
// Gen AI SDK.
//
// Gemini does not always assign IDs to function calls; missing IDs are
// generated here, and tool results are matched back to function names by
// looking up the originating call in the request history.
type GoogleProvider struct {
	client       *genai.Client
	defaultModel string
	base         BaseProvider
}

// GoogleConfig configures a GoogleProvider.
type GoogleConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewGoogleProvider creates a Gemini API provider.
func NewGoogleProvider(ctx context.Context, config GoogleConfig) (*GoogleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gemini-2.0-flash"
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleProvider{
		client:       client,
		defaultModel: config.DefaultModel,
		base:         NewBaseProvider("google", config.MaxRetries, config.RetryDelay),
	}, nil
}

// Name returns "google".
func (p *GoogleProvider) Name() string {
	return "google"
}

// Models returns the Gemini models with function calling.
func (p *GoogleProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ContextSize: 1048576},
		{ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro", ContextSize: 2097152},
		{ID: "gemini-1.5-flash", Name: "Gemini 1.5 Flash", ContextSize: 1048576},
	}
}

// SupportsTools returns true.
func (p *GoogleProvider) SupportsTools() bool {
	return true
}

// Complete streams a GenerateContent response.
func (p *GoogleProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	contents := convertGeminiMessages(req.Messages)
	config := buildGeminiConfig(req)

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		var (
			next  func() (*genai.GenerateContentResponse, error, bool)
			stop  func()
			first *genai.GenerateContentResponse
		)
		err := p.base.Retry(ctx, IsRetryable, func() error {
			n, s := iter.Pull2(p.client.Models.GenerateContentStream(ctx, model, contents, config))
			resp, err, ok := n()
			if !ok {
				s()
				return p.wrapError(errors.New("empty response stream"), model)
			}
			if err != nil {
				s()
				return p.wrapError(err, model)
			}
			next, stop, first = n, s, resp
			return nil
		})
		if err != nil {
			send(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(err, model)})
			return
		}
		defer stop()

		var usage *genai.GenerateContentResponseUsageMetadata
		resp := first
		for {
			if resp != nil && resp.UsageMetadata != nil {
				usage = resp.UsageMetadata
			}
			if !emitGeminiResponse(ctx, resp, chunks) {
				return
			}
			var (
				err error
				ok  bool
			)
			resp, err, ok = next()
			if !ok {
				break
			}
			if err != nil {
				send(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(err, model)})
				return
			}
		}

		done := &agent.CompletionChunk{Done: true}
		if usage != nil {
			done.InputTokens = int(usage.PromptTokenCount)
			done.OutputTokens = int(usage.CandidatesTokenCount)
		}
		send(ctx, chunks, done)
	}()
	return chunks, nil
}

// emitGeminiResponse forwards the text and function calls of one response.
func emitGeminiResponse(ctx context.Context, resp *genai.GenerateContentResponse, chunks chan<- *agent.CompletionChunk) bool {
	if resp == nil {
		return true
	}
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" && !part.Thought {
				if !send(ctx, chunks, &agent.CompletionChunk{Text: part.Text}) {
					return false
				}
			}
			if fc := part.FunctionCall; fc != nil {
				args, err := json.Marshal(fc.Args)
				if err != nil || fc.Args == nil {
					args = []byte("{}")
				}
				id := fc.ID
				if id == "" {
					id = "call_" + uuid.NewString()
				}
				call := &models.ToolCall{ID: id, Name: fc.Name, Input: args}
				if !send(ctx, chunks, &agent.CompletionChunk{ToolCall: call}) {
					return false
				}
			}
		}
	}
	return true
}

func buildGeminiConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		// #nosec G115 -- bounded by min
		MaxOutputTokens: int32(min(maxTokensOrDefault(req.MaxTokens), math.MaxInt32)),
		Tools:           toolconv.ToGeminiTools(req.Tools),
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	return config
}

func convertGeminiMessages(messages []agent.CompletionMessage) []*genai.Content {
	names := make(map[string]string)
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			names[tc.ID] = tc.Name
		}
	}

	var result []*genai.Content
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}
		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == "assistant" {
			content.Role = genai.RoleModel
		}
		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Input, &args); err != nil {
				args = make(map[string]any)
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
			})
		}
		for _, tr := range msg.ToolResults {
			response := map[string]any{"output": tr.Content}
			if tr.IsError {
				response = map[string]any{"error": tr.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       tr.ToolCallID,
					Name:     names[tr.ToolCallID],
					Response: response,
				},
			})
		}
		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	providerErr := NewProviderError("google", model, err)
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		providerErr = providerErr.WithStatus(apiErr.Code)
		if apiErr.Message != "" {
			providerErr.Message = apiErr.Message
		}
		switch strings.ToUpper(apiErr.Status) {
		case "RESOURCE_EXHAUSTED":
			providerErr.Reason = FailoverRateLimit
		case "UNAUTHENTICATED", "PERMISSION_DENIED":
			providerErr.Reason = FailoverAuth
		case "UNAVAILABLE", "INTERNAL":
			providerErr.Reason = FailoverServerError
		}
	}
	return providerErr
}
