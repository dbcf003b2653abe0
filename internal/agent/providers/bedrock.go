package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/clinagent/internal/agent"
	"github.com/haasonsaas/clinagent/internal/agent/toolconv"
	"github.com/haasonsaas/clinagent/pkg/models"
)

// BedrockProvider implements agent.LLMProvider on the AWS Bedrock Converse
// streaming API. Authentication follows the AWS default credential chain
// unless static keys are configured.
//
// Thread Safety:
// BedrockProvider is safe for concurrent use across multiple goroutines.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
	base         BaseProvider
}

// BedrockConfig holds configuration for the Bedrock provider.
type BedrockConfig struct {
	// Region is the AWS region (default: us-east-1)
	Region string

	// AccessKeyID for explicit credentials (optional, uses default chain if empty)
	AccessKeyID string

	// SecretAccessKey for explicit credentials (optional)
	SecretAccessKey string

	// SessionToken for temporary credentials (optional)
	SessionToken string

	// Endpoint overrides the service endpoint (optional)
	Endpoint string

	// DefaultModel is the model to use when not specified
	DefaultModel string

	MaxRetries int
	RetryDelay time.Duration
}

// NewBedrockProvider creates a new AWS Bedrock provider instance.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-5-sonnet-20240620-v1:0"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	client := bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// Stream opening is retried by BaseProvider.
		o.RetryMaxAttempts = 1
	})

	return &BedrockProvider{
		client:       client,
		defaultModel: cfg.DefaultModel,
		base:         NewBaseProvider("bedrock", cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

// Name returns "bedrock".
func (p *BedrockProvider) Name() string {
	return "bedrock"
}

// Models returns Bedrock models with Converse tool use. Availability depends
// on the account's model access.
func (p *BedrockProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "anthropic.claude-3-5-sonnet-20240620-v1:0", Name: "Claude 3.5 Sonnet (Bedrock)", ContextSize: 200000},
		{ID: "anthropic.claude-3-haiku-20240307-v1:0", Name: "Claude 3 Haiku (Bedrock)", ContextSize: 200000},
		{ID: "meta.llama3-1-70b-instruct-v1:0", Name: "Llama 3.1 70B (Bedrock)", ContextSize: 128000},
		{ID: "mistral.mistral-large-2407-v1:0", Name: "Mistral Large (Bedrock)", ContextSize: 128000},
		{ID: "cohere.command-r-plus-v1:0", Name: "Command R+ (Bedrock)", ContextSize: 128000},
	}
}

// SupportsTools returns true.
func (p *BedrockProvider) SupportsTools() bool {
	return true
}

// Complete sends a ConverseStream request.
func (p *BedrockProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: convertBedrockMessages(req.Messages),
		InferenceConfig: &types.InferenceConfiguration{
			// #nosec G115 -- bounded by min
			MaxTokens: aws.Int32(int32(min(maxTokensOrDefault(req.MaxTokens), math.MaxInt32))),
		},
		ToolConfig: toolconv.ToBedrockTools(req.Tools),
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		var out *bedrockruntime.ConverseStreamOutput
		err := p.base.Retry(ctx, IsRetryable, func() error {
			o, err := p.client.ConverseStream(ctx, input)
			if err != nil {
				return p.wrapError(err, model)
			}
			out = o
			return nil
		})
		if err != nil {
			send(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(err, model)})
			return
		}

		stream := out.GetStream()
		defer stream.Close()
		p.processEvents(ctx, stream.Events(), stream.Err, model, chunks)
	}()
	return chunks, nil
}

// processEvents translates Converse stream events until the stream ends.
func (p *BedrockProvider) processEvents(ctx context.Context, events <-chan types.ConverseStreamOutput, streamErr func() error, model string, chunks chan<- *agent.CompletionChunk) {
	var (
		current      *models.ToolCall
		input        strings.Builder
		inputTokens  int
		outputTokens int
	)
	flushTool := func() bool {
		if current == nil {
			return true
		}
		current.Input = normalizeInput(input.String())
		call := current
		current = nil
		input.Reset()
		return send(ctx, chunks, &agent.CompletionChunk{ToolCall: call})
	}

	for {
		var (
			event types.ConverseStreamOutput
			ok    bool
		)
		select {
		case <-ctx.Done():
			return
		case event, ok = <-events:
		}
		if !ok {
			break
		}

		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if use, isTool := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); isTool {
				current = &models.ToolCall{
					ID:   aws.ToString(use.Value.ToolUseId),
					Name: aws.ToString(use.Value.Name),
				}
				input.Reset()
			}

		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := ev.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				if delta.Value != "" && !send(ctx, chunks, &agent.CompletionChunk{Text: delta.Value}) {
					return
				}
			case *types.ContentBlockDeltaMemberToolUse:
				if delta.Value.Input != nil {
					input.WriteString(*delta.Value.Input)
				}
			}

		case *types.ConverseStreamOutputMemberContentBlockStop:
			if !flushTool() {
				return
			}

		case *types.ConverseStreamOutputMemberMetadata:
			if usage := ev.Value.Usage; usage != nil {
				inputTokens = int(aws.ToInt32(usage.InputTokens))
				outputTokens = int(aws.ToInt32(usage.OutputTokens))
			}
		}
	}

	if !flushTool() {
		return
	}
	if streamErr != nil {
		if err := streamErr(); err != nil {
			send(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(err, model)})
			return
		}
	}
	send(ctx, chunks, &agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
}

func convertBedrockMessages(messages []agent.CompletionMessage) []types.Message {
	result := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []types.ContentBlock
		if msg.Content != "" {
			content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
		}
		for _, tr := range msg.ToolResults {
			block := types.ToolResultBlock{
				ToolUseId: aws.String(tr.ToolCallID),
				Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: tr.Content}},
			}
			if tr.IsError {
				block.Status = types.ToolResultStatusError
			}
			content = append(content, &types.ContentBlockMemberToolResult{Value: block})
		}
		for _, tc := range msg.ToolCalls {
			var inputDoc any
			if err := json.Unmarshal(normalizeInput(string(tc.Input)), &inputDoc); err != nil {
				inputDoc = map[string]any{}
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(inputDoc),
				},
			})
		}
		if len(content) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if msg.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}
	return result
}

type httpStatusError interface {
	HTTPStatusCode() int
}

func (p *BedrockProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	providerErr := NewProviderError("bedrock", model, err)
	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		providerErr = providerErr.WithStatus(statusErr.HTTPStatusCode())
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		providerErr = providerErr.WithCode(apiErr.ErrorCode())
		if msg := apiErr.ErrorMessage(); msg != "" {
			providerErr.Message = msg
		}
	}
	return providerErr
}
