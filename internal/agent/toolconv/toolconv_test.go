package toolconv

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"google.golang.org/genai"

	"github.com/haasonsaas/clinagent/internal/agent"
)

type stubTool struct {
	name        string
	description string
	schema      json.RawMessage
}

func (t stubTool) Name() string            { return t.name }
func (t stubTool) Description() string     { return t.description }
func (t stubTool) Schema() json.RawMessage { return t.schema }
func (t stubTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	return agent.Succeed("ok"), nil
}

var (
	searchTool = stubTool{
		name:        "search_pubmed",
		description: "Search PubMed",
		schema:      json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"statuses":{"type":"array","items":{"type":"string"},"enum":["A","B"]}},"required":["query"]}`),
	}
	brokenTool = stubTool{name: "broken", description: "Bad schema", schema: json.RawMessage(`{not-json}`)}
	bareTool   = stubTool{name: "ping"}
)

func TestToAnthropicTools(t *testing.T) {
	params, err := ToAnthropicTools([]agent.Tool{searchTool, bareTool})
	if err != nil {
		t.Fatalf("ToAnthropicTools() error = %v", err)
	}
	if len(params) != 2 {
		t.Fatalf("len = %d, want 2", len(params))
	}
	tool := params[0].OfTool
	if tool == nil || tool.Name != "search_pubmed" {
		t.Fatalf("first tool = %#v", params[0])
	}
	if len(tool.InputSchema.Required) != 1 || tool.InputSchema.Required[0] != "query" {
		t.Errorf("required = %v, want [query]", tool.InputSchema.Required)
	}

	if _, err := ToAnthropicTools([]agent.Tool{brokenTool}); err == nil {
		t.Error("ToAnthropicTools(broken) should fail")
	}
	if got, _ := ToAnthropicTools(nil); got != nil {
		t.Errorf("ToAnthropicTools(nil) = %v, want nil", got)
	}
}

func TestToOpenAITools(t *testing.T) {
	tools := ToOpenAITools([]agent.Tool{searchTool, brokenTool})
	if len(tools) != 2 {
		t.Fatalf("len = %d, want 2", len(tools))
	}
	if tools[0].Function.Name != "search_pubmed" {
		t.Errorf("name = %q", tools[0].Function.Name)
	}
	fallback, ok := tools[1].Function.Parameters.(map[string]any)
	if !ok || fallback["type"] != "object" {
		t.Errorf("broken schema parameters = %#v, want empty object schema", tools[1].Function.Parameters)
	}
}

func TestToBedrockTools(t *testing.T) {
	if ToBedrockTools(nil) != nil {
		t.Error("ToBedrockTools(nil) should be nil")
	}
	cfg := ToBedrockTools([]agent.Tool{searchTool, brokenTool})
	if cfg == nil || len(cfg.Tools) != 2 {
		t.Fatalf("expected 2 bedrock tools, got %#v", cfg)
	}
	spec, ok := cfg.Tools[0].(*types.ToolMemberToolSpec)
	if !ok {
		t.Fatalf("expected ToolMemberToolSpec, got %T", cfg.Tools[0])
	}
	if spec.Value.Name == nil || *spec.Value.Name != "search_pubmed" {
		t.Fatalf("unexpected tool name: %#v", spec.Value.Name)
	}
	if spec.Value.InputSchema == nil {
		t.Fatal("expected input schema to be set")
	}
}

func TestToGeminiTools(t *testing.T) {
	tools := ToGeminiTools([]agent.Tool{searchTool, brokenTool})
	if len(tools) != 1 || len(tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("ToGeminiTools() = %#v, want one declaration", tools)
	}
	params := tools[0].FunctionDeclarations[0].Parameters
	if params.Type != genai.TypeObject {
		t.Errorf("type = %q, want OBJECT", params.Type)
	}
	statuses := params.Properties["statuses"]
	if statuses == nil || statuses.Type != genai.TypeArray || statuses.Items.Type != genai.TypeString {
		t.Errorf("statuses = %#v", statuses)
	}
	if len(statuses.Enum) != 2 {
		t.Errorf("enum = %v", statuses.Enum)
	}
	if ToGeminiTools(nil) != nil {
		t.Error("ToGeminiTools(nil) should be nil")
	}
}
