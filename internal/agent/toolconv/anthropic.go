package toolconv

import (
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/clinagent/internal/agent"
)

// ToAnthropicTools converts registry tools to Anthropic tool definitions.
func ToAnthropicTools(tools []agent.Tool) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		schema, err := decodeSchema(tool)
		if err != nil {
			return nil, err
		}
		input := anthropic.ToolInputSchemaParam{
			Properties: schema["properties"],
			Required:   stringList(schema["required"]),
		}
		param := anthropic.ToolUnionParamOfTool(input, tool.Name())
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name())
		}
		if desc := tool.Description(); desc != "" {
			param.OfTool.Description = anthropic.String(desc)
		}
		out = append(out, param)
	}
	return out, nil
}
