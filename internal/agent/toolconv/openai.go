package toolconv

import (
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/clinagent/internal/agent"
)

// ToOpenAITools converts registry tools to OpenAI function definitions. A
// tool whose schema does not parse is declared without parameters.
func ToOpenAITools(tools []agent.Tool) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		schema, err := decodeSchema(tool)
		if err != nil {
			schema = emptyObjectSchema()
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  schema,
			},
		}
	}
	return out
}
