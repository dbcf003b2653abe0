// Package toolconv translates registry tools into the tool declarations of
// each model SDK.
package toolconv

import (
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/clinagent/internal/agent"
)

// emptyObjectSchema is used when a tool declares no schema.
func emptyObjectSchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

// decodeSchema parses a tool's JSON Schema into a generic map.
func decodeSchema(tool agent.Tool) (map[string]any, error) {
	raw := tool.Schema()
	if len(raw) == 0 {
		return emptyObjectSchema(), nil
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name(), err)
	}
	if schema == nil {
		return emptyObjectSchema(), nil
	}
	if _, ok := schema["properties"]; !ok {
		schema["properties"] = map[string]any{}
	}
	return schema, nil
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
