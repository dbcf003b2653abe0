package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	invopop "github.com/invopop/jsonschema"
)

// Parameter types accepted in a ParamSpec.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
)

var (
	validParamTypes = map[string]bool{
		TypeString:  true,
		TypeInteger: true,
		TypeNumber:  true,
		TypeBoolean: true,
		TypeArray:   true,
		TypeObject:  true,
	}

	toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ParamSpec describes a single tool parameter.
type ParamSpec struct {
	Type        string   `json:"type"`
	Required    bool     `json:"required,omitempty"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	// Items is the element type when Type is "array".
	Items string `json:"items,omitempty"`
}

// ToolDescriptor declares a callable capability to the model. Descriptors are
// validated and copied on registration and never change afterwards.
type ToolDescriptor struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Params      map[string]ParamSpec `json:"params"`
}

// Validate checks the descriptor's name and parameter types.
func (d ToolDescriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(d.Name) > MaxToolNameLength {
		return fmt.Errorf("name exceeds maximum length of %d characters", MaxToolNameLength)
	}
	if !toolNamePattern.MatchString(d.Name) {
		return fmt.Errorf("name %q must match %s", d.Name, toolNamePattern)
	}
	for name, p := range d.Params {
		if name == "" {
			return fmt.Errorf("parameter name is required")
		}
		if !validParamTypes[p.Type] {
			return fmt.Errorf("parameter %q has unsupported type %q", name, p.Type)
		}
		if p.Type == TypeArray && p.Items != "" && !validParamTypes[p.Items] {
			return fmt.Errorf("parameter %q has unsupported item type %q", name, p.Items)
		}
	}
	return nil
}

// Schema renders the parameters as a JSON Schema object. Properties and the
// required list are emitted in sorted order so the output is stable.
func (d ToolDescriptor) Schema() json.RawMessage {
	names := make([]string, 0, len(d.Params))
	for name := range d.Params {
		names = append(names, name)
	}
	sort.Strings(names)

	properties := make(map[string]any, len(names))
	required := make([]string, 0)
	for _, name := range names {
		p := d.Params[name]
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Type == TypeArray {
			items := p.Items
			if items == "" {
				items = TypeString
			}
			prop["items"] = map[string]any{"type": items}
		}
		properties[name] = prop
		if p.Required {
			required = append(required, name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	// encoding/json sorts map keys, so the output is deterministic.
	data, _ := json.Marshal(schema)
	return data
}

func (d ToolDescriptor) clone() ToolDescriptor {
	out := ToolDescriptor{Name: d.Name, Description: d.Description}
	if d.Params != nil {
		out.Params = make(map[string]ParamSpec, len(d.Params))
		for k, v := range d.Params {
			if v.Enum != nil {
				v.Enum = append([]string(nil), v.Enum...)
			}
			out.Params[k] = v
		}
	}
	return out
}

// ParamsFromStruct derives a parameter map from an argument struct using its
// json and jsonschema tags. Only top-level fields are mapped; nested structs
// become "object" parameters.
//
//	type searchArgs struct {
//		Query string `json:"query" jsonschema:"required,description=Search terms"`
//		Limit int    `json:"limit,omitempty" jsonschema:"description=Max results"`
//	}
//	params := agent.ParamsFromStruct(searchArgs{})
func ParamsFromStruct(v any) map[string]ParamSpec {
	r := &invopop.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(v)

	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}

	params := make(map[string]ParamSpec)
	if schema.Properties == nil {
		return params
	}
	for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
		prop := pair.Value
		spec := ParamSpec{
			Type:        prop.Type,
			Required:    required[pair.Key],
			Description: prop.Description,
		}
		if spec.Type == "" {
			spec.Type = TypeObject
		}
		for _, e := range prop.Enum {
			spec.Enum = append(spec.Enum, fmt.Sprint(e))
		}
		if prop.Items != nil && prop.Items.Type != "" {
			spec.Items = prop.Items.Type
		}
		params[pair.Key] = spec
	}
	return params
}
