package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/clinagent/pkg/models"
)

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// ToolFunc is the callable behind a descriptor-registered tool. A returned
// error becomes a failed ToolResult carrying err.Error().
type ToolFunc func(ctx context.Context, args Args) (any, error)

type registeredTool struct {
	desc   ToolDescriptor
	schema json.RawMessage
	valid  *jsonschema.Schema
	fn     ToolFunc
	tool   Tool
}

// ToolRegistry holds the fixed tool set of an agent and dispatches calls to
// it by name. It is safe for concurrent use; sessions share one registry.
type ToolRegistry struct {
	mu     sync.RWMutex
	tools  map[string]*registeredTool
	logger *slog.Logger
}

// NewToolRegistry creates a new empty tool registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:  make(map[string]*registeredTool),
		logger: slog.Default().With("component", "tool_registry"),
	}
}

// SetLogger replaces the logger used for tool failures and panics.
func (r *ToolRegistry) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	r.mu.Lock()
	r.logger = logger.With("component", "tool_registry")
	r.mu.Unlock()
}

// Register adds a tool described by desc and implemented by fn.
// It returns ErrDuplicateTool if the name is already taken and
// ErrInvalidDescriptor if the descriptor fails validation.
func (r *ToolRegistry) Register(desc ToolDescriptor, fn ToolFunc) error {
	if fn == nil {
		return &RegistryError{Op: "register", Tool: desc.Name, Err: fmt.Errorf("%w: nil callable", ErrInvalidDescriptor)}
	}
	if err := desc.Validate(); err != nil {
		return &RegistryError{Op: "register", Tool: desc.Name, Err: fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)}
	}
	desc = desc.clone()
	schema := desc.Schema()
	return r.add(&registeredTool{desc: desc, schema: schema, fn: fn})
}

// RegisterTool adds a Tool implementation. Its Schema must be a valid JSON
// Schema document; arguments are validated against it before Execute runs.
func (r *ToolRegistry) RegisterTool(tool Tool) error {
	if tool == nil {
		return &RegistryError{Op: "register", Err: fmt.Errorf("%w: nil tool", ErrInvalidDescriptor)}
	}
	desc := ToolDescriptor{Name: tool.Name(), Description: tool.Description()}
	if err := desc.Validate(); err != nil {
		return &RegistryError{Op: "register", Tool: desc.Name, Err: fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)}
	}
	schema := tool.Schema()
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return r.add(&registeredTool{desc: desc, schema: schema, tool: tool})
}

func (r *ToolRegistry) add(entry *registeredTool) error {
	compiled, err := compileSchema(entry.schema)
	if err != nil {
		return &RegistryError{Op: "register", Tool: entry.desc.Name, Err: fmt.Errorf("%w: schema: %v", ErrInvalidDescriptor, err)}
	}
	entry.valid = compiled

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[entry.desc.Name]; exists {
		return &RegistryError{Op: "register", Tool: entry.desc.Name, Err: ErrDuplicateTool}
	}
	r.tools[entry.desc.Name] = entry
	return nil
}

// Has reports whether a tool with the given name is registered.
func (r *ToolRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Descriptors returns copies of all descriptors sorted by name.
func (r *ToolRegistry) Descriptors() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDescriptor, 0, len(r.tools))
	for _, entry := range r.tools {
		out = append(out, entry.desc.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tools returns every registered tool as a Tool, sorted by name, for
// presentation to a provider.
func (r *ToolRegistry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, entry := range r.tools {
		out = append(out, &registryTool{registry: r, entry: entry})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Dispatch runs the tool named by call. Only an unknown tool name is
// returned as an error; every other failure, including a panic in the
// callable, becomes a ToolResult with Success false.
func (r *ToolRegistry) Dispatch(ctx context.Context, call models.ToolCall) (result ToolResult, err error) {
	r.mu.RLock()
	entry, ok := r.tools[call.Name]
	log := r.logger
	r.mu.RUnlock()
	if !ok {
		return ToolResult{}, &RegistryError{Op: "dispatch", Tool: call.Name, Err: ErrUnknownTool}
	}

	if len(call.Input) > MaxToolParamsSize {
		return *Fail(fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize)), nil
	}
	args, parseErr := ParseArgs(call.Input)
	if parseErr != nil {
		return *Fail(parseErr.Error()), nil
	}
	if verr := entry.valid.Validate(map[string]any(args)); verr != nil {
		return *Fail(validationMessage(verr)), nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			toolErr := NewToolError(call.Name, call.ID, fmt.Errorf("%w: %v", ErrToolPanic, rec))
			toolErr.Message = fmt.Sprintf("panic: %v", rec)
			log.ErrorContext(ctx, "tool panicked",
				"tool", call.Name,
				"tool_call_id", call.ID,
				"panic", rec,
				"stack", string(debug.Stack()))
			result, err = *Fail(toolErr.Message), nil
		}
	}()

	if entry.fn != nil {
		payload, callErr := entry.fn(ctx, args)
		if callErr != nil {
			return toolFailure(ctx, log, call, callErr), nil
		}
		return *Succeed(payload), nil
	}

	res, callErr := entry.tool.Execute(ctx, call.Input)
	if callErr != nil {
		return toolFailure(ctx, log, call, callErr), nil
	}
	if res == nil {
		return *Succeed(nil), nil
	}
	return *res, nil
}

func toolFailure(ctx context.Context, log *slog.Logger, call models.ToolCall, cause error) ToolResult {
	toolErr := NewToolError(call.Name, call.ID, cause)
	log.WarnContext(ctx, "tool execution failed",
		"tool", call.Name,
		"tool_call_id", call.ID,
		"error_type", toolErr.Type,
		"error", cause)
	return *Fail(toolErr.Message)
}

func validationMessage(err error) string {
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		leaf := verr
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := leaf.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return fmt.Sprintf("invalid arguments at %s: %s", loc, leaf.Message)
	}
	return fmt.Sprintf("invalid arguments: %v", err)
}

var schemaCache sync.Map

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// registryTool adapts a registry entry to the Tool interface.
type registryTool struct {
	registry *ToolRegistry
	entry    *registeredTool
}

func (t *registryTool) Name() string            { return t.entry.desc.Name }
func (t *registryTool) Description() string     { return t.entry.desc.Description }
func (t *registryTool) Schema() json.RawMessage { return t.entry.schema }

func (t *registryTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	res, err := t.registry.Dispatch(ctx, models.ToolCall{Name: t.entry.desc.Name, Input: params})
	if err != nil {
		return nil, err
	}
	return &res, nil
}
