package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/clinagent/pkg/models"
)

// Common sentinel errors for agent operations
var (
	// ErrDuplicateTool indicates a tool name was registered twice
	ErrDuplicateTool = errors.New("duplicate tool")

	// ErrUnknownTool indicates a dispatched tool name is not registered
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidDescriptor indicates a tool descriptor failed validation at registration
	ErrInvalidDescriptor = errors.New("invalid tool descriptor")

	// ErrTurnBudgetExceeded indicates the loop exhausted its tool round-trip budget
	ErrTurnBudgetExceeded = errors.New("turn budget exceeded")

	// ErrStreamCancelled indicates the caller abandoned the stream
	ErrStreamCancelled = errors.New("stream cancelled")

	// ErrTimeout indicates a model round trip or tool dispatch exceeded its deadline
	ErrTimeout = errors.New("timeout")

	// ErrNoProvider indicates no LLM provider is configured
	ErrNoProvider = errors.New("no provider configured")

	// ErrToolPanic indicates a tool panicked during execution
	ErrToolPanic = errors.New("tool panicked")
)

// RegistryError reports a registry misconfiguration. It wraps ErrDuplicateTool,
// ErrUnknownTool or ErrInvalidDescriptor.
type RegistryError struct {
	Op   string
	Tool string
	Err  error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Tool, e.Err)
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}

// ToolErrorType categorizes tool execution errors.
type ToolErrorType string

const (
	ToolErrorInvalidInput ToolErrorType = "invalid_input"
	ToolErrorTimeout      ToolErrorType = "timeout"
	ToolErrorNetwork      ToolErrorType = "network"
	ToolErrorPermission   ToolErrorType = "permission"
	ToolErrorRateLimit    ToolErrorType = "rate_limit"
	ToolErrorExecution    ToolErrorType = "execution"
	ToolErrorPanic        ToolErrorType = "panic"
	ToolErrorUnknown      ToolErrorType = "unknown"
)

// ToolError is a failure raised by a tool callable. The registry never
// propagates it; it is converted into a failed ToolResult so the model can
// observe the failure.
type ToolError struct {
	Type       ToolErrorType
	ToolName   string
	ToolCallID string
	Message    string
	Cause      error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[tool:%s]", e.Type))
	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError creates a ToolError, inferring its type from the cause.
func NewToolError(toolName, callID string, cause error) *ToolError {
	err := &ToolError{
		ToolName:   toolName,
		ToolCallID: callID,
		Cause:      cause,
		Type:       ToolErrorUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Type = classifyToolError(cause)
	}
	return err
}

func classifyToolError(err error) ToolErrorType {
	if err == nil {
		return ToolErrorUnknown
	}
	if errors.Is(err, ErrToolPanic) {
		return ToolErrorPanic
	}
	if errors.Is(err, ErrTimeout) {
		return ToolErrorTimeout
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "deadline exceeded"):
		return ToolErrorTimeout
	case strings.Contains(errStr, "rate limit"),
		strings.Contains(errStr, "too many requests"),
		strings.Contains(errStr, "429"):
		return ToolErrorRateLimit
	case strings.Contains(errStr, "connection"),
		strings.Contains(errStr, "network"),
		strings.Contains(errStr, "dns"),
		strings.Contains(errStr, "refused"),
		strings.Contains(errStr, "unreachable"):
		return ToolErrorNetwork
	case strings.Contains(errStr, "permission"),
		strings.Contains(errStr, "forbidden"),
		strings.Contains(errStr, "unauthorized"),
		strings.Contains(errStr, "access denied"):
		return ToolErrorPermission
	case strings.Contains(errStr, "invalid"),
		strings.Contains(errStr, "validation"),
		strings.Contains(errStr, "required"),
		strings.Contains(errStr, "missing"):
		return ToolErrorInvalidInput
	}
	return ToolErrorExecution
}

// LoopPhase is a state of the agent loop.
type LoopPhase string

const (
	PhaseInit          LoopPhase = "init"
	PhaseAwaitingModel LoopPhase = "awaiting_model"
	PhaseExecutingTool LoopPhase = "executing_tool"
	PhaseEmitting      LoopPhase = "emitting"
	PhaseTerminal      LoopPhase = "terminal"
)

// LoopError is a terminal loop failure with the phase and iteration it
// occurred in. Reason is the machine-readable tag surfaced on the error event.
type LoopError struct {
	Phase     LoopPhase
	Iteration int
	Reason    string
	Message   string
	Cause     error
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("loop error at %s (iteration %d): %s", e.Phase, e.Iteration, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("loop error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
	}
	return fmt.Sprintf("loop error at %s (iteration %d)", e.Phase, e.Iteration)
}

// Unwrap returns the underlying error.
func (e *LoopError) Unwrap() error {
	return e.Cause
}

// Event converts the error into the terminal stream event.
func (e *LoopError) Event() models.StreamEvent {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	return models.ErrorEvent(e.Reason, msg)
}

// ReasonFor maps an error to the reason tag used on error events.
func ReasonFor(err error) string {
	var loopErr *LoopError
	if errors.As(err, &loopErr) && loopErr.Reason != "" {
		return loopErr.Reason
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return models.ReasonTimeout
	case errors.Is(err, ErrTurnBudgetExceeded):
		return models.ReasonTurnBudgetExceeded
	case errors.Is(err, ErrUnknownTool):
		return models.ReasonUnknownTool
	}
	return models.ReasonInternal
}
