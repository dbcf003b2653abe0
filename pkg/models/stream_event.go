package models

import (
	"encoding/json"
	"time"
)

// StreamEventType identifies the variant carried by a StreamEvent.
type StreamEventType string

const (
	// StreamEventText carries a fragment of the model's natural-language answer.
	StreamEventText StreamEventType = "text"

	// StreamEventToolSelected announces a tool call before it is dispatched.
	StreamEventToolSelected StreamEventType = "tool_selected"

	// StreamEventToolResult carries the outcome of a dispatched tool call.
	StreamEventToolResult StreamEventType = "tool_result"

	// StreamEventDone terminates a successful run.
	StreamEventDone StreamEventType = "done"

	// StreamEventError terminates a failed run.
	StreamEventError StreamEventType = "error"
)

// Terminal error reasons carried by StreamEventError.
const (
	ReasonTimeout            = "timeout"
	ReasonTurnBudgetExceeded = "turn_budget_exceeded"
	ReasonModelTransport     = "model_transport"
	ReasonUnknownTool        = "unknown_tool"
	ReasonInternal           = "internal"
)

// StreamEvent is one unit of the agent loop's output. Exactly one of the
// variant-specific field groups is populated, selected by Type.
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Sequence  int             `json:"seq"`

	// Text is set for StreamEventText.
	Text string `json:"text,omitempty"`

	// ToolName and ToolCallID are set for tool events.
	ToolName   string `json:"tool_name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Arguments is set for StreamEventToolSelected.
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// Payload and Success are set for StreamEventToolResult.
	Payload any   `json:"payload,omitempty"`
	Success *bool `json:"success,omitempty"`

	// Reason and Error are set for StreamEventError.
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`

	Time time.Time `json:"time"`
}

// TextFragment returns a text event.
func TextFragment(text string) StreamEvent {
	return StreamEvent{Type: StreamEventText, Text: text, Time: time.Now()}
}

// ToolSelected returns an event announcing a tool call.
func ToolSelected(call ToolCall) StreamEvent {
	args := call.Input
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return StreamEvent{
		Type:       StreamEventToolSelected,
		ToolName:   call.Name,
		ToolCallID: call.ID,
		Arguments:  args,
		Time:       time.Now(),
	}
}

// ToolResultEvent returns an event carrying a tool outcome.
func ToolResultEvent(name, callID string, success bool, payload any) StreamEvent {
	return StreamEvent{
		Type:       StreamEventToolResult,
		ToolName:   name,
		ToolCallID: callID,
		Payload:    payload,
		Success:    &success,
		Time:       time.Now(),
	}
}

// Done returns the terminal success event.
func Done() StreamEvent {
	return StreamEvent{Type: StreamEventDone, Time: time.Now()}
}

// ErrorEvent returns the terminal failure event.
func ErrorEvent(reason, message string) StreamEvent {
	return StreamEvent{Type: StreamEventError, Reason: reason, Error: message, Time: time.Now()}
}

// IsTerminal reports whether no events may follow e.
func (e StreamEvent) IsTerminal() bool {
	return e.Type == StreamEventDone || e.Type == StreamEventError
}

// Succeeded reports the success flag of a tool result event.
func (e StreamEvent) Succeeded() bool {
	return e.Success != nil && *e.Success
}
