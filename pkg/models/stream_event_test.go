package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestStreamEvent_Constructors(t *testing.T) {
	tests := []struct {
		name     string
		event    StreamEvent
		wantType StreamEventType
		terminal bool
	}{
		{"text", TextFragment("5"), StreamEventText, false},
		{"tool selected", ToolSelected(ToolCall{ID: "c1", Name: "add"}), StreamEventToolSelected, false},
		{"tool result", ToolResultEvent("add", "c1", true, 5), StreamEventToolResult, false},
		{"done", Done(), StreamEventDone, true},
		{"error", ErrorEvent(ReasonTimeout, "model round trip timed out"), StreamEventError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.event.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", tt.event.Type, tt.wantType)
			}
			if tt.event.IsTerminal() != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", tt.event.IsTerminal(), tt.terminal)
			}
		})
	}
}

func TestToolSelected_DefaultsEmptyArguments(t *testing.T) {
	ev := ToolSelected(ToolCall{ID: "c1", Name: "list_devices"})
	if string(ev.Arguments) != "{}" {
		t.Errorf("Arguments = %s, want {}", ev.Arguments)
	}
}

func TestToolResultEvent_FailureSerializesSuccessFlag(t *testing.T) {
	ev := ToolResultEvent("add", "c1", false, "bad input")
	if ev.Succeeded() {
		t.Error("Succeeded() = true, want false")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"success":false`) {
		t.Errorf("json = %s, want success:false present", data)
	}
	if !strings.Contains(string(data), `"payload":"bad input"`) {
		t.Errorf("json = %s, want payload", data)
	}
}

func TestTextFragment_OmitsToolFields(t *testing.T) {
	data, err := json.Marshal(TextFragment("hello"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, field := range []string{"tool_name", "success", "payload", "reason"} {
		if strings.Contains(string(data), field) {
			t.Errorf("json = %s, unexpected field %q", data, field)
		}
	}
}
