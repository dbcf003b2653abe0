package arith

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/haasonsaas/clinagent/internal/agent"
	"github.com/haasonsaas/clinagent/pkg/models"
)

func TestAdd(t *testing.T) {
	reg := agent.NewToolRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	tests := []struct {
		name        string
		input       string
		wantSuccess bool
		want        string
	}{
		{"small", `{"a":2,"b":3}`, true, "5"},
		{"negative", `{"a":-7,"b":3}`, true, "-4"},
		{"large", `{"a":9007199254740993,"b":1}`, true, "9007199254740994"},
		{"overflow", `{"a":9223372036854775807,"b":1}`, false, "overflows"},
		{"fraction", `{"a":1.5,"b":1}`, false, ""},
		{"missing", `{"a":1}`, false, "invalid arguments"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := reg.Dispatch(context.Background(), models.ToolCall{ID: "c", Name: "add", Input: json.RawMessage(tt.input)})
			if err != nil {
				t.Fatalf("Dispatch() error = %v", err)
			}
			if res.Success != tt.wantSuccess {
				t.Fatalf("Success = %v, want %v (payload %v)", res.Success, tt.wantSuccess, res.Payload)
			}
			if got := fmt.Sprint(res.Payload); !strings.Contains(got, tt.want) {
				t.Errorf("Payload = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRegisterTwice(t *testing.T) {
	reg := agent.NewToolRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	if err := Register(reg); err == nil {
		t.Error("second Register() should fail with a duplicate")
	}
}
