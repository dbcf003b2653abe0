// Package arith provides the integer addition tool used to exercise the
// agent loop end to end.
package arith

import (
	"context"
	"fmt"
	"math"

	"github.com/haasonsaas/clinagent/internal/agent"
)

// AddDescriptor declares add(a, b).
func AddDescriptor() agent.ToolDescriptor {
	return agent.ToolDescriptor{
		Name:        "add",
		Description: "Add two integers and return their sum.",
		Params: map[string]agent.ParamSpec{
			"a": {Type: agent.TypeInteger, Required: true, Description: "First addend"},
			"b": {Type: agent.TypeInteger, Required: true, Description: "Second addend"},
		},
	}
}

// Add returns a+b, rejecting results that overflow int64.
func Add(_ context.Context, args agent.Args) (any, error) {
	a, err := args.Int("a", 0)
	if err != nil {
		return nil, err
	}
	b, err := args.Int("b", 0)
	if err != nil {
		return nil, err
	}
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return nil, fmt.Errorf("sum of %d and %d overflows", a, b)
	}
	return a + b, nil
}

// Register adds the arithmetic tools to reg.
func Register(reg *agent.ToolRegistry) error {
	return reg.Register(AddDescriptor(), Add)
}
