package devices

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/clinagent/internal/agent"
)

// Descriptors returns the device tool descriptors.
func Descriptors() []agent.ToolDescriptor {
	return []agent.ToolDescriptor{
		{
			Name:        "get_device_status",
			Description: "Get the status, location and maintenance dates of a medical device.",
			Params: map[string]agent.ParamSpec{
				"device_id": {Type: agent.TypeString, Required: true, Description: "Device identifier such as DEV001"},
			},
		},
		{
			Name:        "list_devices",
			Description: "List medical devices, optionally only those with a given status.",
			Params: map[string]agent.ParamSpec{
				"status": {Type: agent.TypeString, Description: "Status filter such as Operational or Maintenance Required"},
			},
		},
	}
}

func (s *Store) getTool(ctx context.Context, args agent.Args) (any, error) {
	id := args.String("device_id")
	d, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("device %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Store) listTool(ctx context.Context, args agent.Args) (any, error) {
	list, err := s.List(ctx, args.String("status"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"count": len(list), "devices": list}, nil
}

// Register adds the device tools backed by store to reg.
func Register(reg *agent.ToolRegistry, store *Store) error {
	descs := Descriptors()
	if err := reg.Register(descs[0], store.getTool); err != nil {
		return err
	}
	return reg.Register(descs[1], store.listTool)
}
