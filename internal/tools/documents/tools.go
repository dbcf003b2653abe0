package documents

import (
	"context"

	"github.com/haasonsaas/clinagent/internal/agent"
)

// Descriptors returns the document tool descriptors.
func Descriptors() []agent.ToolDescriptor {
	return []agent.ToolDescriptor{
		{
			Name:        "list_documents",
			Description: "List reference documents (protocols, device manuals, labels) available to read.",
			Params: map[string]agent.ParamSpec{
				"prefix": {Type: agent.TypeString, Description: "Only keys starting with this prefix"},
			},
		},
		{
			Name:        "get_document",
			Description: "Read the text of a reference document by key. Long documents are truncated.",
			Params: map[string]agent.ParamSpec{
				"key": {Type: agent.TypeString, Required: true, Description: "Key returned by list_documents"},
			},
		},
	}
}

func (s *Store) listTool(ctx context.Context, args agent.Args) (any, error) {
	docs, err := s.List(ctx, args.String("prefix"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"count": len(docs), "documents": docs}, nil
}

func (s *Store) getTool(ctx context.Context, args agent.Args) (any, error) {
	doc, err := s.Get(ctx, args.String("key"))
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Register adds the document tools backed by store to reg.
func Register(reg *agent.ToolRegistry, store *Store) error {
	descs := Descriptors()
	if err := reg.Register(descs[0], store.listTool); err != nil {
		return err
	}
	return reg.Register(descs[1], store.getTool)
}
