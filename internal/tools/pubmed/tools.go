package pubmed

import (
	"context"
	"errors"
	"strings"

	"github.com/haasonsaas/clinagent/internal/agent"
)

const (
	defaultMaxResults = 5
	maxMaxResults     = 20
)

// SearchDescriptor declares search_pubmed.
func SearchDescriptor() agent.ToolDescriptor {
	return agent.ToolDescriptor{
		Name:        "search_pubmed",
		Description: "Search PubMed for biomedical literature. Returns title, first authors, journal, publication date and link for each match.",
		Params: map[string]agent.ParamSpec{
			"query":       {Type: agent.TypeString, Required: true, Description: "PubMed search terms"},
			"max_results": {Type: agent.TypeInteger, Description: "Number of articles to return (default 5, max 20)"},
		},
	}
}

// searchTool implements search_pubmed.
func (c *Client) searchTool(ctx context.Context, args agent.Args) (any, error) {
	query := strings.TrimSpace(args.String("query"))
	if query == "" {
		return nil, errors.New("query is required")
	}
	n, err := args.Int("max_results", defaultMaxResults)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = defaultMaxResults
	}
	n = min(n, maxMaxResults)

	articles, err := c.Search(ctx, query, int(n))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"query":    query,
		"count":    len(articles),
		"articles": articles,
	}, nil
}

// Register adds search_pubmed backed by client to reg.
func Register(reg *agent.ToolRegistry, client *Client) error {
	return reg.Register(SearchDescriptor(), client.searchTool)
}
