package clinicaltrials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/clinagent/internal/agent"
)

// Statuses accepted by filter.overallStatus.
var Statuses = []string{
	"ACTIVE_NOT_RECRUITING",
	"COMPLETED",
	"ENROLLING_BY_INVITATION",
	"NOT_YET_RECRUITING",
	"RECRUITING",
	"SUSPENDED",
	"TERMINATED",
	"WITHDRAWN",
}

// SearchArgs are the arguments of search_trials.
type SearchArgs struct {
	Condition    string   `json:"condition,omitempty" jsonschema:"description=Condition or disease such as heart failure"`
	Intervention string   `json:"intervention,omitempty" jsonschema:"description=Drug or device or procedure name"`
	Status       []string `json:"status,omitempty" jsonschema:"description=Overall status filter such as RECRUITING"`
	Phase        []string `json:"phase,omitempty" jsonschema:"description=Phase filter such as PHASE2 or PHASE3"`
	PageSize     int      `json:"page_size,omitempty" jsonschema:"description=Studies to return (default 10 and at most 1000)"`
	PageToken    string   `json:"page_token,omitempty" jsonschema:"description=next_page_token from a previous search to fetch the following page"`
}

// SearchDescriptor declares search_trials.
func SearchDescriptor() agent.ToolDescriptor {
	return agent.ToolDescriptor{
		Name:        "search_trials",
		Description: "Search ClinicalTrials.gov for studies by condition, intervention, status and phase.",
		Params:      agent.ParamsFromStruct(SearchArgs{}),
	}
}

// GetDescriptor declares get_trial.
func GetDescriptor() agent.ToolDescriptor {
	return agent.ToolDescriptor{
		Name:        "get_trial",
		Description: "Fetch one ClinicalTrials.gov study by NCT number, including eligibility and sponsor.",
		Params: map[string]agent.ParamSpec{
			"nct_id": {Type: agent.TypeString, Required: true, Description: "NCT number such as NCT01234567"},
		},
	}
}

func (c *Client) searchTool(ctx context.Context, args agent.Args) (any, error) {
	var in SearchArgs
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Condition) == "" && strings.TrimSpace(in.Intervention) == "" {
		return nil, errors.New("condition or intervention is required")
	}
	status := make([]string, 0, len(in.Status))
	for _, s := range in.Status {
		s = strings.ToUpper(strings.TrimSpace(s))
		if !isStatus(s) {
			return nil, fmt.Errorf("unknown status %q (want one of %s)", s, strings.Join(Statuses, ", "))
		}
		status = append(status, s)
	}
	phases := make([]string, 0, len(in.Phase))
	for _, p := range in.Phase {
		phases = append(phases, strings.ToUpper(strings.TrimSpace(p)))
	}
	return c.SearchStudies(ctx, SearchOptions{
		Condition:    strings.TrimSpace(in.Condition),
		Intervention: strings.TrimSpace(in.Intervention),
		Status:       status,
		Phase:        phases,
		PageSize:     in.PageSize,
		PageToken:    strings.TrimSpace(in.PageToken),
	})
}

// LandscapeDescriptor declares analyze_competitive_landscape.
func LandscapeDescriptor() agent.ToolDescriptor {
	return agent.ToolDescriptor{
		Name:        "analyze_competitive_landscape",
		Description: "Summarize every registered study for a condition by sponsor, phase, country and status to gauge how crowded the field is.",
		Params: map[string]agent.ParamSpec{
			"condition":   {Type: agent.TypeString, Required: true, Description: "Condition or disease"},
			"max_studies": {Type: agent.TypeInteger, Description: "Studies to analyze (default 500 and at most 5000)"},
		},
	}
}

// LocationDescriptor declares find_recruiting_trials_by_location.
func LocationDescriptor() agent.ToolDescriptor {
	return agent.ToolDescriptor{
		Name:        "find_recruiting_trials_by_location",
		Description: "List recruiting studies for a condition with a site in the given country, state or city.",
		Params: map[string]agent.ParamSpec{
			"condition": {Type: agent.TypeString, Required: true, Description: "Condition or disease"},
			"country":   {Type: agent.TypeString, Description: "Country such as United States"},
			"state":     {Type: agent.TypeString, Description: "State or province"},
			"city":      {Type: agent.TypeString, Description: "City"},
		},
	}
}

// TrendsDescriptor declares track_enrollment_trends.
func TrendsDescriptor() agent.ToolDescriptor {
	return agent.ToolDescriptor{
		Name:        "track_enrollment_trends",
		Description: "Count new studies and planned enrollment per month for a condition over a trailing window.",
		Params: map[string]agent.ParamSpec{
			"condition":   {Type: agent.TypeString, Required: true, Description: "Condition or disease"},
			"months_back": {Type: agent.TypeInteger, Description: "Months to look back (default 12 and at most 120)"},
		},
	}
}

func (c *Client) landscapeTool(ctx context.Context, args agent.Args) (any, error) {
	limit, err := args.Int("max_studies", defaultLandscapeStudies)
	if err != nil {
		return nil, err
	}
	if limit < 1 || limit > maxAggregateStudies {
		return nil, fmt.Errorf("max_studies must be between 1 and %d", maxAggregateStudies)
	}
	condition, err := requireCondition(args)
	if err != nil {
		return nil, err
	}
	return c.Landscape(ctx, condition, int(limit))
}

func (c *Client) locationTool(ctx context.Context, args agent.Args) (any, error) {
	country := strings.TrimSpace(args.String("country"))
	state := strings.TrimSpace(args.String("state"))
	city := strings.TrimSpace(args.String("city"))
	if country == "" && state == "" && city == "" {
		return nil, errors.New("one of country, state or city is required")
	}
	condition, err := requireCondition(args)
	if err != nil {
		return nil, err
	}
	return c.RecruitingByLocation(ctx, condition, country, state, city)
}

func (c *Client) trendsTool(ctx context.Context, args agent.Args) (any, error) {
	months, err := args.Int("months_back", 12)
	if err != nil {
		return nil, err
	}
	if months < 1 || months > 120 {
		return nil, errors.New("months_back must be between 1 and 120")
	}
	condition, err := requireCondition(args)
	if err != nil {
		return nil, err
	}
	return c.EnrollmentTrends(ctx, condition, int(months))
}

func requireCondition(args agent.Args) (string, error) {
	condition := strings.TrimSpace(args.String("condition"))
	if condition == "" {
		return "", errors.New("condition is required")
	}
	return condition, nil
}

func (c *Client) getTool(ctx context.Context, args agent.Args) (any, error) {
	id := args.String("nct_id")
	detail, err := c.GetStudy(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("trial %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return detail, nil
}

func isStatus(s string) bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Register adds the ClinicalTrials.gov tools backed by client to reg.
func Register(reg *agent.ToolRegistry, client *Client) error {
	tools := []struct {
		desc agent.ToolDescriptor
		fn   agent.ToolFunc
	}{
		{SearchDescriptor(), client.searchTool},
		{GetDescriptor(), client.getTool},
		{LandscapeDescriptor(), client.landscapeTool},
		{LocationDescriptor(), client.locationTool},
		{TrendsDescriptor(), client.trendsTool},
	}
	for _, t := range tools {
		if err := reg.Register(t.desc, t.fn); err != nil {
			return err
		}
	}
	return nil
}
