// Package clinicaltrials queries the ClinicalTrials.gov v2 REST API.
package clinicaltrials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the public ClinicalTrials.gov host.
const DefaultBaseURL = "https://clinicaltrials.gov"

// MaxPageSize is the largest page the v2 API serves.
const MaxPageSize = 1000

// maxPages bounds SearchAll regardless of how many studies were asked for.
const maxPages = 50

var nctPattern = regexp.MustCompile(`^NCT\d{8}$`)

// ErrNotFound is returned when a study does not exist.
var ErrNotFound = errors.New("study not found")

// Client is a ClinicalTrials.gov API client.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	now        func() time.Time
}

// Config holds client configuration.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// NewClient creates a ClinicalTrials.gov client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "clinagent/1.0"
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// SearchOptions filters a study search.
type SearchOptions struct {
	Condition    string
	Intervention string
	Term         string
	// Status values such as RECRUITING or COMPLETED, OR-ed together.
	Status   []string
	Phase    []string
	// Location is matched against site facility, city, state and country.
	Location  string
	PageSize  int
	PageToken string
}

// StudySummary is the compact view of a study returned to the model.
type StudySummary struct {
	NCTID      string   `json:"nct_id"`
	Title      string   `json:"title"`
	Status     string   `json:"status"`
	Phases     []string `json:"phases,omitempty"`
	Conditions []string `json:"conditions,omitempty"`
	Enrollment int      `json:"enrollment,omitempty"`
	StartDate  string   `json:"start_date,omitempty"`
	URL        string   `json:"url"`
}

// StudyDetail extends the summary with the fields useful for a single study.
type StudyDetail struct {
	StudySummary
	OfficialTitle       string   `json:"official_title,omitempty"`
	BriefSummary        string   `json:"brief_summary,omitempty"`
	Interventions       []string `json:"interventions,omitempty"`
	LeadSponsor         string   `json:"lead_sponsor,omitempty"`
	CompletionDate      string   `json:"completion_date,omitempty"`
	EligibilityCriteria string   `json:"eligibility_criteria,omitempty"`
	LocationCount       int      `json:"location_count"`
}

// SearchResult is one page of studies.
type SearchResult struct {
	TotalCount    int            `json:"total_count,omitempty"`
	NextPageToken string         `json:"next_page_token,omitempty"`
	Studies       []StudySummary `json:"studies"`
}

type study struct {
	ProtocolSection struct {
		IdentificationModule struct {
			NCTID         string `json:"nctId"`
			BriefTitle    string `json:"briefTitle"`
			OfficialTitle string `json:"officialTitle"`
		} `json:"identificationModule"`
		StatusModule struct {
			OverallStatus        string    `json:"overallStatus"`
			StartDateStruct      dateField `json:"startDateStruct"`
			CompletionDateStruct dateField `json:"completionDateStruct"`
		} `json:"statusModule"`
		DescriptionModule struct {
			BriefSummary string `json:"briefSummary"`
		} `json:"descriptionModule"`
		DesignModule struct {
			Phases         []string `json:"phases"`
			EnrollmentInfo struct {
				Count int `json:"count"`
			} `json:"enrollmentInfo"`
		} `json:"designModule"`
		ConditionsModule struct {
			Conditions []string `json:"conditions"`
		} `json:"conditionsModule"`
		ArmsInterventionsModule struct {
			Interventions []struct {
				Name string `json:"name"`
			} `json:"interventions"`
		} `json:"armsInterventionsModule"`
		SponsorCollaboratorsModule struct {
			LeadSponsor struct {
				Name string `json:"name"`
			} `json:"leadSponsor"`
		} `json:"sponsorCollaboratorsModule"`
		EligibilityModule struct {
			EligibilityCriteria string `json:"eligibilityCriteria"`
		} `json:"eligibilityModule"`
		ContactsLocationsModule struct {
			Locations []Location `json:"locations"`
		} `json:"contactsLocationsModule"`
	} `json:"protocolSection"`
}

type dateField struct {
	Date string `json:"date"`
}

// Location is one study site.
type Location struct {
	Facility string `json:"facility,omitempty"`
	City     string `json:"city,omitempty"`
	State    string `json:"state,omitempty"`
	Country  string `json:"country,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Study is the flattened record the aggregate tools work over.
type Study struct {
	NCTID      string
	Title      string
	Status     string
	Phases     []string
	Enrollment int
	StartDate  string
	Sponsor    string
	Locations  []Location
}

func (s *study) record() Study {
	p := &s.ProtocolSection
	return Study{
		NCTID:      p.IdentificationModule.NCTID,
		Title:      p.IdentificationModule.BriefTitle,
		Status:     p.StatusModule.OverallStatus,
		Phases:     p.DesignModule.Phases,
		Enrollment: p.DesignModule.EnrollmentInfo.Count,
		StartDate:  p.StatusModule.StartDateStruct.Date,
		Sponsor:    p.SponsorCollaboratorsModule.LeadSponsor.Name,
		Locations:  p.ContactsLocationsModule.Locations,
	}
}

func (s *study) summary() StudySummary {
	p := &s.ProtocolSection
	id := p.IdentificationModule.NCTID
	return StudySummary{
		NCTID:      id,
		Title:      p.IdentificationModule.BriefTitle,
		Status:     p.StatusModule.OverallStatus,
		Phases:     p.DesignModule.Phases,
		Conditions: p.ConditionsModule.Conditions,
		Enrollment: p.DesignModule.EnrollmentInfo.Count,
		StartDate:  p.StatusModule.StartDateStruct.Date,
		URL:        "https://clinicaltrials.gov/study/" + id,
	}
}

func (s *study) detail() StudyDetail {
	p := &s.ProtocolSection
	d := StudyDetail{
		StudySummary:        s.summary(),
		OfficialTitle:       p.IdentificationModule.OfficialTitle,
		BriefSummary:        p.DescriptionModule.BriefSummary,
		LeadSponsor:         p.SponsorCollaboratorsModule.LeadSponsor.Name,
		CompletionDate:      p.StatusModule.CompletionDateStruct.Date,
		EligibilityCriteria: p.EligibilityModule.EligibilityCriteria,
		LocationCount:       len(p.ContactsLocationsModule.Locations),
	}
	for _, iv := range p.ArmsInterventionsModule.Interventions {
		d.Interventions = append(d.Interventions, iv.Name)
	}
	return d
}

type studyPage struct {
	TotalCount    int     `json:"totalCount"`
	NextPageToken string  `json:"nextPageToken"`
	Studies       []study `json:"studies"`
}

// SearchStudies returns one page of studies matching opts. Pass the
// previous result's NextPageToken as opts.PageToken for the next page.
func (c *Client) SearchStudies(ctx context.Context, opts SearchOptions) (*SearchResult, error) {
	page, err := c.searchPage(ctx, opts)
	if err != nil {
		return nil, err
	}
	result := &SearchResult{
		TotalCount:    page.TotalCount,
		NextPageToken: page.NextPageToken,
		Studies:       make([]StudySummary, 0, len(page.Studies)),
	}
	for i := range page.Studies {
		result.Studies = append(result.Studies, page.Studies[i].summary())
	}
	return result, nil
}

// SearchAll follows nextPageToken until limit studies are collected, the
// results run out, or maxPages pages have been read.
func (c *Client) SearchAll(ctx context.Context, opts SearchOptions, limit int) ([]Study, error) {
	if limit <= 0 {
		limit = MaxPageSize
	}
	opts.PageSize = min(limit, MaxPageSize)
	opts.PageToken = ""

	var out []Study
	for range maxPages {
		page, err := c.searchPage(ctx, opts)
		if err != nil {
			return nil, err
		}
		for i := range page.Studies {
			out = append(out, page.Studies[i].record())
			if len(out) == limit {
				return out, nil
			}
		}
		if page.NextPageToken == "" {
			break
		}
		opts.PageToken = page.NextPageToken
	}
	return out, nil
}

func (c *Client) searchPage(ctx context.Context, opts SearchOptions) (*studyPage, error) {
	params := url.Values{}
	params.Set("format", "json")
	params.Set("countTotal", "true")

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 10
	}
	params.Set("pageSize", strconv.Itoa(min(pageSize, MaxPageSize)))

	if opts.Condition != "" {
		params.Set("query.cond", opts.Condition)
	}
	if opts.Intervention != "" {
		params.Set("query.intr", opts.Intervention)
	}
	if opts.Term != "" {
		params.Set("query.term", opts.Term)
	}
	if len(opts.Status) > 0 {
		params.Set("filter.overallStatus", strings.Join(opts.Status, "|"))
	}
	if len(opts.Phase) > 0 {
		params.Set("filter.phase", strings.Join(opts.Phase, "|"))
	}
	if opts.Location != "" {
		params.Set("query.locn", opts.Location)
	}
	if opts.PageToken != "" {
		params.Set("pageToken", opts.PageToken)
	}

	var page studyPage
	if err := c.doRequest(ctx, "/api/v2/studies?"+params.Encode(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetStudy fetches a single study by NCT number.
func (c *Client) GetStudy(ctx context.Context, nctID string) (*StudyDetail, error) {
	nctID = strings.ToUpper(strings.TrimSpace(nctID))
	if !nctPattern.MatchString(nctID) {
		return nil, fmt.Errorf("invalid NCT number %q: expected NCT followed by 8 digits", nctID)
	}
	var s study
	if err := c.doRequest(ctx, "/api/v2/studies/"+nctID+"?format=json", &s); err != nil {
		return nil, err
	}
	d := s.detail()
	return &d, nil
}

func (c *Client) doRequest(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
