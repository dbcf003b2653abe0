// Package pubmed searches the NCBI E-utilities PubMed index.
package pubmed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the public E-utilities endpoint.
const DefaultBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

// Client is an E-utilities client.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// Config holds PubMed client configuration.
type Config struct {
	BaseURL string
	// APIKey raises the NCBI rate limit from 3 to 10 requests per second.
	APIKey  string
	Timeout time.Duration
}

// NewClient creates a PubMed client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     cfg.APIKey,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// Article is a summarized PubMed record.
type Article struct {
	PMID    string `json:"pmid"`
	Title   string `json:"title"`
	Authors string `json:"authors"`
	Journal string `json:"journal"`
	PubDate string `json:"pub_date"`
	URL     string `json:"url"`
}

type esearchResponse struct {
	Result struct {
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

type esummaryAuthor struct {
	Name string `json:"name"`
}

type esummaryRecord struct {
	Title   string           `json:"title"`
	Source  string           `json:"source"`
	PubDate string           `json:"pubdate"`
	Authors []esummaryAuthor `json:"authors"`
}

// Search runs esearch for term and summarizes up to maxResults hits in
// relevance order.
func (c *Client) Search(ctx context.Context, term string, maxResults int) ([]Article, error) {
	params := url.Values{}
	params.Set("db", "pubmed")
	params.Set("term", term)
	params.Set("retmax", fmt.Sprintf("%d", maxResults))
	params.Set("retmode", "json")

	var search esearchResponse
	if err := c.get(ctx, "/esearch.fcgi", params, &search); err != nil {
		return nil, fmt.Errorf("esearch: %w", err)
	}
	ids := search.Result.IDList
	if len(ids) == 0 {
		return []Article{}, nil
	}

	params = url.Values{}
	params.Set("db", "pubmed")
	params.Set("id", strings.Join(ids, ","))
	params.Set("retmode", "json")

	var summary struct {
		Result map[string]json.RawMessage `json:"result"`
	}
	if err := c.get(ctx, "/esummary.fcgi", params, &summary); err != nil {
		return nil, fmt.Errorf("esummary: %w", err)
	}

	articles := make([]Article, 0, len(ids))
	for _, id := range ids {
		raw, ok := summary.Result[id]
		if !ok {
			continue
		}
		var rec esummaryRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		articles = append(articles, Article{
			PMID:    id,
			Title:   rec.Title,
			Authors: formatAuthors(rec.Authors),
			Journal: rec.Source,
			PubDate: rec.PubDate,
			URL:     "https://pubmed.ncbi.nlm.nih.gov/" + id + "/",
		})
	}
	return articles, nil
}

// formatAuthors keeps the first three names.
func formatAuthors(authors []esummaryAuthor) string {
	names := make([]string, 0, 3)
	for i, a := range authors {
		if i == 3 {
			break
		}
		names = append(names, a.Name)
	}
	out := strings.Join(names, ", ")
	if len(authors) > 3 {
		out += " et al."
	}
	return out
}

func (c *Client) get(ctx context.Context, path string, params url.Values, result any) error {
	if c.APIKey != "" {
		params.Set("api_key", c.APIKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
