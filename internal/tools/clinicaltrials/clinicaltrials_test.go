package clinicaltrials

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/haasonsaas/clinagent/internal/agent"
	"github.com/haasonsaas/clinagent/pkg/models"
)

const studyJSON = `{
  "protocolSection": {
    "identificationModule": {"nctId": "NCT01234567", "briefTitle": "Pacemaker Study", "officialTitle": "A Study of Pacemakers"},
    "statusModule": {"overallStatus": "RECRUITING", "startDateStruct": {"date": "2024-01"}, "completionDateStruct": {"date": "2026-12"}},
    "descriptionModule": {"briefSummary": "Evaluates leadless pacing."},
    "designModule": {"phases": ["PHASE3"], "enrollmentInfo": {"count": 420}},
    "conditionsModule": {"conditions": ["Bradycardia"]},
    "armsInterventionsModule": {"interventions": [{"name": "Leadless pacemaker"}]},
    "sponsorCollaboratorsModule": {"leadSponsor": {"name": "Acme Medical"}},
    "eligibilityModule": {"eligibilityCriteria": "Adults 18+"},
    "contactsLocationsModule": {"locations": [{}, {}]}
  }
}`

func newTestServer(t *testing.T, lastQuery *url.Values) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "clinagent-test" {
			t.Errorf("User-Agent = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/api/v2/studies":
			if lastQuery != nil {
				*lastQuery = r.URL.Query()
			}
			fmt.Fprintf(w, `{"totalCount":1,"nextPageToken":"tok","studies":[%s]}`, studyJSON)
		case r.URL.Path == "/api/v2/studies/NCT01234567":
			fmt.Fprint(w, studyJSON)
		case strings.HasPrefix(r.URL.Path, "/api/v2/studies/"):
			http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestClient(url string) *Client {
	return NewClient(Config{BaseURL: url, UserAgent: "clinagent-test"})
}

func TestSearchStudies(t *testing.T) {
	var q url.Values
	server := newTestServer(t, &q)
	defer server.Close()

	res, err := newTestClient(server.URL).SearchStudies(context.Background(), SearchOptions{
		Condition:    "bradycardia",
		Intervention: "pacemaker",
		Status:       []string{"RECRUITING", "NOT_YET_RECRUITING"},
		PageSize:     5000,
	})
	if err != nil {
		t.Fatalf("SearchStudies() error = %v", err)
	}
	if q.Get("query.cond") != "bradycardia" || q.Get("query.intr") != "pacemaker" {
		t.Errorf("query = %v", q)
	}
	if q.Get("filter.overallStatus") != "RECRUITING|NOT_YET_RECRUITING" {
		t.Errorf("filter.overallStatus = %q", q.Get("filter.overallStatus"))
	}
	if q.Get("pageSize") != "1000" {
		t.Errorf("pageSize = %q, want capped at 1000", q.Get("pageSize"))
	}
	if res.TotalCount != 1 || res.NextPageToken != "tok" || len(res.Studies) != 1 {
		t.Fatalf("result = %+v", res)
	}
	s := res.Studies[0]
	if s.NCTID != "NCT01234567" || s.Status != "RECRUITING" || s.Enrollment != 420 || s.StartDate != "2024-01" {
		t.Errorf("summary = %+v", s)
	}
	if s.URL != "https://clinicaltrials.gov/study/NCT01234567" {
		t.Errorf("URL = %q", s.URL)
	}
}

func TestGetStudy(t *testing.T) {
	server := newTestServer(t, nil)
	defer server.Close()
	client := newTestClient(server.URL)

	d, err := client.GetStudy(context.Background(), " nct01234567 ")
	if err != nil {
		t.Fatalf("GetStudy() error = %v", err)
	}
	if d.LeadSponsor != "Acme Medical" || d.LocationCount != 2 || len(d.Interventions) != 1 {
		t.Errorf("detail = %+v", d)
	}

	if _, err := client.GetStudy(context.Background(), "NCT99999999"); err != ErrNotFound {
		t.Errorf("missing study error = %v, want ErrNotFound", err)
	}
	if _, err := client.GetStudy(context.Background(), "NCT123"); err == nil || !strings.Contains(err.Error(), "invalid NCT number") {
		t.Errorf("malformed id error = %v", err)
	}
}

func TestTools(t *testing.T) {
	tests := []struct {
		name        string
		tool        string
		input       string
		wantSuccess bool
		want        string
	}{
		{"search default page", "search_trials", `{"condition":"bradycardia"}`, true, "NCT01234567"},
		{"search lowercase status", "search_trials", `{"condition":"x","status":["recruiting"]}`, true, "RECRUITING"},
		{"search unknown status", "search_trials", `{"condition":"x","status":["OPEN"]}`, false, "unknown status"},
		{"search no criteria", "search_trials", `{}`, false, "condition or intervention is required"},
		{"get", "get_trial", `{"nct_id":"NCT01234567"}`, true, "Acme Medical"},
		{"get missing", "get_trial", `{"nct_id":"NCT99999999"}`, false, "not found"},
		{"get malformed", "get_trial", `{"nct_id":"12345"}`, false, "invalid NCT number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var q url.Values
			server := newTestServer(t, &q)
			defer server.Close()

			reg := agent.NewToolRegistry()
			if err := Register(reg, newTestClient(server.URL)); err != nil {
				t.Fatalf("Register() error = %v", err)
			}
			res, err := reg.Dispatch(context.Background(), models.ToolCall{ID: "c1", Name: tt.tool, Input: json.RawMessage(tt.input)})
			if err != nil {
				t.Fatalf("Dispatch() error = %v", err)
			}
			if res.Success != tt.wantSuccess {
				t.Fatalf("Success = %v, want %v (payload %v)", res.Success, tt.wantSuccess, res.Payload)
			}
			payload, _ := json.Marshal(res.Payload)
			if !strings.Contains(string(payload), tt.want) {
				t.Errorf("payload = %s, want %q", payload, tt.want)
			}
			if tt.name == "search default page" && q.Get("pageSize") != "10" {
				t.Errorf("pageSize = %q, want 10", q.Get("pageSize"))
			}
		})
	}
}
