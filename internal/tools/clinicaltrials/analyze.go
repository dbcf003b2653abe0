package clinicaltrials

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

const (
	statusRecruiting = "RECRUITING"
	statusCompleted  = "COMPLETED"

	defaultLandscapeStudies = 500
	maxAggregateStudies     = 5000
	topN                    = 10
)

// Count is a label with its number of studies.
type Count struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// LandscapeReport summarizes the studies registered for a condition.
type LandscapeReport struct {
	Condition            string         `json:"condition"`
	TotalStudies         int            `json:"total_studies"`
	RecruitingStudies    int            `json:"recruiting_studies"`
	CompletedStudies     int            `json:"completed_studies"`
	PlannedEnrollment    int            `json:"total_planned_enrollment"`
	RecruitingEnrollment int            `json:"recruiting_enrollment_capacity"`
	AvgEnrollment        float64        `json:"avg_enrollment_per_study"`
	UniqueSponsors       int            `json:"total_unique_sponsors"`
	TopSponsors          []Count        `json:"top_sponsors"`
	TopRecruitingSponsor []Count        `json:"top_recruiting_sponsors"`
	Top5SharePct         float64        `json:"top_5_sponsor_share_pct"`
	Top10SharePct        float64        `json:"top_10_sponsor_share_pct"`
	Phases               map[string]int `json:"phase_distribution"`
	RecruitingPhases     map[string]int `json:"recruiting_phase_distribution"`
	EarlyPhasePct        float64        `json:"early_phase_pct"`
	TopCountries         []Count        `json:"top_countries"`
	MultiCountryStudies  int            `json:"international_studies"`
	CompetitionIntensity string         `json:"competition_intensity"`
}

// Landscape fetches up to limit studies for condition and aggregates them
// by status, sponsor, phase and country.
func (c *Client) Landscape(ctx context.Context, condition string, limit int) (*LandscapeReport, error) {
	if limit <= 0 {
		limit = defaultLandscapeStudies
	}
	studies, err := c.SearchAll(ctx, SearchOptions{Condition: condition}, min(limit, maxAggregateStudies))
	if err != nil {
		return nil, err
	}
	if len(studies) == 0 {
		return nil, fmt.Errorf("no studies found for %q", condition)
	}

	r := &LandscapeReport{
		Condition:        condition,
		TotalStudies:     len(studies),
		Phases:           map[string]int{},
		RecruitingPhases: map[string]int{},
	}
	sponsors := map[string]int{}
	recruitingSponsors := map[string]int{}
	countries := map[string]int{}
	early := 0
	for _, s := range studies {
		phase := phaseLabel(s.Phases)
		recruiting := s.Status == statusRecruiting

		r.PlannedEnrollment += s.Enrollment
		r.Phases[phase]++
		if s.Sponsor != "" {
			sponsors[s.Sponsor]++
		}
		if slices.Contains(s.Phases, "PHASE1") || slices.Contains(s.Phases, "EARLY_PHASE1") {
			early++
		}
		switch s.Status {
		case statusRecruiting:
			r.RecruitingStudies++
		case statusCompleted:
			r.CompletedStudies++
		}
		if recruiting {
			r.RecruitingEnrollment += s.Enrollment
			r.RecruitingPhases[phase]++
			if s.Sponsor != "" {
				recruitingSponsors[s.Sponsor]++
			}
		}

		seen := siteCountries(s.Locations)
		for _, country := range seen {
			countries[country]++
		}
		if len(seen) > 1 {
			r.MultiCountryStudies++
		}
	}

	total := float64(len(studies))
	ranked := topCounts(sponsors, len(sponsors))
	r.UniqueSponsors = len(ranked)
	r.TopSponsors = head(ranked, topN)
	r.TopRecruitingSponsor = topCounts(recruitingSponsors, topN)
	r.Top5SharePct = pct(sumCounts(head(ranked, 5)), total)
	r.Top10SharePct = pct(sumCounts(head(ranked, 10)), total)
	r.AvgEnrollment = round1(float64(r.PlannedEnrollment) / total)
	r.EarlyPhasePct = pct(early, total)
	r.TopCountries = topCounts(countries, topN)
	r.CompetitionIntensity = level(r.RecruitingStudies, 20, 50)
	return r, nil
}

// LocationTrial is a recruiting study with the sites that matched.
type LocationTrial struct {
	NCTID          string     `json:"nct_id"`
	Title          string     `json:"title"`
	Sponsor        string     `json:"sponsor,omitempty"`
	Phase          string     `json:"phase"`
	Enrollment     int        `json:"enrollment"`
	MatchingSites  []Location `json:"matching_locations"`
	TotalLocations int        `json:"total_locations"`
}

// LocationReport lists recruiting studies with a site in the requested area.
type LocationReport struct {
	Condition        string          `json:"condition"`
	Country          string          `json:"country,omitempty"`
	State            string          `json:"state,omitempty"`
	City             string          `json:"city,omitempty"`
	TrialsFound      int             `json:"recruiting_trials_found"`
	TotalEnrollment  int             `json:"total_enrollment_capacity"`
	AvgEnrollment    float64         `json:"avg_enrollment_per_trial"`
	CompetitionLevel string          `json:"competition_level"`
	Trials           []LocationTrial `json:"trials"`
}

// RecruitingByLocation finds recruiting studies for condition with at least
// one site matching every non-empty location field, compared case-insensitively.
func (c *Client) RecruitingByLocation(ctx context.Context, condition, country, state, city string) (*LocationReport, error) {
	opts := SearchOptions{Condition: condition, Status: []string{statusRecruiting}}
	// The API narrows by the most specific place given; sites are then
	// checked field by field below.
	for _, place := range []string{city, state, country} {
		if place != "" {
			opts.Location = place
			break
		}
	}
	studies, err := c.SearchAll(ctx, opts, MaxPageSize)
	if err != nil {
		return nil, err
	}

	r := &LocationReport{Condition: condition, Country: country, State: state, City: city, Trials: []LocationTrial{}}
	for _, s := range studies {
		var matched []Location
		for _, loc := range s.Locations {
			if fieldMatches(loc.Country, country) && fieldMatches(loc.State, state) && fieldMatches(loc.City, city) {
				matched = append(matched, loc)
			}
		}
		if len(matched) == 0 {
			continue
		}
		r.Trials = append(r.Trials, LocationTrial{
			NCTID:          s.NCTID,
			Title:          s.Title,
			Sponsor:        s.Sponsor,
			Phase:          phaseLabel(s.Phases),
			Enrollment:     s.Enrollment,
			MatchingSites:  matched,
			TotalLocations: len(s.Locations),
		})
		r.TotalEnrollment += s.Enrollment
	}
	r.TrialsFound = len(r.Trials)
	if r.TrialsFound > 0 {
		r.AvgEnrollment = round1(float64(r.TotalEnrollment) / float64(r.TrialsFound))
	}
	r.CompetitionLevel = level(r.TrialsFound, 5, 10)
	return r, nil
}

// MonthStats counts studies that started in one calendar month.
type MonthStats struct {
	Month          string  `json:"month"`
	NewTrials      int     `json:"new_trials"`
	Enrollment     int     `json:"total_enrollment"`
	UniqueSponsors int     `json:"unique_sponsors"`
	AvgEnrollment  float64 `json:"avg_enrollment_per_trial"`
}

// TrendReport describes study starts over a trailing window.
type TrendReport struct {
	Condition          string       `json:"condition"`
	MonthsAnalyzed     int          `json:"months_analyzed"`
	From               string       `json:"start_date"`
	To                 string       `json:"end_date"`
	TotalNewTrials     int          `json:"total_new_trials"`
	TotalNewEnrollment int          `json:"total_new_enrollment_capacity"`
	AvgTrialsPerMonth  float64      `json:"avg_trials_per_month"`
	Months             []MonthStats `json:"monthly_breakdown"`
	ActiveSponsors     int          `json:"total_active_sponsors"`
	TopSponsors        []Count      `json:"most_active_sponsors"`
	ActivityLevel      string       `json:"activity_level"`
}

// EnrollmentTrends groups the studies for condition that started within the
// last monthsBack months by start month. Studies without a parseable start
// date are skipped.
func (c *Client) EnrollmentTrends(ctx context.Context, condition string, monthsBack int) (*TrendReport, error) {
	if monthsBack <= 0 {
		monthsBack = 12
	}
	studies, err := c.SearchAll(ctx, SearchOptions{Condition: condition}, MaxPageSize)
	if err != nil {
		return nil, err
	}

	now := c.now()
	cutoff := now.AddDate(0, -monthsBack, 0)
	r := &TrendReport{
		Condition:      condition,
		MonthsAnalyzed: monthsBack,
		From:           cutoff.Format(time.DateOnly),
		To:             now.Format(time.DateOnly),
		Months:         []MonthStats{},
	}

	byMonth := map[string]*MonthStats{}
	monthSponsors := map[string]map[string]bool{}
	sponsors := map[string]int{}
	for _, s := range studies {
		start, ok := parseStudyDate(s.StartDate)
		if !ok || start.Before(cutoff) || start.After(now) {
			continue
		}
		month := start.Format("2006-01")
		m := byMonth[month]
		if m == nil {
			m = &MonthStats{Month: month}
			byMonth[month] = m
			monthSponsors[month] = map[string]bool{}
		}
		m.NewTrials++
		m.Enrollment += s.Enrollment
		if s.Sponsor != "" {
			monthSponsors[month][s.Sponsor] = true
			sponsors[s.Sponsor]++
		}
		r.TotalNewTrials++
		r.TotalNewEnrollment += s.Enrollment
	}

	for month, m := range byMonth {
		m.UniqueSponsors = len(monthSponsors[month])
		m.AvgEnrollment = round1(float64(m.Enrollment) / float64(m.NewTrials))
		r.Months = append(r.Months, *m)
	}
	slices.SortFunc(r.Months, func(a, b MonthStats) int { return strings.Compare(a.Month, b.Month) })

	r.AvgTrialsPerMonth = round1(float64(r.TotalNewTrials) / float64(monthsBack))
	r.ActiveSponsors = len(sponsors)
	r.TopSponsors = topCounts(sponsors, topN)
	r.ActivityLevel = level(r.TotalNewTrials, monthsBack, 2*monthsBack)
	return r, nil
}

// parseStudyDate accepts the API's full dates and month-only dates. A
// month-only date is taken as the first of the month.
func parseStudyDate(s string) (time.Time, bool) {
	for _, layout := range []string{time.DateOnly, "2006-01"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func phaseLabel(phases []string) string {
	if len(phases) == 0 {
		return "NA"
	}
	return strings.Join(phases, "|")
}

func siteCountries(locations []Location) []string {
	var out []string
	for _, loc := range locations {
		if loc.Country != "" && !slices.Contains(out, loc.Country) {
			out = append(out, loc.Country)
		}
	}
	return out
}

func fieldMatches(value, want string) bool {
	return want == "" || strings.EqualFold(strings.TrimSpace(value), strings.TrimSpace(want))
}

// topCounts ranks m by count, breaking ties by name, and keeps the first n.
func topCounts(m map[string]int, n int) []Count {
	out := make([]Count, 0, len(m))
	for name, count := range m {
		out = append(out, Count{Name: name, Count: count})
	}
	slices.SortFunc(out, func(a, b Count) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return head(out, n)
}

func head(counts []Count, n int) []Count {
	if len(counts) > n {
		return counts[:n]
	}
	return counts
}

func sumCounts(counts []Count) int {
	total := 0
	for _, c := range counts {
		total += c.Count
	}
	return total
}

func pct(n int, total float64) float64 {
	if total == 0 {
		return 0
	}
	return round1(float64(n) / total * 100)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// level buckets n as Low, Medium (above medium) or High (above high).
func level(n, medium, high int) string {
	switch {
	case n > high:
		return "High"
	case n > medium:
		return "Medium"
	}
	return "Low"
}
