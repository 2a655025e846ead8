package analysisapi

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// TopAccount is one entry of the daily-priority ranking.
type TopAccount struct {
	AnalysisID  int64   `json:"analysis_id"`
	CompanyID   int64   `json:"company_id"`
	CompanyName string  `json:"company_name,omitempty"`
	Industry    string  `json:"industry,omitempty"`
	Score       float64 `json:"score"`
}

type DashboardSummary struct {
	PrioritizedCompanies int `json:"prioritized_companies"`
	TotalAnalyses        int `json:"total_analyses"`
}

// InsightRecord is an insight as listed across all of the caller's analyses.
type InsightRecord struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// InsightFilter narrows Insights. Zero fields do not filter.
type InsightFilter struct {
	CompanyID int64
	Severity  string
}

// Me is the profile of the token's owner.
type Me struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`
	Region    string `json:"region"`
}

// TopAccounts returns today's highest-priority accounts among the caller's
// completed analyses. A non-positive limit uses the service default of 5.
func (c *Client) TopAccounts(ctx context.Context, limit int) ([]TopAccount, error) {
	path := "/dashboard/top-accounts"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var out []TopAccount
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []TopAccount{}
	}
	return out, nil
}

func (c *Client) DashboardSummary(ctx context.Context) (DashboardSummary, error) {
	var out DashboardSummary
	err := c.do(ctx, http.MethodGet, "/dashboard/summary", nil, &out)
	return out, err
}

func (c *Client) Insights(ctx context.Context, f InsightFilter) ([]InsightRecord, error) {
	q := url.Values{}
	if f.CompanyID > 0 {
		q.Set("company_id", strconv.FormatInt(f.CompanyID, 10))
	}
	if f.Severity != "" {
		q.Set("severity", f.Severity)
	}
	path := "/insights/"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out []InsightRecord
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []InsightRecord{}
	}
	return out, nil
}

func (c *Client) Me(ctx context.Context) (Me, error) {
	var out Me
	err := c.do(ctx, http.MethodGet, "/users/me", nil, &out)
	return out, err
}
