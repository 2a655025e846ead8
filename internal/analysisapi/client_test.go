package analysisapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, token string, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/api/v1", token, WithRetryBackoff(time.Millisecond))
}

func TestCreateAnalysis(t *testing.T) {
	c := newTestClient(t, "tok", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/v1/analysis/" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}
		var req CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		if req.CompanyName != "Empresa" || req.WebsiteURL != "https://empresa.com/" || req.Industry != "Retail" {
			t.Errorf("request = %+v", req)
		}
		w.Write([]byte(`{"analysis_id":42,"status":"processing"}`))
	})

	resp, err := c.CreateAnalysis(context.Background(), CreateRequest{
		CompanyName: "Empresa",
		WebsiteURL:  "https://empresa.com/",
		Industry:    "Retail",
	})
	if err != nil {
		t.Fatalf("CreateAnalysis: %v", err)
	}
	if resp.AnalysisID != 42 || resp.Status != StatusProcessing {
		t.Errorf("resp = %+v", resp)
	}
}

func TestNoTokenNoAuthorizationHeader(t *testing.T) {
	c := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Header["Authorization"]; ok {
			t.Error("Authorization header sent without a token")
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q on GET", got)
		}
		w.Write([]byte(`{"analysis_id":7,"status":"processing","progress_percentage":30}`))
	})

	p, err := c.GetProgress(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if p.ProgressPercentage != 30 || p.Done() {
		t.Errorf("progress = %+v", p)
	}
}

func TestGetFullResult(t *testing.T) {
	c := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/analysis/42/full" {
			t.Errorf("path = %s", r.URL.Path)
		}
		io.WriteString(w, `{
			"analysis_id": 42, "company_id": 3, "company_name": "Empresa", "status": "completed",
			"strategic_score": 81, "propensity_score": null,
			"insights": [{"id": 1, "title": "Legacy ERP", "severity": "high", "description": "d"}],
			"recommendations": [{"id": 9, "product_id": 1001, "match_percentage": 87.5, "confidence_score": 0.9, "is_accepted": false}],
			"sales_strategy": null
		}`)
	})

	res, err := c.GetFullResult(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetFullResult: %v", err)
	}
	if res.StrategicScore == nil || *res.StrategicScore != 81 {
		t.Errorf("StrategicScore = %v", res.StrategicScore)
	}
	if res.PropensityScore != nil {
		t.Errorf("PropensityScore = %v, want nil", *res.PropensityScore)
	}
	if len(res.Insights) != 1 || res.Insights[0].Title != "Legacy ERP" {
		t.Errorf("Insights = %+v", res.Insights)
	}
	if len(res.Recommendations) != 1 || res.Recommendations[0].ProductID != 1001 {
		t.Errorf("Recommendations = %+v", res.Recommendations)
	}
	if res.SalesStrategy != nil {
		t.Errorf("SalesStrategy = %+v, want nil", res.SalesStrategy)
	}
}

func TestSupplementaryEndpoints(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	c := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.Path)
		mu.Unlock()
		switch {
		case r.Method == http.MethodGet:
			io.WriteString(w, `[{"analysis_id":2,"company_name":"B","status":"completed"},{"analysis_id":1,"company_name":"A","status":"failed"}]`)
		case r.Method == http.MethodPatch:
			var body map[string]bool
			json.NewDecoder(r.Body).Decode(&body)
			if !body["is_accepted"] {
				t.Errorf("is_accepted not sent: %v", body)
			}
			io.WriteString(w, `{"message":"Recommendation updated","recommendation_id":9,"is_accepted":true}`)
		case r.Method == http.MethodPost:
			io.WriteString(w, `{"message":"Sales strategy regeneration started","analysis_id":2}`)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	ctx := context.Background()

	list, err := c.ListAnalyses(ctx)
	if err != nil || len(list) != 2 || list[0].AnalysisID != 2 {
		t.Fatalf("ListAnalyses = %+v, %v", list, err)
	}
	upd, err := c.SetRecommendationAccepted(ctx, 2, 9, true)
	if err != nil || !upd.IsAccepted || upd.RecommendationID != 9 {
		t.Fatalf("SetRecommendationAccepted = %+v, %v", upd, err)
	}
	ack, err := c.RegenerateStrategy(ctx, 2)
	if err != nil || ack.AnalysisID != 2 {
		t.Fatalf("RegenerateStrategy = %+v, %v", ack, err)
	}
	if _, err := c.DeleteAnalysis(ctx, 2); err != nil {
		t.Fatalf("DeleteAnalysis: %v", err)
	}

	want := []string{
		"GET /api/v1/analysis/",
		"PATCH /api/v1/analysis/2/recommendations/9",
		"POST /api/v1/analysis/2/regenerate-strategy",
		"DELETE /api/v1/analysis/2",
	}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(seen, "\n") != strings.Join(want, "\n") {
		t.Errorf("requests:\n%s\nwant:\n%s", strings.Join(seen, "\n"), strings.Join(want, "\n"))
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"detail string", http.StatusConflict, `{"detail":"An analysis for this company is already in progress."}`, "An analysis for this company is already in progress."},
		{"detail list", http.StatusUnprocessableEntity, `{"detail":[{"loc":["body","website_url"],"msg":"invalid url"},{"loc":["body"],"msg":"bad"}]}`, "website_url: invalid url; bad"},
		{"message", http.StatusBadRequest, `{"message":"nope"}`, "nope"},
		{"html body", http.StatusBadGateway, `<html>bad gateway</html>`, "502 Bad Gateway"},
		{"empty body", http.StatusNotFound, ``, "404 Not Found"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			})
			_, err := c.GetProgress(context.Background(), 1)
			var apiErr *Error
			if !errors.As(err, &apiErr) {
				t.Fatalf("err = %v, want *Error", err)
			}
			if apiErr.StatusCode != tc.status {
				t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, tc.status)
			}
			if apiErr.Message != tc.want {
				t.Errorf("Message = %q, want %q", apiErr.Message, tc.want)
			}
		})
	}
}

func TestIsUnauthorized(t *testing.T) {
	c := newTestClient(t, "expired", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"detail":"Could not validate credentials"}`)
	})
	_, err := c.ListAnalyses(context.Background())
	if !IsUnauthorized(err) {
		t.Errorf("IsUnauthorized(%v) = false", err)
	}
	if IsUnauthorized(errors.New("other")) {
		t.Error("IsUnauthorized(plain error) = true")
	}
}

func TestRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, `{"analysis_id":1,"status":"completed","progress_percentage":100}`)
	})

	p, err := c.GetProgress(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if !p.Done() {
		t.Errorf("progress = %+v", p)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestRateLimitExhausted(t *testing.T) {
	c := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := c.GetProgress(context.Background(), 1)
	if StatusCode(err) != http.StatusTooManyRequests {
		t.Errorf("StatusCode(%v) = %d, want 429", err, StatusCode(err))
	}
}

func TestRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL, "", WithRequestTimeout(50*time.Millisecond))
	_, err := c.GetProgress(context.Background(), 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}
