package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/acctintel/internal/analysisapi"
	"github.com/kalambet/acctintel/internal/conversation"
	"github.com/kalambet/acctintel/internal/storage"
	"github.com/kalambet/acctintel/internal/submission"
)

const testToken = "test-token-12345"

// fakeBackend answers like the analysis service: every job completes on
// its first status check.
func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /analysis/", func(w http.ResponseWriter, r *http.Request) {
		var req analysisapi.CreateRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Industry == "Government" {
			w.WriteHeader(http.StatusConflict)
			io.WriteString(w, `{"detail":"An analysis is already in progress for this company"}`)
			return
		}
		json.NewEncoder(w).Encode(analysisapi.CreateResponse{AnalysisID: 7, Status: "created"})
	})
	mux.HandleFunc("GET /analysis/{id}/progress", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(analysisapi.Progress{AnalysisID: 7, Status: analysisapi.StatusCompleted, ProgressPercentage: 100})
	})
	mux.HandleFunc("GET /analysis/{id}/full", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(analysisapi.FullResult{
			AnalysisID:      7,
			CompanyName:     "Empresa",
			Status:          analysisapi.StatusCompleted,
			Insights:        []analysisapi.Insight{{Title: "Growing logistics footprint"}},
			Recommendations: []analysisapi.Recommendation{{ProductID: 55, MatchPercentage: 80, ConfidenceScore: 0.7}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type testEnv struct {
	handler http.Handler
	store   *conversation.Store
	runner  *submission.Runner
	db      *storage.Store
}

func setupViews(t *testing.T, token string) *testEnv {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := conversation.New(db)
	store.Load(context.Background())

	backend := fakeBackend(t)
	wf := submission.NewWorkflow(analysisapi.New(backend.URL, ""), store, submission.Options{
		PollInterval:    time.Millisecond,
		MaxPollAttempts: 3,
		MaxPollFailures: 1,
		RequestTimeout:  2 * time.Second,
	})
	runner := submission.NewRunner(wf)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		runner.Shutdown(ctx)
	})

	h := NewViewHandler(ViewDeps{
		Store:          store,
		Runner:         runner,
		Jobs:           db,
		Token:          token,
		AllowedOrigins: []string{"http://localhost:5173"},
	})
	return &testEnv{handler: h, store: store, runner: runner, db: db}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(t *testing.T, h http.Handler, req *http.Request, wantCode int) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != wantCode {
		t.Fatalf("%s %s: status = %d, want %d; body = %s", req.Method, req.URL.Path, rr.Code, wantCode, rr.Body.String())
	}
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %s: %v", rr.Body.String(), err)
	}
	return v
}
