package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"github.com/kalambet/acctintel/internal/account"
	"github.com/kalambet/acctintel/internal/conversation"
	"github.com/kalambet/acctintel/internal/storage"
	"github.com/kalambet/acctintel/internal/submission"
)

// JobCounter reports queue depth for /health.
type JobCounter interface {
	CountJobs(ctx context.Context, status string) (int, error)
}

type ViewDeps struct {
	Store          *conversation.Store
	Runner         *submission.Runner
	Jobs           JobCounter // optional; nil with the redis backend
	Token          string     // optional bearer token
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewViewHandler serves the conversation list and submissions to a browser
// front-end.
func NewViewHandler(deps ViewDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/conversations", handleListConversations(deps))
		r.Post("/conversations", handleCreateConversation(deps))
		r.Get("/conversations/{id}", handleGetConversation(deps))
		r.Put("/conversations/active", handleSetActive(deps))
		r.Get("/preferences/sidebar", handleGetSidebar(deps))
		r.Put("/preferences/sidebar", handleSetSidebar(deps))
		r.Post("/validate", handleValidate)
		r.Post("/submissions", handleSubmit(deps))
		r.Get("/submissions", handleListSubmissions(deps))
		r.Get("/submissions/{id}", handleGetSubmission(deps))
		r.Delete("/submissions/{id}", handleCancelSubmission(deps))
		r.Get("/events", handleEvents(deps))
	})

	if len(deps.AllowedOrigins) == 0 {
		return r
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   deps.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

// ParseOrigins splits a comma-separated origin list.
func ParseOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func handleHealth(deps ViewDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"status":    "ok",
			"in_flight": len(deps.Runner.InFlight()),
		}
		if deps.Jobs != nil {
			n, err := deps.Jobs.CountJobs(r.Context(), storage.JobRunning)
			if err != nil {
				httpError(w, http.StatusServiceUnavailable, errInternal, "job queue unavailable: %v", err)
				return
			}
			resp["tracked_polls"] = n
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type conversationList struct {
	ActiveID         string                      `json:"active_id,omitempty"`
	SidebarCollapsed bool                        `json:"sidebar_collapsed"`
	Conversations    []conversation.Conversation `json:"conversations"`
}

func handleListConversations(deps ViewDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var convs []conversation.Conversation
		if r.URL.Query().Get("sort") == "activity" {
			convs = deps.Store.SortedByActivity()
		} else {
			convs = deps.Store.List()
		}
		if limit := queryInt(r, "limit", 0); limit > 0 && limit < len(convs) {
			convs = convs[:limit]
		}
		if convs == nil {
			convs = []conversation.Conversation{}
		}

		resp := conversationList{
			SidebarCollapsed: deps.Store.SidebarCollapsed(),
			Conversations:    convs,
		}
		if active, ok := deps.Store.Active(); ok {
			resp.ActiveID = active.ID
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleCreateConversation(deps ViewDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AnalysisType string `json:"analysis_type"`
		}
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}
		at, ok := account.CanonicalAnalysisType(req.AnalysisType)
		if !ok {
			httpError(w, http.StatusBadRequest, errInvalidRequest, "unknown analysis type %q", req.AnalysisType)
			return
		}
		writeJSON(w, http.StatusCreated, deps.Store.CreatePlaceholder(r.Context(), at))
	}
}

func handleGetConversation(deps ViewDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := deps.Store.Get(chi.URLParam(r, "id"))
		if errors.Is(err, conversation.ErrConversationNotFound) {
			httpError(w, http.StatusNotFound, errNotFound, "conversation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, errInternal, "failed to get conversation: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func handleSetActive(deps ViewDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID string `json:"id"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		err := deps.Store.SetActive(r.Context(), req.ID)
		if errors.Is(err, conversation.ErrConversationNotFound) {
			httpError(w, http.StatusNotFound, errNotFound, "conversation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, errInternal, "failed to activate conversation: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"active_id": req.ID})
	}
}

type sidebarPreference struct {
	Collapsed bool `json:"collapsed"`
}

func handleGetSidebar(deps ViewDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sidebarPreference{Collapsed: deps.Store.SidebarCollapsed()})
	}
}

func handleSetSidebar(deps ViewDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sidebarPreference
		if !decodeBody(w, r, &req) {
			return
		}
		deps.Store.SetSidebarCollapsed(r.Context(), req.Collapsed)
		writeJSON(w, http.StatusOK, req)
	}
}

type validateResponse struct {
	account.Result
	Identity *account.Identity `json:"identity,omitempty"`
}

func handleValidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, validate(req.URL))
}

func validate(raw string) validateResponse {
	resp := validateResponse{Result: account.ValidateURL(raw)}
	if resp.OK {
		if id, err := account.DeriveFromURL(resp.Normalized); err == nil {
			resp.Identity = &id
		}
	}
	return resp
}

// submissionView is a submission as the view API shows it. Text is the
// current text of its assistant message.
type submissionView struct {
	ID             string                  `json:"id"`
	ConversationID string                  `json:"conversation_id"`
	AnalysisID     int64                   `json:"analysis_id,omitempty"`
	State          submission.State        `json:"state"`
	Text           string                  `json:"text,omitempty"`
	History        []submission.Transition `json:"history"`
	Outcome        *submission.Outcome     `json:"outcome,omitempty"`
}

func viewOf(ctx context.Context, store *conversation.Store, s *submission.Submission) submissionView {
	v := submissionView{
		ID:             s.ID,
		ConversationID: s.ConversationID,
		AnalysisID:     s.AnalysisID(),
		State:          s.State(),
		History:        s.History(),
	}
	if m, err := store.Message(s.ConversationID, s.ID); err == nil {
		v.Text = m.Text
	}
	select {
	case <-s.Done():
		if out, err := s.Wait(ctx); err == nil {
			v.Outcome = &out
		}
	default:
	}
	return v
}

func handleSubmit(deps ViewDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var form account.Form
		if !decodeBody(w, r, &form) {
			return
		}
		s, err := deps.Runner.Submit(r.Context(), form)
		var serr *submission.Error
		if errors.As(err, &serr) && serr.Kind == submission.MalformedInput {
			fieldError(w, http.StatusUnprocessableEntity, serr.Message, serr.Fields)
			return
		}
		if err != nil {
			deps.Logger.ErrorContext(r.Context(), "submission rejected", "error", err)
			httpError(w, http.StatusInternalServerError, errInternal, "failed to submit: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, viewOf(r.Context(), deps.Store, s))
	}
}

func handleListSubmissions(deps ViewDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subs := deps.Runner.Submissions()
		if r.URL.Query().Get("state") == "in_flight" {
			subs = deps.Runner.InFlight()
		}
		views := make([]submissionView, 0, len(subs))
		for _, s := range subs {
			views = append(views, viewOf(r.Context(), deps.Store, s))
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetSubmission(deps ViewDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Runner.Get(chi.URLParam(r, "id"))
		if errors.Is(err, submission.ErrSubmissionNotFound) {
			httpError(w, http.StatusNotFound, errNotFound, "submission not found")
			return
		}
		writeJSON(w, http.StatusOK, viewOf(r.Context(), deps.Store, s))
	}
}

func handleCancelSubmission(deps ViewDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Runner.Cancel(id); errors.Is(err, submission.ErrSubmissionNotFound) {
			httpError(w, http.StatusNotFound, errNotFound, "submission not found")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "id": id})
	}
}
