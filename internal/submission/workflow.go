package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/kalambet/acctintel/internal/account"
	"github.com/kalambet/acctintel/internal/analysisapi"
	"github.com/kalambet/acctintel/internal/conversation"
	"github.com/kalambet/acctintel/internal/logging"
)

// AnalysisAPI is the part of the analysis service a submission talks to.
type AnalysisAPI interface {
	CreateAnalysis(ctx context.Context, req analysisapi.CreateRequest) (analysisapi.CreateResponse, error)
	GetProgress(ctx context.Context, id int64) (analysisapi.Progress, error)
	GetFullResult(ctx context.Context, id int64) (analysisapi.FullResult, error)
}

// ConversationStore is the part of conversation.Store a submission mutates.
type ConversationStore interface {
	Get(convID string) (conversation.Conversation, error)
	Target(ctx context.Context, id conversation.Identity) conversation.Conversation
	Adopt(ctx context.Context) int
	AppendMessage(ctx context.Context, convID string, m conversation.Message) (conversation.Message, error)
	UpdateMessage(ctx context.Context, convID, msgID, text string) error
}

// Options bound the time a submission may take.
type Options struct {
	PollInterval    time.Duration
	MaxPollAttempts int
	// MaxPollFailures is the number of consecutive failed status checks
	// after which the submission fails with StatusUnavailable.
	MaxPollFailures int
	// RequestTimeout applies to each HTTP call on its own.
	RequestTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		PollInterval:    1500 * time.Millisecond,
		MaxPollAttempts: 90,
		MaxPollFailures: 3,
		RequestTimeout:  analysisapi.DefaultRequestTimeout,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.MaxPollAttempts <= 0 {
		o.MaxPollAttempts = d.MaxPollAttempts
	}
	if o.MaxPollFailures <= 0 {
		o.MaxPollFailures = d.MaxPollFailures
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	return o
}

// Workflow drives submissions through
// validating, submitting, polling, fetching_result and then rendered or failed.
type Workflow struct {
	api     AnalysisAPI
	store   ConversationStore
	opts    Options
	logger  *slog.Logger
	tracker Tracker
	hook    func(Transition)
	sem     *semaphore.Weighted
	now     func() time.Time
	newID   func() string

	wg sync.WaitGroup
}

type Option func(*Workflow)

func WithLogger(l *slog.Logger) Option {
	return func(w *Workflow) { w.logger = l }
}

// WithTracker persists in-flight polls so Resume can pick them up later.
func WithTracker(t Tracker) Option {
	return func(w *Workflow) { w.tracker = t }
}

// WithTransitionHook is called after every state change. It runs on the
// submission's goroutine and must not block.
func WithTransitionHook(f func(Transition)) Option {
	return func(w *Workflow) { w.hook = f }
}

// WithMaxConcurrent caps how many submissions talk to the service at once.
// Submissions over the cap wait in StateSubmitting.
func WithMaxConcurrent(n int) Option {
	return func(w *Workflow) {
		if n > 0 {
			w.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

func NewWorkflow(api AnalysisAPI, store ConversationStore, opts Options, options ...Option) *Workflow {
	w := &Workflow{
		api:    api,
		store:  store,
		opts:   opts.withDefaults(),
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, o := range options {
		o(w)
	}
	return w
}

// Submit validates form, records it in the target conversation and starts
// the analysis in the background. Invalid input is returned as an *Error of
// kind MalformedInput and leaves the store untouched.
//
// The returned submission outlives ctx; use Cancel to stop it.
func (w *Workflow) Submit(ctx context.Context, form account.Form) (*Submission, error) {
	started := w.now()
	sub, fieldErrs := form.Validate()
	if len(fieldErrs) > 0 {
		return nil, &Error{Kind: MalformedInput, Message: fieldErrs.Error(), Fields: fieldErrs, Err: fieldErrs}
	}

	// The conversation is not known yet: the first two transitions carry no
	// conversation id.
	s := newSubmission(w.newID(), "", sub.CompanyName)
	w.transitionAt(ctx, s, StateValidating, started)
	w.transition(ctx, s, StateSubmitting, nil)

	conv := w.store.Target(ctx, identityOf(sub))
	s.ConversationID = conv.ID
	if _, err := w.store.AppendMessage(ctx, conv.ID, conversation.Message{
		Role: conversation.RoleUser,
		Text: UserText(sub),
	}); err != nil {
		return nil, fmt.Errorf("recording submission: %w", err)
	}
	if _, err := w.store.AppendMessage(ctx, conv.ID, conversation.Message{
		ID:   s.ID,
		Role: conversation.RoleAssistant,
		Text: SubmittedText,
	}); err != nil {
		return nil, fmt.Errorf("recording placeholder: %w", err)
	}

	runCtx := w.detach(ctx, s)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(runCtx, s, analysisapi.CreateRequest{
			CompanyName:  sub.CompanyName,
			WebsiteURL:   sub.URL,
			Industry:     sub.Industry,
			AnalysisType: sub.AnalysisType,
		})
	}()
	return s, nil
}

// Resume re-enters polling for an analysis that was created before a
// restart or by another process sharing the store. The conversation and its
// placeholder message must still exist.
func (w *Workflow) Resume(ctx context.Context, p PendingPoll) (*Submission, error) {
	if p.AnalysisID <= 0 {
		return nil, fmt.Errorf("resuming: invalid analysis id %d", p.AnalysisID)
	}
	w.store.Adopt(ctx)
	conv, err := w.store.Get(p.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("resuming analysis %d: %w", p.AnalysisID, err)
	}
	found := false
	for _, m := range conv.Messages {
		if m.ID == p.MessageID {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("resuming analysis %d: %s/%s: %w", p.AnalysisID, p.ConversationID, p.MessageID, conversation.ErrMessageNotFound)
	}

	company := p.Company
	if company == "" {
		company = conv.DisplayName
	}
	s := newSubmission(p.MessageID, conv.ID, company)
	s.setAnalysis(p.AnalysisID, p.JobID)

	runCtx := w.detach(ctx, s)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if !w.acquire(runCtx, s) {
			return
		}
		defer w.release()
		w.transition(runCtx, s, StatePolling, nil)
		w.pollAndRender(runCtx, s)
	}()
	return s, nil
}

// Wait blocks until every submission started by w has returned.
func (w *Workflow) Wait() { w.wg.Wait() }

func (w *Workflow) detach(ctx context.Context, s *Submission) context.Context {
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	s.cancel = cancel
	return logging.WithFields(runCtx, logging.Fields{
		ConversationID: s.ConversationID,
		SubmissionID:   s.ID,
		Component:      "submission",
	})
}

func identityOf(sub account.Submission) conversation.Identity {
	return conversation.Identity{
		DisplayName:   sub.Identity.CompanyName,
		Domain:        sub.Identity.Domain,
		AvatarInitial: sub.Identity.AvatarInitial,
		AvatarColor:   sub.Identity.AvatarColor,
		AnalysisType:  sub.AnalysisType,
		URL:           sub.URL,
		Industry:      sub.Industry,
	}
}

func (w *Workflow) acquire(ctx context.Context, s *Submission) bool {
	if w.sem == nil {
		return true
	}
	if err := w.sem.Acquire(ctx, 1); err != nil {
		w.stop(ctx, s)
		return false
	}
	return true
}

func (w *Workflow) release() {
	if w.sem != nil {
		w.sem.Release(1)
	}
}

func (w *Workflow) run(ctx context.Context, s *Submission, req analysisapi.CreateRequest) {
	if !w.acquire(ctx, s) {
		return
	}
	defer w.release()

	callCtx, cancel := context.WithTimeout(ctx, w.opts.RequestTimeout)
	created, err := w.api.CreateAnalysis(callCtx, req)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			w.stop(ctx, s)
			return
		}
		w.fail(ctx, s, remoteError(SubmissionFailed, err))
		return
	}
	if created.AnalysisID <= 0 {
		w.fail(ctx, s, &Error{Kind: SubmissionFailed, Message: "the analysis service returned no analysis id"})
		return
	}

	ctx = logging.WithFields(ctx, logging.Fields{AnalysisID: created.AnalysisID})
	var jobID string
	if w.tracker != nil {
		jobID, err = w.tracker.Track(ctx, PendingPoll{
			ConversationID: s.ConversationID,
			MessageID:      s.ID,
			AnalysisID:     created.AnalysisID,
			Company:        s.Company,
		})
		if err != nil {
			w.logger.WarnContext(ctx, "could not track analysis poll", "error", err)
		}
	}
	s.setAnalysis(created.AnalysisID, jobID)
	w.logger.InfoContext(ctx, "analysis created", "status", created.Status)

	w.transition(ctx, s, StatePolling, nil)
	w.pollAndRender(ctx, s)
}

func (w *Workflow) pollAndRender(ctx context.Context, s *Submission) {
	ctx = logging.WithFields(ctx, logging.Fields{AnalysisID: s.AnalysisID()})
	if !w.poll(ctx, s) {
		return
	}

	w.transition(ctx, s, StateFetchingResult, nil)
	callCtx, cancel := context.WithTimeout(ctx, w.opts.RequestTimeout)
	res, err := w.api.GetFullResult(callCtx, s.AnalysisID())
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			w.stop(ctx, s)
			return
		}
		w.fail(ctx, s, remoteError(ResultUnavailable, err))
		return
	}

	text := FormatResult(res)
	w.write(ctx, s, text)
	w.untrack(ctx, s)
	w.transition(ctx, s, StateRendered, nil)
	w.logger.InfoContext(ctx, "analysis rendered",
		"insights", len(res.Insights),
		"recommendations", len(res.Recommendations),
	)
	s.finish(Outcome{State: StateRendered, Text: text, Result: &res})
}

// poll returns true once the analysis completed. Any other ending has
// already been recorded on s.
func (w *Workflow) poll(ctx context.Context, s *Submission) bool {
	id := s.AnalysisID()
	lastPct := -1.0
	failures := 0

	for attempt := 1; attempt <= w.opts.MaxPollAttempts; attempt++ {
		if attempt > 1 && !w.sleep(ctx, w.opts.PollInterval) {
			w.stop(ctx, s)
			return false
		}

		callCtx, cancel := context.WithTimeout(ctx, w.opts.RequestTimeout)
		p, err := w.api.GetProgress(callCtx, id)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				w.stop(ctx, s)
				return false
			}
			failures++
			w.logger.WarnContext(ctx, "status check failed",
				"attempt", attempt,
				"consecutive_failures", failures,
				"error", err,
			)
			if !retryable(err) || failures >= w.opts.MaxPollFailures {
				w.fail(ctx, s, remoteError(StatusUnavailable, err))
				return false
			}
			continue
		}
		failures = 0

		if p.Failed() {
			w.fail(ctx, s, &Error{
				Kind:    AnalysisFailed,
				Message: fmt.Sprintf("analysis %d ended with status %q", id, p.Status),
			})
			return false
		}
		if p.ProgressPercentage != lastPct {
			lastPct = p.ProgressPercentage
			w.write(ctx, s, ProgressText(s.Company, p))
		}
		if p.Done() {
			return true
		}
	}

	w.fail(ctx, s, &Error{
		Kind: AnalysisTimedOut,
		Message: fmt.Sprintf("Analysis %d did not finish after %d status checks (%s). It may still complete on the service.",
			id, w.opts.MaxPollAttempts, time.Duration(w.opts.MaxPollAttempts-1)*w.opts.PollInterval),
	})
	return false
}

func (w *Workflow) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// stop ends a submission whose context was cancelled. A user cancel is
// rendered like any failure. An interrupt leaves the message alone and
// releases the tracked poll so that a later Resume can finish the job.
func (w *Workflow) stop(ctx context.Context, s *Submission) {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrInterrupted) && w.tracker != nil && s.trackedJob() != "" {
		w.handBack(ctx, s)
		w.logger.InfoContext(ctx, "submission interrupted, poll released for resume")
		s.finish(Outcome{Err: &Error{Kind: Cancelled, Message: "interrupted", Err: ErrInterrupted}})
		return
	}
	w.fail(ctx, s, &Error{Kind: Cancelled, Message: "cancelled", Err: cause})
}

func (w *Workflow) fail(ctx context.Context, s *Submission, e *Error) {
	text := FormatError(e)
	w.write(ctx, s, text)
	w.untrack(ctx, s)
	w.transition(ctx, s, StateFailed, e)
	w.logger.WarnContext(ctx, "submission failed", "kind", e.Kind, "error", e.Message, "http_status", e.HTTPStatus)
	s.finish(Outcome{State: StateFailed, Text: text, Err: e})
}

func (w *Workflow) write(ctx context.Context, s *Submission, text string) {
	if err := w.store.UpdateMessage(context.WithoutCancel(ctx), s.ConversationID, s.ID, text); err != nil {
		w.logger.ErrorContext(ctx, "could not update assistant message", "error", err)
	}
}

func (w *Workflow) untrack(ctx context.Context, s *Submission) {
	jobID := s.trackedJob()
	if w.tracker == nil || jobID == "" {
		return
	}
	if err := w.tracker.Finish(context.WithoutCancel(ctx), jobID); err != nil {
		w.logger.WarnContext(ctx, "could not finish tracked poll", "job_id", jobID, "error", err)
	}
}

func (w *Workflow) handBack(ctx context.Context, s *Submission) {
	jobID := s.trackedJob()
	if err := w.tracker.Release(context.WithoutCancel(ctx), jobID); err != nil {
		w.logger.WarnContext(ctx, "could not release tracked poll", "job_id", jobID, "error", err)
	}
}

func (w *Workflow) transition(ctx context.Context, s *Submission, to State, e *Error) {
	w.record(ctx, s, to, e, w.now())
}

// transitionAt records a state that was entered at a known earlier time.
func (w *Workflow) transitionAt(ctx context.Context, s *Submission, to State, at time.Time) {
	w.record(ctx, s, to, nil, at)
}

func (w *Workflow) record(ctx context.Context, s *Submission, to State, e *Error, at time.Time) {
	t, ok := s.moveTo(to, e, at)
	if !ok {
		return
	}
	w.logger.DebugContext(ctx, "submission state", "from", t.From, "to", t.To)
	if w.hook != nil {
		w.hook(t)
	}
}
