package submission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kalambet/acctintel/internal/analysisapi"
)

var (
	errCancelled = errors.New("submission cancelled")

	// ErrInterrupted is the cancellation cause used on shutdown. An
	// interrupted submission keeps its tracked poll so it can be resumed.
	ErrInterrupted = errors.New("submission interrupted")
)

// Outcome is how a submission ended.
type Outcome struct {
	State      State                   `json:"state"`
	Text       string                  `json:"text"`
	AnalysisID int64                   `json:"analysis_id,omitempty"`
	Err        *Error                  `json:"error,omitempty"`
	Result     *analysisapi.FullResult `json:"result,omitempty"`
}

// Submission is the handle of one in-flight analysis. Its ID is the id of
// the assistant message it writes to.
type Submission struct {
	ID             string
	ConversationID string
	Company        string

	cancel context.CancelCauseFunc
	done   chan struct{}

	mu         sync.Mutex
	state      State
	analysisID int64
	jobID      string
	history    []Transition
	outcome    Outcome
}

func newSubmission(id, convID, company string) *Submission {
	return &Submission{
		ID:             id,
		ConversationID: convID,
		Company:        company,
		done:           make(chan struct{}),
	}
}

func (s *Submission) AnalysisID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.analysisID
}

func (s *Submission) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns every transition so far, oldest first.
func (s *Submission) History() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transition(nil), s.history...)
}

// Done is closed once the submission reaches a terminal state or is
// interrupted.
func (s *Submission) Done() <-chan struct{} { return s.done }

// Wait blocks until the submission finishes. The error is non-nil only when
// ctx ends first; failures of the submission itself are in Outcome.Err.
func (s *Submission) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Cancel stops the submission at its next suspension point. It ends in
// StateFailed with kind Cancelled. Cancelling a finished submission does
// nothing.
func (s *Submission) Cancel() {
	if s.cancel != nil {
		s.cancel(errCancelled)
	}
}

func (s *Submission) interrupt() {
	if s.cancel != nil {
		s.cancel(ErrInterrupted)
	}
}

func (s *Submission) setAnalysis(id int64, jobID string) {
	s.mu.Lock()
	s.analysisID = id
	s.jobID = jobID
	s.mu.Unlock()
}

func (s *Submission) trackedJob() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobID
}

// moveTo records a transition entered at at and returns it. Moves out of a
// terminal state are ignored.
func (s *Submission) moveTo(to State, e *Error, at time.Time) (Transition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return Transition{}, false
	}
	t := Transition{
		SubmissionID:   s.ID,
		ConversationID: s.ConversationID,
		From:           s.state,
		To:             to,
		AnalysisID:     s.analysisID,
		Err:            e,
		At:             at,
	}
	s.state = to
	s.history = append(s.history, t)
	return t, true
}

func (s *Submission) finish(o Outcome) {
	s.mu.Lock()
	o.AnalysisID = s.analysisID
	if o.State == "" {
		o.State = s.state
	}
	s.outcome = o
	s.mu.Unlock()
	close(s.done)
}
