// Package submission runs an analysis request from validated form input to
// the rendered result, keeping the conversation store up to date on the way.
package submission

import "time"

type State string

const (
	StateValidating     State = "validating"
	StateSubmitting     State = "submitting"
	StatePolling        State = "polling"
	StateFetchingResult State = "fetching_result"
	StateRendered       State = "rendered"
	StateFailed         State = "failed"
)

func (s State) Terminal() bool {
	return s == StateRendered || s == StateFailed
}

// Transition records one state change of one submission.
// ConversationID is empty on the transitions recorded before the target
// conversation is resolved.
type Transition struct {
	SubmissionID   string    `json:"submission_id"`
	ConversationID string    `json:"conversation_id"`
	From           State     `json:"from,omitempty"`
	To             State     `json:"to"`
	AnalysisID     int64     `json:"analysis_id,omitempty"`
	Err            *Error    `json:"error,omitempty"`
	At             time.Time `json:"at"`
}
