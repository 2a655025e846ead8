package submission

import "context"

// PendingPoll is what it takes to pick a poll loop up again after a restart.
type PendingPoll struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	AnalysisID     int64  `json:"analysis_id"`
	Company        string `json:"company"`

	// JobID is set when the poll was recovered from a tracker.
	JobID string `json:"-"`
}

// Tracker records polls that are in flight so they survive the process.
// A tracked poll is owned by the process that tracked it until Finish, or
// until Release hands it to whichever process resumes polls next.
type Tracker interface {
	Track(ctx context.Context, p PendingPoll) (jobID string, err error)
	Finish(ctx context.Context, jobID string) error
	Release(ctx context.Context, jobID string) error
}
