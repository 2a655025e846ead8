package resume

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/kalambet/acctintel/internal/storage"
	"github.com/kalambet/acctintel/internal/submission"
)

// Tracker records in-flight polls as analysis_poll jobs. A tracked poll is
// enqueued as running, so a Worker only sees it after Release or Recover.
type Tracker struct {
	store JobStore
}

func NewTracker(store JobStore) *Tracker {
	return &Tracker{store: store}
}

func (t *Tracker) Track(ctx context.Context, p submission.PendingPoll) (string, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding poll: %w", err)
	}
	id := uuid.NewString()
	if err := t.store.EnqueueJob(ctx, storage.Job{
		ID:          id,
		Type:        JobType,
		PayloadJSON: string(payload),
		Status:      storage.JobRunning,
	}); err != nil {
		return "", fmt.Errorf("enqueueing poll for analysis %d: %w", p.AnalysisID, err)
	}
	return id, nil
}

func (t *Tracker) Finish(ctx context.Context, jobID string) error {
	if err := t.store.CompleteJob(ctx, jobID); err != nil {
		return fmt.Errorf("completing poll job %s: %w", jobID, err)
	}
	return nil
}

func (t *Tracker) Release(ctx context.Context, jobID string) error {
	if err := t.store.ReleaseJob(ctx, jobID); err != nil {
		return fmt.Errorf("releasing poll job %s: %w", jobID, err)
	}
	return nil
}
