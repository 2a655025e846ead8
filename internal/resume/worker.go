// Package resume keeps analysis polls alive across restarts. In-flight polls
// are recorded as jobs in the sqlite queue and handed back to the submission
// workflow when the process starts again.
package resume

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/acctintel/internal/logging"
	"github.com/kalambet/acctintel/internal/storage"
	"github.com/kalambet/acctintel/internal/submission"
)

// JobType is the queue type of a tracked poll.
const JobType = "analysis_poll"

// JobStore is the part of the sqlite queue that tracking and resuming use.
type JobStore interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	ReleaseJob(ctx context.Context, id string) error
	RequeueRunning(ctx context.Context, types []string) (int64, error)
}

// Resumer restarts polling for a recovered job.
type Resumer interface {
	Resume(ctx context.Context, p submission.PendingPoll) (*submission.Submission, error)
}

const defaultInterval = 500 * time.Millisecond

// Worker hands analysis_poll jobs back to the workflow.
type Worker struct {
	store    JobStore
	resumer  Resumer
	interval time.Duration
	logger   *slog.Logger
}

// NewWorker returns a Worker that checks the queue every interval, or every
// 500ms when interval is not positive.
func NewWorker(store JobStore, resumer Resumer, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Worker{
		store:    store,
		resumer:  resumer,
		interval: interval,
		logger:   slog.Default().With("component", "resume"),
	}
}

// Recover makes polls that were running when the process last stopped
// claimable again. Call it once before Run.
func (w *Worker) Recover(ctx context.Context) (int64, error) {
	n, err := w.store.RequeueRunning(ctx, []string{JobType})
	if err != nil {
		return 0, fmt.Errorf("requeueing polls: %w", err)
	}
	if n > 0 {
		w.logger.InfoContext(ctx, "requeued interrupted analysis polls", "count", n)
	}
	return n, nil
}

// Run resumes due polls on every tick until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	tick := time.NewTicker(w.interval)
	defer tick.Stop()
	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

// drain resumes jobs until the queue has nothing due.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		claimed, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.ErrorContext(ctx, "checking poll queue", "error", err)
			return
		}
		if !claimed {
			return
		}
	}
}

// RunOnce claims one analysis_poll job and resumes it, reporting whether a
// job was claimed. A job that cannot be resumed is failed. A resumed job
// stays running until the workflow finishes it.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.resume(ctx, job); err != nil {
		w.logger.WarnContext(ctx, "cannot resume analysis poll", "job_id", job.ID, "error", err)
		if ferr := w.store.FailJob(ctx, job.ID, err.Error()); ferr != nil {
			w.logger.ErrorContext(ctx, "recording resume failure", "job_id", job.ID, "error", ferr)
		}
	}
	return true, nil
}

func (w *Worker) resume(ctx context.Context, job *storage.Job) error {
	var p submission.PendingPoll
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("decoding poll payload: %w", err)
	}
	p.JobID = job.ID

	s, err := w.resumer.Resume(ctx, p)
	if err != nil {
		return err
	}
	ctx = logging.WithFields(ctx, logging.Fields{ConversationID: s.ConversationID, AnalysisID: p.AnalysisID})
	w.logger.InfoContext(ctx, "resumed analysis poll", "job_id", job.ID)
	return nil
}
