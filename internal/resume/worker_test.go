package resume

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/acctintel/internal/account"
	"github.com/kalambet/acctintel/internal/analysisapi"
	"github.com/kalambet/acctintel/internal/conversation"
	"github.com/kalambet/acctintel/internal/storage"
	"github.com/kalambet/acctintel/internal/submission"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func countJobs(t *testing.T, store *storage.Store, status string) int {
	t.Helper()
	n, err := store.CountJobs(context.Background(), status)
	if err != nil {
		t.Fatalf("CountJobs(%s): %v", status, err)
	}
	return n
}

type mockResumer struct {
	mu       sync.Mutex
	resumed  []submission.PendingPoll
	resumeFn func(p submission.PendingPoll) error
}

func (m *mockResumer) Resume(_ context.Context, p submission.PendingPoll) (*submission.Submission, error) {
	m.mu.Lock()
	m.resumed = append(m.resumed, p)
	m.mu.Unlock()
	if m.resumeFn != nil {
		if err := m.resumeFn(p); err != nil {
			return nil, err
		}
	}
	return &submission.Submission{ID: p.MessageID, ConversationID: p.ConversationID}, nil
}

func TestTracker_TrackedPollIsNotClaimable(t *testing.T) {
	store := openTestStore(t)
	tr := NewTracker(store)
	ctx := context.Background()

	id, err := tr.Track(ctx, submission.PendingPoll{ConversationID: "c1", MessageID: "m1", AnalysisID: 42})
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if id == "" {
		t.Fatal("Track returned empty job id")
	}
	if got := countJobs(t, store, storage.JobRunning); got != 1 {
		t.Errorf("running jobs = %d, want 1", got)
	}

	w := NewWorker(store, &mockResumer{}, 0)
	didWork, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if didWork {
		t.Error("RunOnce claimed a poll that is still owned by its submission")
	}

	if err := tr.Finish(ctx, id); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if got := countJobs(t, store, storage.JobCompleted); got != 1 {
		t.Errorf("completed jobs = %d, want 1", got)
	}
	if err := tr.Finish(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Finish(missing) = %v, want ErrNotFound", err)
	}
}

func TestWorker_ResumesRecoveredPoll(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	want := submission.PendingPoll{ConversationID: "c1", MessageID: "m1", AnalysisID: 42, Company: "Acme"}
	id, err := NewTracker(store).Track(ctx, want)
	if err != nil {
		t.Fatalf("Track: %v", err)
	}

	resumer := &mockResumer{}
	w := NewWorker(store, resumer, 0)
	n, err := w.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("Recover requeued %d jobs, want 1", n)
	}

	didWork, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	resumer.mu.Lock()
	defer resumer.mu.Unlock()
	if len(resumer.resumed) != 1 {
		t.Fatalf("resumed %d polls, want 1", len(resumer.resumed))
	}
	want.JobID = id
	if resumer.resumed[0] != want {
		t.Errorf("resumed %+v, want %+v", resumer.resumed[0], want)
	}
	// The job belongs to the resumed submission until it finishes.
	if got := countJobs(t, store, storage.JobRunning); got != 1 {
		t.Errorf("running jobs = %d, want 1", got)
	}
}

func TestWorker_FailsUnresumableJob(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.EnqueueJob(ctx, storage.Job{ID: "bad", Type: JobType, PayloadJSON: "{", MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	payload, _ := json.Marshal(submission.PendingPoll{ConversationID: "gone", MessageID: "m", AnalysisID: 1})
	if err := store.EnqueueJob(ctx, storage.Job{ID: "gone", Type: JobType, PayloadJSON: string(payload), MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	var calls atomic.Int32
	w := NewWorker(store, &mockResumer{resumeFn: func(submission.PendingPoll) error {
		calls.Add(1)
		return conversation.ErrConversationNotFound
	}}, 0)

	for i := 0; i < 2; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("Resume called %d times, want 1 (bad payload never reaches it)", calls.Load())
	}
	if got := countJobs(t, store, storage.JobFailed); got != 2 {
		t.Errorf("failed jobs = %d, want 2", got)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockResumer{}, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// progressAPI reports 50% until finish is closed, then 100%.
type progressAPI struct {
	finish chan struct{}
	polls  atomic.Int32
}

func (a *progressAPI) CreateAnalysis(context.Context, analysisapi.CreateRequest) (analysisapi.CreateResponse, error) {
	return analysisapi.CreateResponse{AnalysisID: 42, Status: analysisapi.StatusProcessing}, nil
}

func (a *progressAPI) GetProgress(_ context.Context, id int64) (analysisapi.Progress, error) {
	a.polls.Add(1)
	select {
	case <-a.finish:
		return analysisapi.Progress{AnalysisID: id, Status: analysisapi.StatusCompleted, ProgressPercentage: 100}, nil
	default:
		return analysisapi.Progress{AnalysisID: id, Status: analysisapi.StatusProcessing, ProgressPercentage: 50}, nil
	}
}

func (a *progressAPI) GetFullResult(_ context.Context, id int64) (analysisapi.FullResult, error) {
	return analysisapi.FullResult{
		AnalysisID:  id,
		CompanyName: "Acme",
		Status:      analysisapi.StatusCompleted,
		Insights:    []analysisapi.Insight{{Title: "Cloud migration underway"}},
	}, nil
}

func TestResume_SurvivesRestart(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()
	api := &progressAPI{finish: make(chan struct{})}
	opts := submission.Options{PollInterval: time.Hour, MaxPollAttempts: 5, MaxPollFailures: 2, RequestTimeout: time.Second}

	// First process: submit, then shut down mid-poll.
	convs := conversation.New(db)
	convs.Load(ctx)
	runner := submission.NewRunner(submission.NewWorkflow(api, convs, opts, submission.WithTracker(NewTracker(db))))
	s, err := runner.Submit(ctx, account.Form{URL: "acme.io", Industry: "Technology"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for api.polls.Load() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("submission never polled")
		}
		time.Sleep(time.Millisecond)
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := runner.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// Second process: reload the conversations and resume the poll.
	close(api.finish)
	convs2 := conversation.New(db)
	convs2.Load(ctx)
	opts.PollInterval = time.Millisecond
	runner2 := submission.NewRunner(submission.NewWorkflow(api, convs2, opts, submission.WithTracker(NewTracker(db))))
	w := NewWorker(db, runner2, 0)
	if _, err := w.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce = %v, %v; want true, nil", didWork, err)
	}

	resumed, err := runner2.Get(s.ID)
	if err != nil {
		t.Fatalf("Get(%s): %v", s.ID, err)
	}
	waitCtx, cancelWait := context.WithTimeout(ctx, 5*time.Second)
	defer cancelWait()
	out, err := resumed.Wait(waitCtx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if out.State != submission.StateRendered {
		t.Fatalf("state = %s, want rendered (err %v)", out.State, out.Err)
	}

	conv, err := convs2.Get(s.ConversationID)
	if err != nil {
		t.Fatalf("Get conversation: %v", err)
	}
	if len(conv.Messages) != 2 || conv.Messages[1].Text != out.Text {
		t.Errorf("assistant message not rendered: %+v", conv.Messages)
	}
	if got := countJobs(t, db, storage.JobCompleted); got != 1 {
		t.Errorf("completed jobs = %d, want 1", got)
	}
	if got := countJobs(t, db, storage.JobRunning); got != 0 {
		t.Errorf("running jobs = %d, want 0", got)
	}
}

func TestTracker_Release(t *testing.T) {
	store := openTestStore(t)
	tr := NewTracker(store)
	ctx := context.Background()

	id, err := tr.Track(ctx, submission.PendingPoll{ConversationID: "c1", MessageID: "m1", AnalysisID: 42})
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if err := tr.Release(ctx, id); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := countJobs(t, store, storage.JobPending); got != 1 {
		t.Errorf("pending jobs = %d, want 1", got)
	}

	resumer := &mockResumer{}
	didWork, err := NewWorker(store, resumer, 0).RunOnce(ctx)
	if err != nil || !didWork {
		t.Fatalf("RunOnce = %v, %v; want a released poll to be claimed without Recover", didWork, err)
	}
	if err := tr.Release(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Release(missing) = %v, want ErrNotFound", err)
	}
}

func openDirStore(t *testing.T, dir string) *storage.Store {
	t.Helper()
	s, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("Open(%s): %v", dir, err)
	}
	return s
}

func TestWorker_PicksUpPollDetachedByAnotherProcess(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	api := &progressAPI{finish: make(chan struct{})}
	opts := submission.Options{PollInterval: time.Hour, MaxPollAttempts: 5, MaxPollFailures: 2, RequestTimeout: time.Second}

	// The server starts first, on its own handle, with nothing stored yet.
	serveDB := openDirStore(t, dir)
	t.Cleanup(func() { serveDB.Close() })
	serveConvs := conversation.New(serveDB)
	serveConvs.Load(ctx)
	serveOpts := opts
	serveOpts.PollInterval = time.Millisecond
	serveRunner := submission.NewRunner(submission.NewWorkflow(api, serveConvs, serveOpts, submission.WithTracker(NewTracker(serveDB))))
	worker := NewWorker(serveDB, serveRunner, 0)
	if _, err := worker.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	// A command on a second handle submits, waits for the job to be accepted
	// and exits.
	cliDB := openDirStore(t, dir)
	cliConvs := conversation.New(cliDB)
	cliConvs.Load(ctx)
	cliRunner := submission.NewRunner(submission.NewWorkflow(api, cliConvs, opts, submission.WithTracker(NewTracker(cliDB))))
	s, err := cliRunner.Submit(ctx, account.Form{URL: "acme.io", Industry: "Technology"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for api.polls.Load() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("submission never polled")
		}
		time.Sleep(time.Millisecond)
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cliRunner.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := cliDB.Close(); err != nil {
		t.Fatalf("closing the command's handle: %v", err)
	}

	if got := countJobs(t, serveDB, storage.JobPending); got != 1 {
		t.Fatalf("pending polls = %d, want the detached poll released", got)
	}

	// The running server claims the poll without a restart.
	close(api.finish)
	if didWork, err := worker.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce = %v, %v; want true, nil", didWork, err)
	}
	resumed, err := serveRunner.Get(s.ID)
	if err != nil {
		t.Fatalf("Get(%s): %v", s.ID, err)
	}
	waitCtx, cancelWait := context.WithTimeout(ctx, 5*time.Second)
	defer cancelWait()
	out, err := resumed.Wait(waitCtx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if out.State != submission.StateRendered {
		t.Fatalf("state = %s, want rendered (err %v)", out.State, out.Err)
	}

	// The server's writes kept the conversation the command created.
	convs := conversation.New(serveDB).Load(ctx)
	if len(convs) != 1 || convs[0].ID != s.ConversationID {
		t.Fatalf("persisted conversations = %+v, want the command's conversation", convs)
	}
	if len(convs[0].Messages) != 2 || convs[0].Messages[1].Text != out.Text {
		t.Errorf("assistant message not rendered: %+v", convs[0].Messages)
	}
	if got := countJobs(t, serveDB, storage.JobCompleted); got != 1 {
		t.Errorf("completed polls = %d, want 1", got)
	}
}
