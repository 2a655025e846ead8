package submission

import (
	"context"
	"errors"
	"sync"

	"github.com/kalambet/acctintel/internal/account"
)

var ErrSubmissionNotFound = errors.New("submission not found")

// DefaultKeepFinished is how many finished submissions a Runner remembers.
const DefaultKeepFinished = 100

// Runner keeps the handles of the submissions started through it so that
// other surfaces can look them up or cancel them by id. In-flight
// submissions are always kept; of the finished ones only the most recent
// are.
type Runner struct {
	wf           *Workflow
	keepFinished int

	mu   sync.Mutex
	subs map[string]*Submission
	seq  []string
}

type RunnerOption func(*Runner)

// WithKeepFinished bounds how many finished submissions stay visible.
func WithKeepFinished(n int) RunnerOption {
	return func(r *Runner) {
		if n >= 0 {
			r.keepFinished = n
		}
	}
}

func NewRunner(wf *Workflow, opts ...RunnerOption) *Runner {
	r := &Runner{wf: wf, keepFinished: DefaultKeepFinished, subs: make(map[string]*Submission)}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Runner) Submit(ctx context.Context, form account.Form) (*Submission, error) {
	s, err := r.wf.Submit(ctx, form)
	if err != nil {
		return nil, err
	}
	r.add(s)
	return s, nil
}

func (r *Runner) Resume(ctx context.Context, p PendingPoll) (*Submission, error) {
	s, err := r.wf.Resume(ctx, p)
	if err != nil {
		return nil, err
	}
	r.add(s)
	return s, nil
}

func (r *Runner) add(s *Submission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[s.ID]; !ok {
		r.seq = append(r.seq, s.ID)
	}
	r.subs[s.ID] = s
	r.evictLocked()
}

// evictLocked forgets the oldest finished submissions beyond keepFinished.
func (r *Runner) evictLocked() {
	finished := 0
	for _, id := range r.seq {
		if isDone(r.subs[id]) {
			finished++
		}
	}
	drop := finished - r.keepFinished
	if drop <= 0 {
		return
	}
	kept := r.seq[:0]
	for _, id := range r.seq {
		if drop > 0 && isDone(r.subs[id]) {
			delete(r.subs, id)
			drop--
			continue
		}
		kept = append(kept, id)
	}
	clear(r.seq[len(kept):])
	r.seq = kept
}

func isDone(s *Submission) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

func (r *Runner) Get(id string) (*Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	return s, nil
}

func (r *Runner) Cancel(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.Cancel()
	return nil
}

// InFlight returns the submissions that have not finished, oldest first.
func (r *Runner) InFlight() []*Submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Submission
	for _, id := range r.seq {
		if s := r.subs[id]; !isDone(s) {
			out = append(out, s)
		}
	}
	return out
}

// Submissions returns every remembered submission, oldest first.
func (r *Runner) Submissions() []*Submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Submission, 0, len(r.seq))
	for _, id := range r.seq {
		out = append(out, r.subs[id])
	}
	return out
}

// Shutdown interrupts every in-flight submission and waits for their
// goroutines to return. Tracked polls are left for a later Resume.
func (r *Runner) Shutdown(ctx context.Context) error {
	for _, s := range r.InFlight() {
		s.interrupt()
	}
	done := make(chan struct{})
	go func() {
		r.wf.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
