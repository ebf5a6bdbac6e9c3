package jobs

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/moodring/moodring/jetstream"
)

var (
	ErrInvalidJob   = errors.New("jobs: invalid job")
	ErrDuplicateJob = errors.New("jobs: duplicate job id")
	ErrUnknownJob   = errors.New("jobs: unknown job id")
	ErrCancelled    = errors.New("jobs: cancelled")
)

// Registry holds the set of active jobs. It is the single mutation domain
// for job records; routing reads consistent snapshots.
type Registry struct {
	log       *slog.Logger
	queueSize int

	// drainTimeout bounds how long a terminating job waits inline for its
	// delivery worker before handing the wait off to a goroutine.
	drainTimeout time.Duration

	mu   sync.Mutex
	jobs map[string]*Job
}

func NewRegistry(queueSize int, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Registry{
		log:          log,
		queueSize:    queueSize,
		drainTimeout: 5 * time.Second,
		jobs:         make(map[string]*Job),
	}
}

// Register validates and stores a job in the active state and starts its
// delivery worker. Keywords and regex are derived from the prompt when
// not supplied.
func (r *Registry) Register(j *Job) error {
	if j == nil || j.ID == "" || j.Prompt == "" {
		return fmt.Errorf("%w: job id and prompt are required", ErrInvalidJob)
	}

	if j.Regex == nil {
		j.Keywords = ExtractKeywords(j.Prompt)
		j.Regex = BuildMatchRegex(j.Keywords)
		if len(j.Keywords) == 0 {
			r.log.Warn("prompt yielded no keywords, job will match nothing",
				"job", j.ID, "prompt", j.Prompt)
		}
	}

	j.queue = make(chan *jetstream.PostEvent, r.queueSize)
	j.done = make(chan struct{})
	j.workerDone = make(chan struct{})
	j.state.Store(int32(StateActive))

	r.mu.Lock()
	if _, exists := r.jobs[j.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateJob, j.ID)
	}
	r.jobs[j.ID] = j
	r.mu.Unlock()

	go j.runWorker(r.log)

	r.log.Info("job registered", "job", j.ID, "keywords", j.Keywords,
		"deadline", j.Deadline, "correlation", j.CorrelationID)
	return nil
}

// Complete moves a job through completing to completed, fires its terminal
// callback exactly once, and removes it.
func (r *Registry) Complete(id string) (int64, error) {
	return r.terminate(id, StateCompleted, nil)
}

// Cancel is idempotent: cancelling an unknown job is a no-op.
func (r *Registry) Cancel(id string) error {
	_, err := r.terminate(id, StateCancelled, ErrCancelled)
	if errors.Is(err, ErrUnknownJob) {
		return nil
	}
	return err
}

// Fail terminates a job with a failure cause, e.g. reconnect exhaustion.
func (r *Registry) Fail(id string, cause error) error {
	_, err := r.terminate(id, StateCancelled, cause)
	return err
}

func (r *Registry) terminate(id string, terminal State, cause error) (int64, error) {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	delete(r.jobs, id)
	r.mu.Unlock()

	j.state.Store(int32(StateCompleting))
	close(j.done)

	matched := j.matched.Load()
	finish := func() {
		j.state.Store(int32(terminal))
		j.terminalOnce.Do(func() {
			if j.OnComplete != nil {
				j.OnComplete(matched, cause)
			}
		})
	}

	// The terminal callback only ever fires after the delivery worker has
	// exited, so no OnData call is in flight once OnComplete returns. A
	// worker wedged inside a callback past the drain bound defers the
	// terminal callback to a goroutine instead of blocking the caller.
	select {
	case <-j.workerDone:
		finish()
	case <-time.After(r.drainTimeout):
		r.log.Warn("job delivery worker did not exit promptly, deferring terminal callback",
			"job", id)
		go func() {
			<-j.workerDone
			finish()
		}()
	}

	r.log.Info("job terminated", "job", id, "state", terminal.String(),
		"matched", matched, "dropped", j.dropped.Load())
	return matched, nil
}

// Get returns the job for id if it is still registered.
func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	return j, ok
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Active returns a snapshot of the registered jobs.
func (r *Registry) Active() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	return out
}
