package jobs

import (
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moodring/moodring/jetstream"
)

// State of a job in the registry.
type State int32

const (
	StateActive State = iota
	StateCompleting
	StateCompleted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCompleting:
		return "completing"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Job is one registration: a keyword filter over the post stream with
// callbacks for matches and terminal transitions. The regex is compiled
// once at registration and never mutated.
type Job struct {
	ID            string
	Prompt        string
	Keywords      []string
	Regex         *regexp.Regexp
	Deadline      time.Time
	CorrelationID string

	// OnData receives each matching post. Delivery is best-effort from a
	// per-job worker so a slow callback cannot stall the ingest loop.
	OnData func(*jetstream.PostEvent)

	// OnComplete fires at most once, at the terminal transition. err is
	// nil on normal completion, ErrCancelled on cancellation, and the
	// failure cause when the manager fails the job.
	OnComplete func(matched int64, err error)

	state   atomic.Int32
	matched atomic.Int64
	dropped atomic.Int64

	queue      chan *jetstream.PostEvent
	done       chan struct{}
	workerDone chan struct{}

	terminalOnce sync.Once
}

func (j *Job) State() State {
	return State(j.state.Load())
}

// MatchedCount is monotonic.
func (j *Job) MatchedCount() int64 {
	return j.matched.Load()
}

// Dropped reports posts discarded because the job's delivery queue was
// full.
func (j *Job) Dropped() int64 {
	return j.dropped.Load()
}

// enqueue hands a matching post to the job's delivery worker without
// blocking. Returns false if the job is no longer active or the queue is
// full.
func (j *Job) enqueue(ev *jetstream.PostEvent) bool {
	if j.State() != StateActive {
		return false
	}
	select {
	case j.queue <- ev:
		return true
	default:
		j.dropped.Add(1)
		return false
	}
}

// runWorker delivers queued posts until the job terminates. The worker
// exits before the terminal callback runs, so no post delivery happens
// after OnComplete returns.
func (j *Job) runWorker(log *slog.Logger) {
	defer close(j.workerDone)
	for {
		select {
		case <-j.done:
			return
		default:
		}
		select {
		case <-j.done:
			return
		case ev := <-j.queue:
			j.deliver(log, ev)
		}
	}
}

func (j *Job) deliver(log *slog.Logger, ev *jetstream.PostEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("job data callback panicked", "job", j.ID, "panic", rec)
		}
	}()
	if j.OnData != nil {
		j.OnData(ev)
	}
}
