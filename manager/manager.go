// Package manager owns the jetstream lifecycle: the connection exists
// exactly when work needs it. Jobs register through the manager, which
// starts listening for the first job, routes matches out through the
// broker, and disconnects when the last job terminates.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/moodring/moodring/broker"
	"github.com/moodring/moodring/cursor"
	"github.com/moodring/moodring/jetstream"
	"github.com/moodring/moodring/jobs"
	"github.com/moodring/moodring/jobstore"
	"github.com/moodring/moodring/resolver"
)

var activeJobsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "manager_active_jobs",
	Help: "Jobs currently registered and streaming",
})

var jobsRegisteredCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "manager_jobs_registered_total",
	Help: "Successful job registrations",
})

var jobsFailedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "manager_jobs_failed_total",
	Help: "Jobs terminated with a failure cause",
})

// PostSource is the firehose surface the manager drives. Satisfied by
// jetstream.Client.
type PostSource interface {
	Connect(ctx context.Context, cursor *int64) error
	Disconnect() error
	Posts() *jetstream.Subscription
	Status() jetstream.Status
	Metrics() jetstream.Metrics
	MaxReconnectExhausted() bool
	ResetReconnectState()
}

type Config struct {
	// MaxJobDuration is the deadline applied when a registration carries
	// none.
	MaxJobDuration time.Duration

	// GraceWindow keeps the connection open after the last job
	// terminates, so back-to-back jobs skip the reconnect cost. Zero
	// disconnects immediately.
	GraceWindow time.Duration

	// DataUpdateInterval is how often matched counts are pushed to the
	// store and the gateway while a job streams.
	DataUpdateInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxJobDuration:     5 * time.Minute,
		GraceWindow:        0,
		DataUpdateInterval: 10 * time.Second,
	}
}

// JobRequest is one ingestion request, from the API or a job.start
// envelope.
type JobRequest struct {
	JobID         string
	Prompt        string
	Duration      time.Duration
	CorrelationID string
}

type Manager struct {
	cfg Config
	log *slog.Logger

	source   PostSource
	registry *jobs.Registry
	router   *jobs.Router
	emit     broker.Emitter
	resolver *resolver.Resolver
	store    jobstore.Store
	flusher  *cursor.Flusher
	sched    *scheduler

	mu         sync.Mutex
	baseCtx    context.Context
	listening  bool
	sub        *jetstream.Subscription
	graceTimer *time.Timer
	reported   map[string]int64

	stopOnce sync.Once
	stop     chan struct{}
}

func NewManager(cfg Config, source PostSource, reg *jobs.Registry, rt *jobs.Router,
	emit broker.Emitter, res *resolver.Resolver, store jobstore.Store,
	flusher *cursor.Flusher, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxJobDuration <= 0 {
		cfg.MaxJobDuration = DefaultConfig().MaxJobDuration
	}
	if cfg.DataUpdateInterval <= 0 {
		cfg.DataUpdateInterval = DefaultConfig().DataUpdateInterval
	}
	if store == nil {
		store = jobstore.NopStore{}
	}
	if emit == nil {
		emit = broker.NewLogEmitter(log)
	}
	return &Manager{
		cfg:      cfg,
		log:      log,
		source:   source,
		registry: reg,
		router:   rt,
		emit:     emit,
		resolver: res,
		store:    store,
		flusher:  flusher,
		sched:    newScheduler(),
		reported: make(map[string]int64),
		baseCtx:  context.Background(),
		stop:     make(chan struct{}),
	}
}

// Start launches the background watchers. It does not connect; the
// connection comes up with the first job.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	go m.watchExhaustion(ctx)
	go m.pushDataUpdates(ctx)
}

// RegisterJob validates and activates a job, bringing the firehose
// connection up if this is the first one. On success the initial-batch
// envelope goes out immediately: there is no backfill phase, streaming
// is the whole job.
func (m *Manager) RegisterJob(ctx context.Context, req JobRequest) error {
	if req.JobID == "" || req.Prompt == "" {
		return fmt.Errorf("%w: job id and prompt are required", jobs.ErrInvalidJob)
	}

	duration := req.Duration
	if duration <= 0 {
		duration = m.cfg.MaxJobDuration
	}

	if err := m.store.CreateJob(ctx, &jobstore.JobRecord{
		JobID:         req.JobID,
		Prompt:        req.Prompt,
		CorrelationID: req.CorrelationID,
	}); err != nil {
		m.log.Warn("failed to persist job record", "job", req.JobID, "error", err)
	}

	jobID := req.JobID
	j := &jobs.Job{
		ID:            jobID,
		Prompt:        req.Prompt,
		Deadline:      time.Now().Add(duration),
		CorrelationID: req.CorrelationID,
		OnData: func(ev *jetstream.PostEvent) {
			m.emitRawData(jobID, ev)
		},
		OnComplete: func(matched int64, cause error) {
			m.onJobTerminal(jobID, matched, cause)
		},
	}

	if err := m.registry.Register(j); err != nil {
		m.failRegistration(ctx, req, err)
		return err
	}

	if err := m.ensureListening(ctx); err != nil {
		_ = m.registry.Fail(jobID, err)
		return err
	}

	m.sched.Schedule(jobID, duration, func() {
		m.log.Info("job deadline reached", "job", jobID)
		if err := m.CompleteJob(jobID); err != nil && !errors.Is(err, jobs.ErrUnknownJob) {
			m.log.Warn("deadline completion failed", "job", jobID, "error", err)
		}
	})

	activeJobsGauge.Inc()
	jobsRegisteredCounter.Inc()

	m.emit.Emit(ctx, broker.PatternJobInitialBatchComplete, broker.InitialBatchCompletePayload{
		JobID:             jobID,
		InitialBatchCount: 0,
		CompletedAt:       time.Now().UTC(),
		StreamingActive:   true,
	})

	m.log.Info("job ingestion started", "job", jobID, "duration", duration,
		"correlation", req.CorrelationID)
	return nil
}

// CompleteJob terminates a job normally. The terminal envelopes and store
// updates happen in the job's OnComplete callback.
func (m *Manager) CompleteJob(id string) error {
	_, err := m.registry.Complete(id)
	return err
}

// CancelJob is idempotent; cancelling an unknown job succeeds.
func (m *Manager) CancelJob(id string) error {
	return m.registry.Cancel(id)
}

func (m *Manager) IsJobRegistered(id string) bool {
	_, ok := m.registry.Get(id)
	return ok
}

func (m *Manager) IsCurrentlyListening() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listening
}

// Reconnect clears the exhaustion state and re-establishes the
// connection if jobs are still registered.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.source.ResetReconnectState()
	if m.registry.Count() == 0 {
		return nil
	}
	return m.ensureListening(ctx)
}

type Status struct {
	Listening  bool             `json:"listening"`
	Source     jetstream.Status `json:"source"`
	ActiveJobs int              `json:"activeJobs"`
	Exhausted  bool             `json:"reconnectsExhausted"`
}

func (m *Manager) GetStatus() Status {
	return Status{
		Listening:  m.IsCurrentlyListening(),
		Source:     m.source.Status(),
		ActiveJobs: m.registry.Count(),
		Exhausted:  m.source.MaxReconnectExhausted(),
	}
}

type JobSummary struct {
	ID            string    `json:"id"`
	Prompt        string    `json:"prompt"`
	Keywords      []string  `json:"keywords"`
	State         string    `json:"state"`
	Matched       int64     `json:"matched"`
	Dropped       int64     `json:"dropped"`
	Deadline      time.Time `json:"deadline"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

type Stats struct {
	Status   Status            `json:"status"`
	Firehose jetstream.Metrics `json:"firehose"`
	Resolver resolver.Metrics  `json:"resolver"`
	Jobs     []JobSummary      `json:"jobs"`
}

func (m *Manager) GetStats() Stats {
	active := m.registry.Active()
	summaries := make([]JobSummary, 0, len(active))
	for _, j := range active {
		summaries = append(summaries, JobSummary{
			ID:            j.ID,
			Prompt:        j.Prompt,
			Keywords:      j.Keywords,
			State:         j.State().String(),
			Matched:       j.MatchedCount(),
			Dropped:       j.Dropped(),
			Deadline:      j.Deadline,
			CorrelationID: j.CorrelationID,
		})
	}

	var resMetrics resolver.Metrics
	if m.resolver != nil {
		resMetrics = m.resolver.Metrics()
	}

	return Stats{
		Status:   m.GetStatus(),
		Firehose: m.source.Metrics(),
		Resolver: resMetrics,
		Jobs:     summaries,
	}
}

// Shutdown tears everything down: timers, the connection, and a final
// cursor flush.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stop) })
	m.sched.Stop()
	m.stopListening()
	if m.flusher != nil {
		m.flusher.Flush(ctx)
	}
	if m.resolver != nil {
		m.resolver.Stop()
	}
}

// BrokerHandler dispatches inbound envelopes from the ingestion queue.
// Malformed payloads and unknown patterns classify as validation
// failures and are dropped without redelivery.
func (m *Manager) BrokerHandler() broker.Handler {
	return func(ctx context.Context, p broker.Pattern, data []byte) error {
		switch p {
		case broker.PatternJobStart:
			var payload broker.StartPayload
			if err := json.Unmarshal(data, &payload); err != nil {
				return fmt.Errorf("%w: decode job.start: %v", broker.ErrValidation, err)
			}
			req := JobRequest{
				JobID:         payload.JobID,
				Prompt:        payload.Prompt,
				CorrelationID: payload.CorrelationID,
			}
			if payload.DurationMS > 0 {
				req.Duration = time.Duration(payload.DurationMS) * time.Millisecond
			}
			if err := m.RegisterJob(ctx, req); err != nil {
				if errors.Is(err, jobs.ErrInvalidJob) || errors.Is(err, jobs.ErrDuplicateJob) {
					return fmt.Errorf("%w: %v", broker.ErrValidation, err)
				}
				return fmt.Errorf("%w: %v", broker.ErrTransient, err)
			}
			return nil

		case broker.PatternJobCancel:
			var payload broker.CancelPayload
			if err := json.Unmarshal(data, &payload); err != nil {
				return fmt.Errorf("%w: decode job.cancel: %v", broker.ErrValidation, err)
			}
			if payload.JobID == "" {
				return fmt.Errorf("%w: job.cancel without job id", broker.ErrValidation)
			}
			return m.CancelJob(payload.JobID)

		case broker.PatternHealthCheck:
			return nil

		default:
			return fmt.Errorf("%w: unexpected pattern %s", broker.ErrValidation, p)
		}
	}
}

// emitRawData runs on a job's delivery worker: resolve the author handle
// (cache-first, never blocking the ingest loop) and publish the match.
func (m *Manager) emitRawData(jobID string, ev *jetstream.PostEvent) {
	m.mu.Lock()
	ctx := m.baseCtx
	m.mu.Unlock()

	var author *string
	if m.resolver != nil {
		h := m.resolver.ResolveHandle(ctx, ev.AuthorID)
		author = &h
	}

	m.emit.Emit(ctx, broker.PatternJobRawData, broker.RawDataPayload{
		JobID:       jobID,
		TextContent: ev.Text,
		Source:      broker.SourceBluesky,
		SourceURL:   webURL(ev),
		AuthorName:  author,
		PublishedAt: ev.CreatedAt,
		CollectedAt: time.Now().UTC(),
	})
}

// webURL maps an at:// post to its public profile URL.
func webURL(ev *jetstream.PostEvent) string {
	return fmt.Sprintf("https://bsky.app/profile/%s/post/%s", ev.AuthorID, ev.RecordKey)
}

// onJobTerminal runs exactly once per job, after delivery has stopped.
func (m *Manager) onJobTerminal(jobID string, matched int64, cause error) {
	m.mu.Lock()
	ctx := m.baseCtx
	delete(m.reported, jobID)
	m.mu.Unlock()

	m.sched.Cancel(jobID)
	activeJobsGauge.Dec()
	now := time.Now().UTC()

	switch {
	case cause == nil:
		m.emit.Emit(ctx, broker.PatternJobIngestionComplete, broker.IngestionCompletePayload{
			JobID:       jobID,
			TotalItems:  matched,
			CompletedAt: now,
		})
		m.emit.Emit(ctx, broker.PatternJobComplete, broker.CompletePayload{
			JobID:       jobID,
			TotalItems:  matched,
			CompletedAt: now,
		})
		if err := m.store.MarkCompleted(ctx, jobID, matched); err != nil {
			m.log.Warn("failed to mark job completed", "job", jobID, "error", err)
		}

	case errors.Is(cause, jobs.ErrCancelled):
		if err := m.store.MarkCancelled(ctx, jobID, matched); err != nil {
			m.log.Warn("failed to mark job cancelled", "job", jobID, "error", err)
		}

	default:
		jobsFailedCounter.Inc()
		m.emit.Emit(ctx, broker.PatternJobFailed, broker.FailedPayload{
			JobID:        jobID,
			Status:       jobstore.StatusFailed,
			ErrorMessage: cause.Error(),
			FailedAt:     now,
		})
		if err := m.store.MarkFailed(ctx, jobID, cause.Error()); err != nil {
			m.log.Warn("failed to mark job failed", "job", jobID, "error", err)
		}
	}

	m.maybeStopListening()
}

// failRegistration reports a registration that never became active. A
// duplicate id leaves the running job's record untouched.
func (m *Manager) failRegistration(ctx context.Context, req JobRequest, cause error) {
	jobsFailedCounter.Inc()
	m.emit.Emit(ctx, broker.PatternJobFailed, broker.FailedPayload{
		JobID:        req.JobID,
		Status:       jobstore.StatusFailed,
		ErrorMessage: cause.Error(),
		FailedAt:     time.Now().UTC(),
	})
	if errors.Is(cause, jobs.ErrDuplicateJob) {
		return
	}
	if err := m.store.MarkFailed(ctx, req.JobID, cause.Error()); err != nil {
		m.log.Warn("failed to mark job failed", "job", req.JobID, "error", err)
	}
}

// ensureListening connects the firehose if it is not already up, resuming
// from the persisted cursor.
func (m *Manager) ensureListening(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
	if m.listening {
		return nil
	}

	var cursorPtr *int64
	if m.flusher != nil {
		cur, err := m.flusher.LoadCursor(ctx)
		if err != nil {
			m.log.Warn("failed to load persisted cursor, starting live", "error", err)
		} else if cur > 0 {
			cursorPtr = &cur
			m.log.Info("resuming firehose from persisted cursor", "cursor", cur)
		}
	}

	err := m.source.Connect(m.baseCtx, cursorPtr)
	switch {
	case err == nil:
	case errors.Is(err, jetstream.ErrAlreadyConnected),
		errors.Is(err, jetstream.ErrAlreadyConnecting):
		// Another registration already brought it up.
	default:
		return fmt.Errorf("manager: start listening: %w", err)
	}

	sub := m.source.Posts()
	m.sub = sub
	m.listening = true
	if m.flusher != nil {
		m.flusher.StartAutoSave(m.baseCtx)
	}

	go m.routeLoop(m.baseCtx, sub)
	return nil
}

func (m *Manager) routeLoop(ctx context.Context, sub *jetstream.Subscription) {
	for ev := range sub.Events() {
		m.router.Route(ctx, ev)
	}
}

// maybeStopListening disconnects once no jobs remain, after the grace
// window if one is configured.
func (m *Manager) maybeStopListening() {
	if m.registry.Count() > 0 {
		return
	}

	if m.cfg.GraceWindow <= 0 {
		m.stopListening()
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.graceTimer != nil {
		m.graceTimer.Stop()
	}
	m.graceTimer = time.AfterFunc(m.cfg.GraceWindow, func() {
		if m.registry.Count() == 0 {
			m.stopListening()
		}
	})
}

func (m *Manager) stopListening() {
	m.mu.Lock()
	if !m.listening {
		m.mu.Unlock()
		return
	}
	m.listening = false
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	if err := m.source.Disconnect(); err != nil {
		m.log.Warn("error disconnecting firehose", "error", err)
	}
	if m.flusher != nil {
		m.flusher.StopAutoSave()
	}
	m.log.Info("firehose listener stopped, no active jobs")
}

// watchExhaustion fails every registered job when the connection gives up
// reconnecting, so callers get a terminal envelope instead of silence.
func (m *Manager) watchExhaustion(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if !m.source.MaxReconnectExhausted() {
				continue
			}
			active := m.registry.Active()
			if len(active) == 0 {
				continue
			}
			m.log.Error("reconnect attempts exhausted, failing active jobs",
				"jobs", len(active))
			cause := fmt.Errorf("firehose connection lost: %w", jetstream.ErrReconnectsExhausted)
			for _, j := range active {
				if err := m.registry.Fail(j.ID, cause); err != nil {
					m.log.Warn("failed to fail job", "job", j.ID, "error", err)
				}
			}
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// pushDataUpdates flushes matched counts for running jobs on an interval,
// skipping jobs whose count has not moved.
func (m *Manager) pushDataUpdates(ctx context.Context) {
	tick := time.NewTicker(m.cfg.DataUpdateInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			for _, j := range m.registry.Active() {
				matched := j.MatchedCount()
				if matched == 0 {
					continue
				}

				m.mu.Lock()
				last, seen := m.reported[j.ID]
				if seen && last == matched {
					m.mu.Unlock()
					continue
				}
				m.reported[j.ID] = matched
				m.mu.Unlock()

				if err := m.store.UpdateMatchedCount(ctx, j.ID, matched); err != nil {
					m.log.Warn("failed to update matched count", "job", j.ID, "error", err)
				}
				m.emit.Emit(ctx, broker.PatternJobDataUpdate, broker.DataUpdatePayload{
					JobID:        j.ID,
					MatchedCount: matched,
					UpdatedAt:    time.Now().UTC(),
				})
			}
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
