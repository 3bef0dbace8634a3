package jobs

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"stem-separator/internal/domain"
)

// ErrAlreadyRunning is returned when starting a second active job.
var ErrAlreadyRunning = errors.New("job already running")

// ErrEmptyInput is returned when a job spec names no input.
var ErrEmptyInput = errors.New("input path is required")

// ErrNoJob is returned by callers that need a job when none was started.
var ErrNoJob = errors.New("no job has been started")

// Observer is notified on the consumer's goroutine after a snapshot has been
// applied to the job record. Observers must not call back into the Controller.
type Observer func(job domain.Job, snap domain.Snapshot)

// ControllerOption customises a Controller.
type ControllerOption func(*Controller)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) ControllerOption { return func(c *Controller) { c.logger = l } }

// WithHistory enables stage-history refinement of time estimates.
func WithHistory(h StageHistory) ControllerOption { return func(c *Controller) { c.history = h } }

// WithObserver registers a callback for applied snapshots.
func WithObserver(o Observer) ControllerOption { return func(c *Controller) { c.observer = o } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) ControllerOption { return func(c *Controller) { c.now = now } }

// WithIDGenerator overrides job ID generation. Default: UUIDv7.
func WithIDGenerator(gen func() string) ControllerOption {
	return func(c *Controller) { c.newID = gen }
}

// Controller owns the single job slot. It starts jobs on a worker goroutine,
// forwards cancellation requests, and applies relayed snapshots to the job
// record when the consumer asks for the latest view.
type Controller struct {
	mu       sync.Mutex
	notifyMu sync.Mutex
	current  *domain.Job
	active   bool
	channel  *ProgressChannel
	token    *Token

	processor Processor
	history   StageHistory
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	updates  chan struct{}
	baseCtx  context.Context
	stopBase context.CancelFunc
	wg       sync.WaitGroup
}

// NewController creates an idle controller that runs jobs with p.
func NewController(p Processor, opts ...ControllerOption) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		token:     NewToken(),
		processor: p,
		logger:    slog.Default(),
		now:       time.Now,
		newID:     func() string { return uuid.Must(uuid.NewV7()).String() },
		updates:   make(chan struct{}, 1),
		baseCtx:   ctx,
		stopBase:  cancel,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start creates a job for spec and begins executing it in the background.
// It returns ErrAlreadyRunning, leaving the current job untouched, while a
// job is running.
func (c *Controller) Start(spec domain.JobSpec) (string, error) {
	if strings.TrimSpace(spec.InputPath) == "" {
		return "", ErrEmptyInput
	}

	c.mu.Lock()
	applied := c.applyPendingLocked()
	if c.active {
		c.unlockAndNotify(applied)
		return "", ErrAlreadyRunning
	}

	job := &domain.Job{
		ID:                 c.newID(),
		InputPath:          spec.InputPath,
		Model:              spec.Model,
		EnhancementEnabled: spec.EnhancementEnabled,
		OutputDir:          spec.OutputDir,
		Status:             domain.JobStatusQueued,
	}

	gen := c.token.Reset()
	channel := NewProgressChannel(c.updates)
	w := &worker{
		jobID:     job.ID,
		spec:      spec,
		token:     c.token,
		gen:       gen,
		channel:   channel,
		processor: c.processor,
		history:   c.history,
		logger:    c.logger.With("component", "worker"),
		now:       c.now,
	}

	started := c.now()
	job.Status = domain.JobStatusRunning
	job.StartTime = &started

	c.current = job
	c.channel = channel
	c.active = true
	c.wg.Add(1)
	c.unlockAndNotify(applied)
	c.logger.Info("job started", "job_id", job.ID, "input", spec.InputPath, "model", spec.Model, "generation", gen)

	go func() {
		defer c.wg.Done()
		w.run(c.baseCtx)
	}()
	return job.ID, nil
}

// Cancel requests cooperative cancellation of the running job. It returns
// false when nothing is running. The job status changes only once the worker
// reports a cancelled outcome.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	applied := c.applyPendingLocked()
	if !c.active {
		c.unlockAndNotify(applied)
		return false
	}
	c.token.Cancel()
	jobID := c.current.ID
	c.unlockAndNotify(applied)
	c.logger.Info("cancellation requested", "job_id", jobID)
	return true
}

// LatestSnapshot applies every buffered snapshot and returns a copy of the
// current job. The second return value is false before the first Start.
func (c *Controller) LatestSnapshot() (domain.Job, bool) {
	c.mu.Lock()
	applied := c.applyPendingLocked()
	var view domain.Job
	ok := c.current != nil
	if ok {
		view = cloneJob(*c.current)
	}
	c.unlockAndNotify(applied)
	return view, ok
}

// Announce runs fn with the current job while observer delivery is held, so
// whatever fn publishes lands after every snapshot applied so far and before
// any applied later. fn is skipped, and Announce reports false, when jobID is
// no longer current or the job has already reached a terminal state.
func (c *Controller) Announce(jobID string, fn func(job domain.Job)) bool {
	c.mu.Lock()
	applied := c.applyPendingLocked()
	var view domain.Job
	ok := c.current != nil && c.current.ID == jobID
	if ok {
		view = cloneJob(*c.current)
	}
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()

	for _, a := range applied {
		c.observer(a.job, a.snap)
	}
	if !ok || view.Status.IsTerminal() {
		return false
	}
	fn(view)
	return true
}

// IsRunning reports whether a job currently occupies the slot.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	applied := c.applyPendingLocked()
	active := c.active
	c.unlockAndNotify(applied)
	return active
}

// Updates signals, coalesced, that new snapshots are ready to be applied.
func (c *Controller) Updates() <-chan struct{} {
	return c.updates
}

// Wait blocks until the current worker goroutine has returned.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Shutdown cancels any running job and waits for its worker until ctx ends.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.Cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.stopBase()
		c.LatestSnapshot()
		return nil
	case <-ctx.Done():
		c.stopBase()
		return ctx.Err()
	}
}

type appliedSnapshot struct {
	job  domain.Job
	snap domain.Snapshot
}

// applyPendingLocked drains the channel into the job record. Must hold mu.
func (c *Controller) applyPendingLocked() []appliedSnapshot {
	if c.channel == nil || c.current == nil {
		return nil
	}

	snaps := c.channel.Drain()
	if len(snaps) == 0 {
		return nil
	}

	var applied []appliedSnapshot
	for _, snap := range snaps {
		if !c.applyLocked(snap) {
			continue
		}
		if c.observer != nil {
			applied = append(applied, appliedSnapshot{job: cloneJob(*c.current), snap: snap})
		}
	}
	return applied
}

// applyLocked mutates the job record from one snapshot. Must hold mu.
func (c *Controller) applyLocked(snap domain.Snapshot) bool {
	job := c.current
	if job.Status.IsTerminal() {
		return false
	}

	percent := snap.Percent
	if percent < job.ProgressPercent {
		percent = job.ProgressPercent
	}
	job.ProgressPercent = percent
	if snap.Stage != "" {
		job.CurrentStage = snap.Stage
	}
	job.Message = snap.Message
	job.ETASeconds = snap.ETASeconds

	if !snap.Terminal {
		return true
	}

	ended := c.now()
	job.EndTime = &ended
	switch snap.Outcome {
	case domain.OutcomeSuccess:
		job.Status = domain.JobStatusCompleted
		job.ResultRef = snap.Result
		job.ProgressPercent = 100
	case domain.OutcomeCancelled:
		job.Status = domain.JobStatusCancelled
		job.ETASeconds = nil
	default:
		job.Status = domain.JobStatusFailed
		job.ErrorDetail = snap.ErrorDetail
		if job.ErrorDetail == "" {
			job.ErrorDetail = genericFailureMessage
		}
		job.ETASeconds = nil
	}

	c.active = false
	c.channel = nil
	c.logger.Info("job finished",
		"job_id", job.ID,
		"status", job.Status,
		"duration", domain.FormatElapsed(job.Duration(ended)),
	)
	return true
}

// unlockAndNotify releases mu and runs the observer for applied snapshots.
// notifyMu is taken before mu is released so observers see snapshots in the
// order they were applied, even across concurrent callers.
func (c *Controller) unlockAndNotify(applied []appliedSnapshot) {
	if c.observer == nil || len(applied) == 0 {
		c.mu.Unlock()
		return
	}
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()
	for _, a := range applied {
		c.observer(a.job, a.snap)
	}
}

// cloneJob copies pointer fields so callers cannot mutate controller state.
func cloneJob(j domain.Job) domain.Job {
	if j.ETASeconds != nil {
		v := *j.ETASeconds
		j.ETASeconds = &v
	}
	if j.StartTime != nil {
		v := *j.StartTime
		j.StartTime = &v
	}
	if j.EndTime != nil {
		v := *j.EndTime
		j.EndTime = &v
	}
	return j
}
