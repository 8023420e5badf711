// Package tracker implements the detonation job orchestrator: admission
// control, the per-job state machine, timeout enforcement, completion event
// consumption and reconciliation.
//
// Transitions of one job are serialized by that job's table entry. The
// admission table lock is held only to insert, remove or look up entries.
// Provisioner calls and teardown run outside every lock.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/godetonate/pkg/bus"
	"github.com/3leaps/godetonate/pkg/clock"
	"github.com/3leaps/godetonate/pkg/job"
	"github.com/3leaps/godetonate/pkg/jobstore"
	"github.com/3leaps/godetonate/pkg/provider"
	"github.com/3leaps/godetonate/pkg/provisioner"
	"github.com/3leaps/godetonate/pkg/results"
)

// Defaults applied by New.
const (
	DefaultMaxConcurrent     = 5
	DefaultJobTimeout        = 15 * time.Minute
	DefaultSweepInterval     = 5 * time.Second
	DefaultExecutionHeadroom = 2 * time.Minute

	destroyTimeout = 2 * time.Minute
)

// Config tunes the tracker.
type Config struct {
	MaxConcurrent int
	JobTimeout    time.Duration
	SweepInterval time.Duration

	// ExecutionHeadroom is reserved between the agent's execution timeout and
	// the job deadline for packaging, upload and notification.
	ExecutionHeadroom time.Duration

	// ResultsDestination and ControlPlaneEndpoint are handed to every
	// instance through metadata.
	ResultsDestination   string
	ControlPlaneEndpoint string

	Logger *zap.Logger
	Clock  clock.Clock
}

// Results reads and removes result bundles. *results.Pipeline implements it.
type Results interface {
	LoadSummary(ctx context.Context, jobUUID string) ([]byte, *results.Summary, error)
	DeleteResults(ctx context.Context, jobUUID string) (int, error)
}

// Deps are the tracker's collaborators. Events and Results are optional.
type Deps struct {
	Provisioner provisioner.Provisioner
	Store       jobstore.Store
	Events      bus.Subscriber
	Results     Results

	// Table overrides the admission table built from MaxConcurrent.
	Table *Table
}

// SubmitRequest is a detonation request. JobID is optional.
type SubmitRequest struct {
	JobID       string
	SampleRef   job.SampleRef
	Environment job.Environment
}

// Tracker owns the lifecycle of every detonation job.
type Tracker struct {
	cfg    Config
	prov   provisioner.Provisioner
	store  jobstore.Store
	events bus.Subscriber
	res    Results
	table  *Table
	logger *zap.Logger
	clock  clock.Clock

	// ctx bounds background work (advance, teardown); Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a tracker.
func New(cfg Config, deps Deps) (*Tracker, error) {
	if deps.Provisioner == nil {
		return nil, errors.New("tracker: provisioner is required")
	}
	if deps.Store == nil {
		return nil, errors.New("tracker: job store is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.ExecutionHeadroom < 0 {
		cfg.ExecutionHeadroom = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	table := deps.Table
	if table == nil {
		table = NewTable(cfg.MaxConcurrent)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		cfg:    cfg,
		prov:   deps.Provisioner,
		store:  deps.Store,
		events: deps.Events,
		res:    deps.Results,
		table:  table,
		logger: cfg.Logger,
		clock:  cfg.Clock,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Table returns the admission table.
func (t *Tracker) Table() *Table { return t.table }

// Submit admits a new job and starts provisioning it asynchronously. A full
// table yields job.ErrCapacityExceeded. No error leaves a record behind.
func (t *Tracker) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := req.SampleRef.Validate(); err != nil {
		return "", fmt.Errorf("invalid sample_ref: %w", err)
	}
	if _, err := job.ParseEnvironment(req.Environment.String()); err != nil {
		return "", err
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	} else {
		if err := job.ValidateJobID(jobID); err != nil {
			return "", err
		}
		if _, err := t.store.Get(ctx, jobID); err == nil {
			return "", fmt.Errorf("%w: %s", job.ErrDuplicateJobID, jobID)
		} else if !job.IsNotFound(err) {
			return "", fmt.Errorf("check job_id: %w", err)
		}
	}

	j := job.New(jobID, uuid.NewString(), req.SampleRef, req.Environment, t.clock.Now(), t.cfg.JobTimeout)
	e, err := t.table.Admit(j)
	if err != nil {
		if errors.Is(err, job.ErrDuplicateJobID) {
			return "", fmt.Errorf("%w: %s", job.ErrDuplicateJobID, jobID)
		}
		t.logger.Info("Submission rejected", zap.String("job_id", jobID), zap.Error(err))
		return "", err
	}

	if err := t.store.Create(ctx, snapshot(j)); err != nil {
		t.table.Release(jobID)
		if errors.Is(err, job.ErrDuplicateJobID) {
			return "", err
		}
		return "", fmt.Errorf("persist job: %w", err)
	}

	t.logger.Info("Job submitted",
		zap.String("job_id", j.JobID),
		zap.String("job_uuid", j.JobUUID),
		zap.String("sample_ref", j.SampleRef.String()),
		zap.String("environment", j.Environment.String()),
		zap.Time("deadline", j.Deadline))

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.advance(e)
	}()
	return jobID, nil
}

// advance drives a queued job through provisioning.
func (t *Tracker) advance(e *Entry) {
	e.mu.Lock()
	j := e.job
	if j.State != job.StateQueued {
		e.mu.Unlock()
		return
	}
	if err := j.MarkProvisioning(provisioner.InstanceName(j.JobUUID)); err != nil {
		e.mu.Unlock()
		t.logger.Error("Cannot start provisioning", zap.String("job_id", j.JobID), zap.Error(err))
		return
	}
	t.persist(j)
	t.logTransition(j, job.StateQueued)

	now := t.clock.Now()
	params := provisioner.Params{
		JobUUID:              j.JobUUID,
		JobID:                j.JobID,
		SampleRef:            j.SampleRef.String(),
		ResultsDestination:   t.cfg.ResultsDestination,
		ControlPlaneEndpoint: t.cfg.ControlPlaneEndpoint,
		ExecutionTimeout:     t.executionBudget(j, now),
	}
	env, jobUUID := j.Environment, j.JobUUID
	pctx, cancel := context.WithDeadline(t.ctx, j.Deadline)
	e.cancelProvision = cancel
	e.mu.Unlock()

	h, err := t.prov.Create(pctx, jobUUID, env, params)
	cancel()

	e.mu.Lock()
	e.cancelProvision = nil
	if j.State != job.StateProvisioning {
		// Timed out or cancelled while Create was in flight.
		e.mu.Unlock()
		if err == nil {
			t.logger.Warn("Instance created for finished job", zap.String("job_uuid", jobUUID), zap.String("instance", string(h)))
			t.teardown(h)
		}
		return
	}
	if err != nil {
		_, _ = j.MarkFailed(err.Error(), t.clock.Now())
		t.persist(j)
		snap := j.Snapshot()
		e.mu.Unlock()
		t.table.Release(e.id)
		t.logTransition(&snap, job.StateProvisioning)
		return
	}
	if err := j.MarkRunning(string(h), t.clock.Now()); err != nil {
		e.mu.Unlock()
		t.logger.Error("Cannot mark running", zap.String("job_id", e.id), zap.Error(err))
		t.teardown(h)
		return
	}
	t.persist(j)
	t.logTransition(j, job.StateProvisioning)
	early := e.early
	e.early = nil
	e.mu.Unlock()

	if early != nil {
		_ = t.OnCompletionEvent(t.ctx, *early)
	}
}

// executionBudget is the time the agent may let the sample run. It is always
// positive and strictly shorter than the time left before the deadline.
func (t *Tracker) executionBudget(j *job.Job, now time.Time) time.Duration {
	remaining := j.Deadline.Sub(now)
	budget := remaining - t.cfg.ExecutionHeadroom
	if budget <= 0 {
		budget = remaining / 2
	}
	if budget < time.Second {
		budget = time.Second
	}
	if budget >= remaining {
		budget = remaining / 2
	}
	if budget <= 0 {
		budget = time.Millisecond
	}
	return budget
}

// OnCompletionEvent applies an agent's completion report. Events for unknown
// or already finished jobs are logged and dropped; the returned error is
// non-nil only when the event should be redelivered.
func (t *Tracker) OnCompletionEvent(ctx context.Context, ev bus.CompletionEvent) error {
	if err := ev.Validate(); err != nil {
		t.logger.Warn("Dropping invalid completion event", zap.String("job_uuid", ev.JobUUID), zap.Error(err))
		return nil
	}

	e, ok := t.table.LookupUUID(ev.JobUUID)
	if !ok {
		t.logIgnoredEvent(ctx, ev)
		return nil
	}

	e.mu.Lock()
	j := e.job
	switch j.State {
	case job.StateProvisioning, job.StateQueued:
		// The agent can finish before Create returns; apply once running.
		if e.early == nil {
			e.early = &ev
		}
		e.mu.Unlock()
		t.logger.Info("Completion event arrived before running state; deferred", zap.String("job_uuid", ev.JobUUID))
		return nil
	case job.StateRunning:
	default:
		e.mu.Unlock()
		t.logger.Info("Ignoring completion event for finished job",
			zap.String("job_uuid", ev.JobUUID), zap.String("state", string(j.State)))
		return nil
	}

	at := t.clock.Now()
	var (
		handle string
		err    error
	)
	if ev.Status == bus.StatusCompleted {
		handle, err = j.MarkCompleted(ev.ResultRef, at)
	} else {
		handle, err = j.MarkFailed(ev.Error, at)
	}
	if err != nil {
		e.mu.Unlock()
		t.logger.Warn("Rejected completion event", zap.String("job_uuid", ev.JobUUID), zap.Error(err))
		return nil
	}
	t.persist(j)
	snap := j.Snapshot()
	e.mu.Unlock()

	t.table.Release(e.id)
	t.logTransition(&snap, job.StateRunning)
	t.teardown(provisioner.Handle(handle))
	if snap.State == job.StateCompleted {
		t.ingestSummary(snap.JobID, snap.JobUUID)
	}
	return nil
}

func (t *Tracker) logIgnoredEvent(ctx context.Context, ev bus.CompletionEvent) {
	j, err := t.store.GetByUUID(ctx, ev.JobUUID)
	switch {
	case err == nil:
		t.logger.Info("Ignoring completion event for finished job",
			zap.String("job_uuid", ev.JobUUID), zap.String("job_id", j.JobID), zap.String("state", string(j.State)))
	case job.IsNotFound(err):
		t.logger.Warn("Ignoring completion event for unknown job", zap.String("job_uuid", ev.JobUUID))
	default:
		t.logger.Error("Cannot look up job for completion event", zap.String("job_uuid", ev.JobUUID), zap.Error(err))
	}
}

// SweepTimeouts times out every live job past its deadline and returns how
// many were timed out.
func (t *Tracker) SweepTimeouts(ctx context.Context) int {
	now := t.clock.Now()
	n := 0
	for _, e := range t.table.Live() {
		if t.finish(e, job.StateTimedOut, "", now) {
			n++
		}
	}
	if n > 0 {
		t.logger.Info("Timeout sweep", zap.Int("timed_out", n))
	}
	return n
}

// finish moves a live entry to a terminal state initiated by the tracker
// itself (timeout or cancel). For StateTimedOut the job must be overdue at
// now. It returns whether the transition happened.
func (t *Tracker) finish(e *Entry, to job.State, reason string, now time.Time) bool {
	e.mu.Lock()
	j := e.job
	if to == job.StateTimedOut && !j.Overdue(now) {
		e.mu.Unlock()
		return false
	}
	from := j.State
	var (
		handle string
		err    error
	)
	if to == job.StateTimedOut {
		handle, err = j.MarkTimedOut(now)
	} else {
		handle, err = j.MarkFailed(reason, now)
	}
	if err != nil {
		e.mu.Unlock()
		return false
	}
	if e.cancelProvision != nil {
		e.cancelProvision()
	}
	e.early = nil
	t.persist(j)
	snap := j.Snapshot()
	e.mu.Unlock()

	t.table.Release(e.id)
	t.logTransition(&snap, from)
	// A provisioning job only holds a reserved name; advance tears down an
	// instance that Create returns late.
	if from == job.StateRunning {
		t.teardown(provisioner.Handle(handle))
	}
	return true
}

// GetStatus returns a snapshot of the job.
func (t *Tracker) GetStatus(ctx context.Context, jobID string) (job.Job, error) {
	if e, ok := t.table.Lookup(jobID); ok {
		return e.Snapshot(), nil
	}
	j, err := t.store.Get(ctx, jobID)
	if err != nil {
		return job.Job{}, err
	}
	return *j, nil
}

// List returns stored jobs matching f, newest first.
func (t *Tracker) List(ctx context.Context, f jobstore.Filter) ([]job.Job, error) {
	jobs, err := t.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	// Live entries are authoritative even if a store write lagged.
	for i := range jobs {
		if e, ok := t.table.Lookup(jobs[i].JobID); ok {
			jobs[i] = e.Snapshot()
		}
	}
	return jobs, nil
}

// Cancel fails a live job with job.CancelledMessage and destroys its
// instance.
func (t *Tracker) Cancel(ctx context.Context, jobID string) error {
	if e, ok := t.table.Lookup(jobID); ok {
		if t.finish(e, job.StateFailed, job.CancelledMessage, t.clock.Now()) {
			return nil
		}
	}
	j, err := t.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	return &job.TransitionError{JobID: jobID, From: j.State, To: job.StateFailed}
}

// Delete removes a finished job's record, summary and result objects.
func (t *Tracker) Delete(ctx context.Context, jobID string) error {
	if _, ok := t.table.Lookup(jobID); ok {
		return fmt.Errorf("%w: %s", job.ErrNotTerminal, jobID)
	}
	j, err := t.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !j.State.IsTerminal() {
		return fmt.Errorf("%w: %s", job.ErrNotTerminal, jobID)
	}

	if t.res != nil {
		n, err := t.res.DeleteResults(ctx, j.JobUUID)
		switch {
		case errors.Is(err, provider.ErrUnsupported):
			t.logger.Warn("Results store cannot delete; leaving objects", zap.String("job_uuid", j.JobUUID))
		case err != nil:
			return err
		default:
			t.logger.Info("Deleted result objects", zap.String("job_uuid", j.JobUUID), zap.Int("objects", n))
		}
	}
	if err := t.store.Delete(ctx, jobID); err != nil {
		return err
	}
	t.logger.Info("Job deleted", zap.String("job_id", jobID))
	return nil
}

// GC deletes finished jobs that completed more than retention ago and returns
// how many were removed.
func (t *Tracker) GC(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := t.clock.Now().Add(-retention)
	jobs, err := t.store.List(ctx, jobstore.Filter{CompletedBefore: cutoff})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if err := t.Delete(ctx, j.JobID); err != nil {
			return n, fmt.Errorf("gc %s: %w", j.JobID, err)
		}
		n++
	}
	return n, nil
}

// Summary returns the ingested summary of a completed job. If it has not
// been ingested yet it is fetched from the results store.
func (t *Tracker) Summary(ctx context.Context, jobID string) ([]byte, error) {
	raw, err := t.store.GetSummary(ctx, jobID)
	if err == nil || !job.IsNotFound(err) || t.res == nil {
		return raw, err
	}
	j, gerr := t.GetStatus(ctx, jobID)
	if gerr != nil {
		return nil, gerr
	}
	if j.State != job.StateCompleted {
		return nil, err
	}
	raw, _, lerr := t.res.LoadSummary(ctx, j.JobUUID)
	if lerr != nil {
		if provider.IsNotFound(lerr) {
			return nil, job.ErrNotFound
		}
		return nil, lerr
	}
	return raw, nil
}

// Run sweeps timeouts on every tick and consumes completion events until ctx
// is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := t.clock.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	var errc chan error
	if t.events != nil {
		errc = make(chan error, 1)
		go func() { errc <- t.events.Receive(ctx, t.OnCompletionEvent) }()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return fmt.Errorf("event consumer: %w", err)
			}
			errc = nil
		case <-ticker.C:
			t.SweepTimeouts(ctx)
		}
	}
}

// Wait blocks until background provisioning and teardown have returned.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// Close cancels background work and waits for it.
func (t *Tracker) Close() error {
	t.cancel()
	t.wg.Wait()
	return nil
}

// teardown destroys an instance in the background. Failures are logged;
// reconciliation reaps what is left.
func (t *Tracker) teardown(h provisioner.Handle) {
	if h == "" {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), destroyTimeout)
		defer cancel()
		if err := t.prov.Destroy(ctx, h); err != nil {
			t.logger.Warn("Instance teardown failed", zap.String("instance", string(h)), zap.Error(err))
			return
		}
		t.logger.Info("Instance destroyed", zap.String("instance", string(h)))
	}()
}

// ingestSummary copies summary.json into the job store in the background.
func (t *Tracker) ingestSummary(jobID, jobUUID string) {
	if t.res == nil {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		raw, _, err := t.res.LoadSummary(t.ctx, jobUUID)
		if err != nil {
			t.logger.Warn("Cannot load result summary", zap.String("job_id", jobID), zap.Error(err))
			return
		}
		if err := t.store.PutSummary(t.ctx, jobID, raw); err != nil {
			t.logger.Warn("Cannot store result summary", zap.String("job_id", jobID), zap.Error(err))
		}
	}()
}

// persist writes j to the store. The in-memory entry stays authoritative
// when the write fails.
func (t *Tracker) persist(j *job.Job) {
	if err := t.store.Put(t.ctx, snapshot(j)); err != nil {
		t.logger.Error("Cannot persist job", zap.String("job_id", j.JobID), zap.String("state", string(j.State)), zap.Error(err))
	}
}

func snapshot(j *job.Job) *job.Job {
	s := j.Snapshot()
	return &s
}

func (t *Tracker) logTransition(j *job.Job, from job.State) {
	fields := []zap.Field{
		zap.String("job_id", j.JobID),
		zap.String("job_uuid", j.JobUUID),
		zap.String("from", string(from)),
		zap.String("to", string(j.State)),
	}
	if j.InstanceHandle != "" {
		fields = append(fields, zap.String("instance", j.InstanceHandle))
	}
	if j.ResultRef != "" {
		fields = append(fields, zap.String("result_ref", j.ResultRef))
	}
	if j.Error != "" {
		fields = append(fields, zap.String("error", j.Error))
	}
	t.logger.Info("Job transition", fields...)
}
