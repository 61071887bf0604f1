package loom

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Per-workflow admission caps. Two concurrent runs keeps LLM pressure
// bounded without serializing unrelated workflows; the pending cap stops an
// unresponsive client from queueing unbounded work.
const (
	MaxRunningPerWorkflow = 2
	MaxPendingPerWorkflow = 20
)

// RunHook observes job lifecycle transitions. Implementations must be safe
// for concurrent use; the scheduler calls them inline on the job goroutine.
type RunHook interface {
	JobStarted(ctx context.Context, job Job)
	JobFinished(ctx context.Context, job Job)
}

type nopHook struct{}

func (nopHook) JobStarted(context.Context, Job)  {}
func (nopHook) JobFinished(context.Context, Job) {}

// Scheduler admits jobs per workflow: at most MaxRunningPerWorkflow run
// concurrently, at most MaxPendingPerWorkflow wait, and pending jobs are
// promoted oldest-first as running jobs terminate. Admission is decided
// under a single lock against the store's counts, so counts and inserts
// stay consistent even with concurrent submissions.
type Scheduler struct {
	store  Store
	runner *Runner
	logger *slog.Logger
	now    func() time.Time
	hook   RunHook

	// baseCtx detaches job execution from the submitting request.
	baseCtx context.Context

	mu sync.Mutex
	wg sync.WaitGroup
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the structured logger (default: no output).
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithSchedulerClock overrides the time source for job timestamps.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithRunHook registers a lifecycle observer.
func WithRunHook(h RunHook) SchedulerOption {
	return func(s *Scheduler) { s.hook = h }
}

// WithBaseContext sets the context job goroutines run under. Cancel it to
// abort in-flight jobs during shutdown. Defaults to context.Background().
func WithBaseContext(ctx context.Context) SchedulerOption {
	return func(s *Scheduler) { s.baseCtx = ctx }
}

// NewScheduler builds a Scheduler over the given store and runner.
func NewScheduler(store Store, runner *Runner, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:   store,
		runner:  runner,
		logger:  nopLogger,
		now:     time.Now,
		hook:    nopHook{},
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit admits one execution of the workflow. The returned job is either
// Running (dispatched immediately) or Pending (queued FIFO). Returns
// *ErrQueueFull when both caps are hit and *ErrNotFound for an unknown
// workflow.
func (s *Scheduler) Submit(ctx context.Context, workflowID string) (Job, error) {
	if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
		return Job{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	running, err := s.store.RunningCount(ctx, workflowID)
	if err != nil {
		return Job{}, err
	}

	job := Job{
		ID:         NewID(),
		WorkflowID: workflowID,
		StartedAt:  s.now().UnixMilli(),
	}

	if running < MaxRunningPerWorkflow {
		job.Status = StatusRunning
		if err := s.store.InsertJob(ctx, job); err != nil {
			return Job{}, err
		}
		s.dispatch(job)
		return job, nil
	}

	pending, err := s.store.PendingCount(ctx, workflowID)
	if err != nil {
		return Job{}, err
	}
	if pending >= MaxPendingPerWorkflow {
		s.logger.Warn("job refused, queue full",
			"workflow_id", workflowID,
			"running", running,
			"pending", pending)
		return Job{}, &ErrQueueFull{WorkflowID: workflowID}
	}

	job.Status = StatusPending
	if err := s.store.InsertJob(ctx, job); err != nil {
		return Job{}, err
	}
	s.logger.Info("job queued",
		"job_id", job.ID,
		"workflow_id", workflowID,
		"pending", pending+1)
	return job, nil
}

// dispatch starts the job goroutine. Caller holds s.mu.
func (s *Scheduler) dispatch(job Job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(job)
	}()
}

func (s *Scheduler) execute(job Job) {
	ctx := s.baseCtx
	s.hook.JobStarted(ctx, job)

	if err := s.runner.Run(ctx, job.ID); err != nil {
		s.logger.Debug("job run returned error", "job_id", job.ID, "error", err)
	}

	if done, err := s.store.GetJob(ctx, job.ID); err == nil {
		s.hook.JobFinished(ctx, done)
	}

	s.promote(ctx, job.WorkflowID)
}

// promote moves the oldest pending jobs of a workflow into execution while
// there is running capacity.
func (s *Scheduler) promote(ctx context.Context, workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		running, err := s.store.RunningCount(ctx, workflowID)
		if err != nil || running >= MaxRunningPerWorkflow {
			return
		}
		next, err := s.store.OldestPendingJob(ctx, workflowID)
		if err != nil {
			if !IsNotFound(err) {
				s.logger.Error("promotion lookup failed", "workflow_id", workflowID, "error", err)
			}
			return
		}
		next.Status = StatusRunning
		if err := s.store.UpdateJob(ctx, next); err != nil {
			s.logger.Error("promotion update failed", "job_id", next.ID, "error", err)
			return
		}
		s.logger.Info("job promoted", "job_id", next.ID, "workflow_id", workflowID)
		s.dispatch(next)
	}
}

// Sweep settles jobs left non-terminal by a previous process: anything
// Pending or Running at startup cannot still be executing, so it is marked
// Failed. Call once before the server starts accepting submissions.
func (s *Scheduler) Sweep(ctx context.Context) error {
	stale, err := s.store.StaleJobs(ctx, s.now().UnixMilli())
	if err != nil {
		return err
	}
	for _, job := range stale {
		job.Status = StatusFailed
		job.FinishedAt = s.now().UnixMilli()
		job.ErrorMessage = "interrupted"
		if err := s.store.UpdateJob(ctx, job); err != nil {
			return err
		}
		s.logger.Warn("stale job swept",
			"job_id", job.ID,
			"workflow_id", job.WorkflowID)
	}
	if len(stale) > 0 {
		s.logger.Info("restart sweep completed", "jobs", len(stale))
	}
	return nil
}

// Wait blocks until all in-flight job goroutines return. Pair with a
// cancelled base context for bounded shutdown.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
