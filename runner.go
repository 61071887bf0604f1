package loom

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// maxStepInputRunes caps the input_text persisted on a step record. The
// executor still receives the full input; only the audit copy is truncated.
const maxStepInputRunes = 100_000

// Runner coordinates one job: resolves the schedule, dispatches batches,
// aggregates AND-join inputs, persists step records, and settles the job
// row. Jobs fail fast: the first failing batch terminates the run and the
// remaining nodes are never dispatched.
type Runner struct {
	store  Store
	exec   *Executors
	logger *slog.Logger
	now    func() time.Time

	seedInputs map[string]string
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the structured logger (default: no output).
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithRunnerClock overrides the time source for step timestamps.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithSeedInputs pre-populates node outputs by node id. Seeded nodes are
// skipped entirely (no step record, no executor call); downstream nodes see
// the seed as that node's output. Intended for harnesses that exercise the
// coordinator without live upstream services.
func WithSeedInputs(seeds map[string]string) RunnerOption {
	return func(r *Runner) { r.seedInputs = seeds }
}

// NewRunner builds a Runner over the given repository and executors.
func NewRunner(store Store, exec *Executors, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:  store,
		exec:   exec,
		logger: nopLogger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the job to a terminal state. The returned error reflects the
// run outcome; the job row is updated regardless, so callers that only care
// about persistence may ignore it.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	nodes, err := r.store.ListNodes(ctx, job.WorkflowID)
	if err != nil {
		return r.failJob(ctx, job, err)
	}
	edges, err := r.store.ListEdges(ctx, job.WorkflowID)
	if err != nil {
		return r.failJob(ctx, job, err)
	}
	if len(nodes) == 0 {
		return r.failJob(ctx, job, Validationf("workflow has no nodes"))
	}

	graph := NewGraph(nodes, edges)
	schedule, err := graph.Schedule()
	if err != nil {
		return r.failJob(ctx, job, err)
	}

	if job.Status != StatusRunning {
		job.Status = StatusRunning
		if err := r.store.UpdateJob(ctx, job); err != nil {
			return err
		}
	}

	r.logger.Info("job started",
		"job_id", job.ID,
		"workflow_id", job.WorkflowID,
		"nodes", len(nodes),
		"batches", len(schedule.Batches),
		"linear", schedule.Linear)

	byID := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	outputs := make(map[string]string, len(nodes))
	for id, seed := range r.seedInputs {
		outputs[id] = seed
	}

	lastOutput := ""
	for _, batch := range schedule.Batches {
		results := r.runBatch(ctx, job, graph, batch, byID, outputs, schedule.Linear, lastOutput)

		var failed []string
		for _, id := range batch {
			res := results[id]
			if res.err != nil {
				failed = append(failed, id)
				continue
			}
			outputs[id] = res.output
			lastOutput = res.output
		}
		if len(failed) > 0 {
			// Attribute the job failure to the alphabetically first
			// failed node so reruns report deterministically.
			sort.Strings(failed)
			first := failed[0]
			return r.failJob(ctx, job, fmt.Errorf("%s: %w", first, results[first].err))
		}
	}

	final := r.finalOutput(graph, schedule, outputs, lastOutput)

	job.Status = StatusSucceeded
	job.FinishedAt = r.now().UnixMilli()
	job.FinalOutput = final
	if err := r.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	r.logger.Info("job succeeded", "job_id", job.ID, "output_chars", len(final))
	return nil
}

type stepResult struct {
	output string
	err    error
}

// runBatch dispatches one batch. Nodes in a batch have no mutual
// dependencies, so they run concurrently; the barrier is the batch itself.
// outputs is only read here; it is written between batches by the caller.
func (r *Runner) runBatch(ctx context.Context, job Job, graph *Graph, batch []string, byID map[string]Node, outputs map[string]string, linear bool, lastOutput string) map[string]stepResult {
	results := make(map[string]stepResult, len(batch))

	if linear {
		// Linear schedules are single-node batches piping each output
		// into the next node, preserving pre-edge pipeline behavior.
		id := batch[0]
		if _, seeded := outputs[id]; seeded {
			results[id] = stepResult{output: outputs[id]}
			return results
		}
		out, err := r.runStep(ctx, job, byID[id], lastOutput)
		results[id] = stepResult{output: out, err: err}
		return results
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range batch {
		if seed, ok := outputs[id]; ok {
			results[id] = stepResult{output: seed}
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			input := JoinInputs(graph.Predecessors(id), outputs)
			out, err := r.runStep(ctx, job, byID[id], input)
			mu.Lock()
			results[id] = stepResult{output: out, err: err}
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return results
}

// runStep records and executes one node. The step row is inserted Running
// before dispatch and settled after, so interrupted processes leave a
// visible trail for the restart sweep.
func (r *Runner) runStep(ctx context.Context, job Job, node Node, input string) (string, error) {
	step := JobStep{
		ID:             NewID(),
		JobID:          job.ID,
		NodeID:         node.ID,
		NodeType:       node.Type,
		Status:         StatusRunning,
		StartedAt:      r.now().UnixMilli(),
		InputText:      truncateRunes(input, maxStepInputRunes),
		ConfigSnapshot: node.Config,
	}
	if err := r.store.InsertJobStep(ctx, step); err != nil {
		return "", err
	}

	r.logger.Debug("step started",
		"job_id", job.ID,
		"node_id", node.ID,
		"node_type", node.Type,
		"input_chars", len(input))

	out, execErr := r.exec.Execute(ctx, node.Type, step.ConfigSnapshot, input)

	step.FinishedAt = r.now().UnixMilli()
	if execErr != nil {
		step.Status = StatusFailed
		step.ErrorMessage = execErr.Error()
		r.logger.Warn("step failed",
			"job_id", job.ID,
			"node_id", node.ID,
			"node_type", node.Type,
			"error", execErr)
	} else {
		step.Status = StatusSucceeded
		step.OutputText = out
	}
	if err := r.store.UpdateJobStep(ctx, step); err != nil {
		return "", err
	}
	return out, execErr
}

// finalOutput concatenates sink outputs with a blank line, sink ids sorted
// alphabetically. Linear schedules have exactly one sink: the last node.
func (r *Runner) finalOutput(graph *Graph, schedule Schedule, outputs map[string]string, lastOutput string) string {
	if schedule.Linear {
		return lastOutput
	}
	sinks := graph.Sinks()
	parts := make([]string, 0, len(sinks))
	for _, id := range sinks {
		parts = append(parts, outputs[id])
	}
	return strings.Join(parts, "\n\n")
}

func (r *Runner) failJob(ctx context.Context, job Job, cause error) error {
	job.Status = StatusFailed
	job.FinishedAt = r.now().UnixMilli()
	job.ErrorMessage = cause.Error()
	if err := r.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	r.logger.Warn("job failed", "job_id", job.ID, "error", cause)
	return cause
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
