package observer

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	loom "github.com/loomworks/loom"
)

// Hook implements loom.RunHook, recording job lifecycle metrics.
type Hook struct {
	inst *Instruments
}

// NewHook builds a scheduler hook over the given instruments.
func NewHook(inst *Instruments) *Hook {
	return &Hook{inst: inst}
}

func (h *Hook) JobStarted(ctx context.Context, job loom.Job) {
	_, span := h.inst.Tracer.Start(ctx, "job.started", trace.WithAttributes(
		AttrWorkflowID.String(job.WorkflowID),
		AttrJobID.String(job.ID),
	))
	span.End()
}

func (h *Hook) JobFinished(ctx context.Context, job loom.Job) {
	h.inst.Jobs.Add(ctx, 1, metric.WithAttributes(
		AttrWorkflowID.String(job.WorkflowID),
		AttrJobStatus.String(string(job.Status)),
	))
	if job.FinishedAt > 0 && job.StartedAt > 0 {
		h.inst.JobDuration.Record(ctx, float64(job.FinishedAt-job.StartedAt), metric.WithAttributes(
			AttrWorkflowID.String(job.WorkflowID),
			AttrJobStatus.String(string(job.Status)),
		))
	}
}

// compile-time check
var _ loom.RunHook = (*Hook)(nil)
