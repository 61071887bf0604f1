package loom

import "context"

// Store is the repository contract the engine core consumes. Implementations
// must provide read-your-writes within a request, and RunningCount /
// PendingCount must be transactionally consistent with job state changes;
// the scheduler's admission check depends on it.
//
// All methods return *ErrNotFound for missing entities where a single row
// is requested.
type Store interface {
	// Init creates tables / runs migrations. Idempotent.
	Init(ctx context.Context) error
	Close() error

	// Workflows
	InsertWorkflow(ctx context.Context, w Workflow) error
	GetWorkflow(ctx context.Context, id string) (Workflow, error)

	// Nodes
	InsertNode(ctx context.Context, n Node) error
	GetNode(ctx context.Context, id string) (Node, error)
	// ListNodes returns a consistent snapshot ordered by order_index, created_at.
	ListNodes(ctx context.Context, workflowID string) ([]Node, error)

	// Edges
	InsertEdge(ctx context.Context, e Edge) error
	// ListEdges returns a consistent snapshot ordered by created_at.
	ListEdges(ctx context.Context, workflowID string) ([]Edge, error)

	// Jobs
	InsertJob(ctx context.Context, j Job) error
	UpdateJob(ctx context.Context, j Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	// ListJobs returns jobs for a workflow, newest first.
	ListJobs(ctx context.Context, workflowID string) ([]Job, error)
	// GetJobSteps returns a job's steps ordered by started_at, id.
	GetJobSteps(ctx context.Context, jobID string) ([]JobStep, error)
	// OldestPendingJob returns the oldest Pending job for a workflow,
	// or ErrNotFound if none is queued.
	OldestPendingJob(ctx context.Context, workflowID string) (Job, error)
	// StaleJobs returns non-terminal jobs whose started_at is older than
	// cutoff (Unix milliseconds). Used by the restart sweep.
	StaleJobs(ctx context.Context, cutoff int64) ([]Job, error)

	// Admission counts
	RunningCount(ctx context.Context, workflowID string) (int, error)
	PendingCount(ctx context.Context, workflowID string) (int, error)

	// Job steps
	InsertJobStep(ctx context.Context, s JobStep) error
	UpdateJobStep(ctx context.Context, s JobStep) error

	// Uploaded files
	InsertFile(ctx context.Context, f UploadedFile) error
	GetFile(ctx context.Context, id string) (UploadedFile, error)
}
