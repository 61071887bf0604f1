// Package postgres implements loom.Store backed by PostgreSQL via pgx.
// Suitable for multi-process deployments; the engine's admission counts
// read committed job state, so point the pool at a single database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	loom "github.com/loomworks/loom"
)

// StoreOption configures a Postgres Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements loom.Store over a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ loom.Store = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New connects to the database at connString (a pgx URL or DSN).
func New(ctx context.Context, connString string, opts ...StoreOption) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			node_type TEXT NOT NULL,
			config JSONB NOT NULL,
			order_index INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS edges (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			from_node_id TEXT NOT NULL,
			to_node_id TEXT NOT NULL,
			from_port TEXT NOT NULL DEFAULT 'output',
			to_port TEXT NOT NULL DEFAULT 'input',
			condition TEXT,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			finished_at BIGINT,
			final_output TEXT,
			error_message TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS job_steps (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			node_id TEXT,
			node_type TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			finished_at BIGINT,
			input_text TEXT,
			output_text TEXT,
			error_message TEXT,
			config_snapshot JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS uploaded_files (
			id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			size_bytes BIGINT NOT NULL,
			path TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_workflow ON nodes(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_workflow ON edges(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_workflow ON jobs(workflow_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_job_steps_job ON job_steps(job_id)`,
	}
	for _, ddl := range tables {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	s.logger.Info("postgres: init completed", "duration", time.Since(start))
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) InsertWorkflow(ctx context.Context, w loom.Workflow) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workflows (id, name, created_at) VALUES ($1, $2, $3)`,
		w.ID, w.Name, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (loom.Workflow, error) {
	var w loom.Workflow
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM workflows WHERE id = $1`, id,
	).Scan(&w.ID, &w.Name, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return loom.Workflow{}, &loom.ErrNotFound{Entity: "workflow", ID: id}
	}
	if err != nil {
		return loom.Workflow{}, fmt.Errorf("get workflow: %w", err)
	}
	return w, nil
}

func (s *Store) InsertNode(ctx context.Context, n loom.Node) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO nodes (id, workflow_id, node_type, config, order_index, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		n.ID, n.WorkflowID, string(n.Type), string(n.Config), n.OrderIndex, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

func (s *Store) GetNode(ctx context.Context, id string) (loom.Node, error) {
	var n loom.Node
	var config string
	err := s.pool.QueryRow(ctx,
		`SELECT id, workflow_id, node_type, config, order_index, created_at
		 FROM nodes WHERE id = $1`, id,
	).Scan(&n.ID, &n.WorkflowID, &n.Type, &config, &n.OrderIndex, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return loom.Node{}, &loom.ErrNotFound{Entity: "node", ID: id}
	}
	if err != nil {
		return loom.Node{}, fmt.Errorf("get node: %w", err)
	}
	n.Config = []byte(config)
	return n, nil
}

func (s *Store) ListNodes(ctx context.Context, workflowID string) ([]loom.Node, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, workflow_id, node_type, config, order_index, created_at
		 FROM nodes WHERE workflow_id = $1
		 ORDER BY order_index, created_at, id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []loom.Node
	for rows.Next() {
		var n loom.Node
		var config string
		if err := rows.Scan(&n.ID, &n.WorkflowID, &n.Type, &config, &n.OrderIndex, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.Config = []byte(config)
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *Store) InsertEdge(ctx context.Context, e loom.Edge) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO edges (id, workflow_id, from_node_id, to_node_id, from_port, to_port, condition, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`,
		e.ID, e.WorkflowID, e.FromNodeID, e.ToNodeID, e.FromPort, e.ToPort, e.Condition, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert edge: %w", err)
	}
	return nil
}

func (s *Store) ListEdges(ctx context.Context, workflowID string) ([]loom.Edge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, workflow_id, from_node_id, to_node_id, from_port, to_port, COALESCE(condition, ''), created_at
		 FROM edges WHERE workflow_id = $1
		 ORDER BY created_at, id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	var edges []loom.Edge
	for rows.Next() {
		var e loom.Edge
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.FromNodeID, &e.ToNodeID, &e.FromPort, &e.ToPort, &e.Condition, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (s *Store) InsertJob(ctx context.Context, j loom.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, workflow_id, status, started_at, finished_at, final_output, error_message)
		 VALUES ($1, $2, $3, $4, NULLIF($5, 0), NULLIF($6, ''), NULLIF($7, ''))`,
		j.ID, j.WorkflowID, string(j.Status), j.StartedAt, j.FinishedAt, j.FinalOutput, j.ErrorMessage)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Store) UpdateJob(ctx context.Context, j loom.Job) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, finished_at = NULLIF($2, 0), final_output = NULLIF($3, ''), error_message = NULLIF($4, '')
		 WHERE id = $5`,
		string(j.Status), j.FinishedAt, j.FinalOutput, j.ErrorMessage, j.ID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &loom.ErrNotFound{Entity: "job", ID: j.ID}
	}
	return nil
}

const jobColumns = `id, workflow_id, status, started_at, COALESCE(finished_at, 0), COALESCE(final_output, ''), COALESCE(error_message, '')`

func (s *Store) GetJob(ctx context.Context, id string) (loom.Job, error) {
	var j loom.Job
	err := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id,
	).Scan(&j.ID, &j.WorkflowID, &j.Status, &j.StartedAt, &j.FinishedAt, &j.FinalOutput, &j.ErrorMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return loom.Job{}, &loom.ErrNotFound{Entity: "job", ID: id}
	}
	if err != nil {
		return loom.Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context, workflowID string) ([]loom.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE workflow_id = $1 ORDER BY started_at DESC, id DESC`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Store) OldestPendingJob(ctx context.Context, workflowID string) (loom.Job, error) {
	var j loom.Job
	err := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE workflow_id = $1 AND status = $2
		 ORDER BY started_at, id LIMIT 1`,
		workflowID, string(loom.StatusPending),
	).Scan(&j.ID, &j.WorkflowID, &j.Status, &j.StartedAt, &j.FinishedAt, &j.FinalOutput, &j.ErrorMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return loom.Job{}, &loom.ErrNotFound{Entity: "pending job", ID: workflowID}
	}
	if err != nil {
		return loom.Job{}, fmt.Errorf("oldest pending job: %w", err)
	}
	return j, nil
}

func (s *Store) StaleJobs(ctx context.Context, cutoff int64) ([]loom.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN ($1, $2) AND started_at <= $3
		 ORDER BY started_at, id`,
		string(loom.StatusPending), string(loom.StatusRunning), cutoff)
	if err != nil {
		return nil, fmt.Errorf("stale jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Store) RunningCount(ctx context.Context, workflowID string) (int, error) {
	return s.countByStatus(ctx, workflowID, loom.StatusRunning)
}

func (s *Store) PendingCount(ctx context.Context, workflowID string) (int, error) {
	return s.countByStatus(ctx, workflowID, loom.StatusPending)
}

func (s *Store) countByStatus(ctx context.Context, workflowID string, status loom.Status) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE workflow_id = $1 AND status = $2`,
		workflowID, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func (s *Store) InsertJobStep(ctx context.Context, st loom.JobStep) error {
	var snapshot *string
	if len(st.ConfigSnapshot) > 0 {
		v := string(st.ConfigSnapshot)
		snapshot = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_steps (id, job_id, node_id, node_type, status, started_at, finished_at, input_text, output_text, error_message, config_snapshot)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, NULLIF($7, 0), NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), $11)`,
		st.ID, st.JobID, st.NodeID, string(st.NodeType), string(st.Status),
		st.StartedAt, st.FinishedAt, st.InputText, st.OutputText, st.ErrorMessage, snapshot)
	if err != nil {
		return fmt.Errorf("insert job step: %w", err)
	}
	return nil
}

func (s *Store) UpdateJobStep(ctx context.Context, st loom.JobStep) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_steps SET status = $1, finished_at = NULLIF($2, 0), output_text = NULLIF($3, ''), error_message = NULLIF($4, '')
		 WHERE id = $5`,
		string(st.Status), st.FinishedAt, st.OutputText, st.ErrorMessage, st.ID)
	if err != nil {
		return fmt.Errorf("update job step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &loom.ErrNotFound{Entity: "job step", ID: st.ID}
	}
	return nil
}

func (s *Store) GetJobSteps(ctx context.Context, jobID string) ([]loom.JobStep, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, COALESCE(node_id, ''), node_type, status, started_at,
		        COALESCE(finished_at, 0), COALESCE(input_text, ''), COALESCE(output_text, ''),
		        COALESCE(error_message, ''), COALESCE(config_snapshot::text, '')
		 FROM job_steps WHERE job_id = $1
		 ORDER BY started_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job steps: %w", err)
	}
	defer rows.Close()

	var steps []loom.JobStep
	for rows.Next() {
		var st loom.JobStep
		var snapshot string
		if err := rows.Scan(&st.ID, &st.JobID, &st.NodeID, &st.NodeType, &st.Status,
			&st.StartedAt, &st.FinishedAt, &st.InputText, &st.OutputText, &st.ErrorMessage, &snapshot); err != nil {
			return nil, fmt.Errorf("scan job step: %w", err)
		}
		if snapshot != "" {
			st.ConfigSnapshot = []byte(snapshot)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *Store) InsertFile(ctx context.Context, f loom.UploadedFile) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO uploaded_files (id, filename, mime_type, size_bytes, path, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		f.ID, f.Filename, f.MimeType, f.SizeBytes, f.Path, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

func (s *Store) GetFile(ctx context.Context, id string) (loom.UploadedFile, error) {
	var f loom.UploadedFile
	err := s.pool.QueryRow(ctx,
		`SELECT id, filename, mime_type, size_bytes, path, created_at
		 FROM uploaded_files WHERE id = $1`, id,
	).Scan(&f.ID, &f.Filename, &f.MimeType, &f.SizeBytes, &f.Path, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return loom.UploadedFile{}, &loom.ErrNotFound{Entity: "file", ID: id}
	}
	if err != nil {
		return loom.UploadedFile{}, fmt.Errorf("get file: %w", err)
	}
	return f, nil
}

func collectJobs(rows pgx.Rows) ([]loom.Job, error) {
	var jobs []loom.Job
	for rows.Next() {
		var j loom.Job
		if err := rows.Scan(&j.ID, &j.WorkflowID, &j.Status, &j.StartedAt, &j.FinishedAt, &j.FinalOutput, &j.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
