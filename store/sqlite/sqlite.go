// Package sqlite implements loom.Store using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	loom "github.com/loomworks/loom"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for operations including timing and
// key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements loom.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ loom.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			node_type TEXT NOT NULL,
			config TEXT NOT NULL,
			order_index INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS edges (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			from_node_id TEXT NOT NULL,
			to_node_id TEXT NOT NULL,
			from_port TEXT NOT NULL DEFAULT 'output',
			to_port TEXT NOT NULL DEFAULT 'input',
			condition TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			final_output TEXT,
			error_message TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS job_steps (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			node_id TEXT,
			node_type TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			input_text TEXT,
			output_text TEXT,
			error_message TEXT,
			config_snapshot TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS uploaded_files (
			id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			path TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_nodes_workflow ON nodes(workflow_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_edges_workflow ON edges(workflow_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_jobs_workflow ON jobs(workflow_id, status)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_job_steps_job ON job_steps(job_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// InsertWorkflow stores a new workflow.
func (s *Store) InsertWorkflow(ctx context.Context, w loom.Workflow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, created_at) VALUES (?, ?, ?)`,
		w.ID, w.Name, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	s.logger.Debug("sqlite: workflow inserted", "id", w.ID, "name", w.Name)
	return nil
}

// GetWorkflow returns one workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (loom.Workflow, error) {
	var w loom.Workflow
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM workflows WHERE id = ?`, id,
	).Scan(&w.ID, &w.Name, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return loom.Workflow{}, &loom.ErrNotFound{Entity: "workflow", ID: id}
	}
	if err != nil {
		return loom.Workflow{}, fmt.Errorf("get workflow: %w", err)
	}
	return w, nil
}

// InsertNode stores a new node.
func (s *Store) InsertNode(ctx context.Context, n loom.Node) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (id, workflow_id, node_type, config, order_index, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.WorkflowID, string(n.Type), string(n.Config), n.OrderIndex, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	s.logger.Debug("sqlite: node inserted", "id", n.ID, "workflow_id", n.WorkflowID, "type", n.Type)
	return nil
}

// GetNode returns one node by id.
func (s *Store) GetNode(ctx context.Context, id string) (loom.Node, error) {
	var n loom.Node
	var config string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, node_type, config, order_index, created_at
		 FROM nodes WHERE id = ?`, id,
	).Scan(&n.ID, &n.WorkflowID, &n.Type, &config, &n.OrderIndex, &n.CreatedAt)
	if err == sql.ErrNoRows {
		return loom.Node{}, &loom.ErrNotFound{Entity: "node", ID: id}
	}
	if err != nil {
		return loom.Node{}, fmt.Errorf("get node: %w", err)
	}
	n.Config = []byte(config)
	return n, nil
}

// ListNodes returns a workflow's nodes ordered by order_index, created_at.
func (s *Store) ListNodes(ctx context.Context, workflowID string) ([]loom.Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, node_type, config, order_index, created_at
		 FROM nodes
		 WHERE workflow_id = ?
		 ORDER BY order_index, created_at, id`,
		workflowID,
	)
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

// InsertEdge stores a new edge.
func (s *Store) InsertEdge(ctx context.Context, e loom.Edge) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO edges (id, workflow_id, from_node_id, to_node_id, from_port, to_port, condition, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.WorkflowID, e.FromNodeID, e.ToNodeID, e.FromPort, e.ToPort, nullable(e.Condition), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert edge: %w", err)
	}
	s.logger.Debug("sqlite: edge inserted", "id", e.ID, "from", e.FromNodeID, "to", e.ToNodeID)
	return nil
}

// ListEdges returns a workflow's edges ordered by created_at.
func (s *Store) ListEdges(ctx context.Context, workflowID string) ([]loom.Edge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, from_node_id, to_node_id, from_port, to_port, condition, created_at
		 FROM edges
		 WHERE workflow_id = ?
		 ORDER BY created_at, id`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	var edges []loom.Edge
	for rows.Next() {
		var e loom.Edge
		var condition sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.FromNodeID, &e.ToNodeID, &e.FromPort, &e.ToPort, &condition, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.Condition = condition.String
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// InsertJob stores a new job.
func (s *Store) InsertJob(ctx context.Context, j loom.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, workflow_id, status, started_at, finished_at, final_output, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.WorkflowID, string(j.Status), j.StartedAt, nullableInt(j.FinishedAt), nullable(j.FinalOutput), nullable(j.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	s.logger.Debug("sqlite: job inserted", "id", j.ID, "workflow_id", j.WorkflowID, "status", j.Status)
	return nil
}

// UpdateJob replaces a job's mutable columns.
func (s *Store) UpdateJob(ctx context.Context, j loom.Job) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, finished_at = ?, final_output = ?, error_message = ? WHERE id = ?`,
		string(j.Status), nullableInt(j.FinishedAt), nullable(j.FinalOutput), nullable(j.ErrorMessage), j.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &loom.ErrNotFound{Entity: "job", ID: j.ID}
	}
	s.logger.Debug("sqlite: job updated", "id", j.ID, "status", j.Status)
	return nil
}

// GetJob returns one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (loom.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, status, started_at, finished_at, final_output, error_message
		 FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return loom.Job{}, &loom.ErrNotFound{Entity: "job", ID: id}
	}
	if err != nil {
		return loom.Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a workflow's jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, workflowID string) ([]loom.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, status, started_at, finished_at, final_output, error_message
		 FROM jobs
		 WHERE workflow_id = ?
		 ORDER BY started_at DESC, id DESC`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []loom.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// OldestPendingJob returns the FIFO head of a workflow's pending queue.
func (s *Store) OldestPendingJob(ctx context.Context, workflowID string) (loom.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, status, started_at, finished_at, final_output, error_message
		 FROM jobs
		 WHERE workflow_id = ? AND status = ?
		 ORDER BY started_at, id
		 LIMIT 1`,
		workflowID, string(loom.StatusPending))
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return loom.Job{}, &loom.ErrNotFound{Entity: "pending job", ID: workflowID}
	}
	if err != nil {
		return loom.Job{}, fmt.Errorf("oldest pending job: %w", err)
	}
	return j, nil
}

// StaleJobs returns non-terminal jobs started before cutoff.
func (s *Store) StaleJobs(ctx context.Context, cutoff int64) ([]loom.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, status, started_at, finished_at, final_output, error_message
		 FROM jobs
		 WHERE status IN (?, ?) AND started_at <= ?
		 ORDER BY started_at, id`,
		string(loom.StatusPending), string(loom.StatusRunning), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []loom.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// RunningCount returns the number of Running jobs for a workflow.
func (s *Store) RunningCount(ctx context.Context, workflowID string) (int, error) {
	return s.countByStatus(ctx, workflowID, loom.StatusRunning)
}

// PendingCount returns the number of Pending jobs for a workflow.
func (s *Store) PendingCount(ctx context.Context, workflowID string) (int, error) {
	return s.countByStatus(ctx, workflowID, loom.StatusPending)
}

func (s *Store) countByStatus(ctx context.Context, workflowID string, status loom.Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE workflow_id = ? AND status = ?`,
		workflowID, string(status),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// InsertJobStep stores a new step record.
func (s *Store) InsertJobStep(ctx context.Context, st loom.JobStep) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_steps (id, job_id, node_id, node_type, status, started_at, finished_at, input_text, output_text, error_message, config_snapshot)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.JobID, nullable(st.NodeID), string(st.NodeType), string(st.Status),
		st.StartedAt, nullableInt(st.FinishedAt),
		nullable(st.InputText), nullable(st.OutputText), nullable(st.ErrorMessage),
		nullable(string(st.ConfigSnapshot)),
	)
	if err != nil {
		return fmt.Errorf("insert job step: %w", err)
	}
	return nil
}

// UpdateJobStep replaces a step's mutable columns.
func (s *Store) UpdateJobStep(ctx context.Context, st loom.JobStep) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_steps SET status = ?, finished_at = ?, output_text = ?, error_message = ? WHERE id = ?`,
		string(st.Status), nullableInt(st.FinishedAt), nullable(st.OutputText), nullable(st.ErrorMessage), st.ID,
	)
	if err != nil {
		return fmt.Errorf("update job step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &loom.ErrNotFound{Entity: "job step", ID: st.ID}
	}
	return nil
}

// GetJobSteps returns a job's steps ordered by started_at, id.
func (s *Store) GetJobSteps(ctx context.Context, jobID string) ([]loom.JobStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, node_id, node_type, status, started_at, finished_at, input_text, output_text, error_message, config_snapshot
		 FROM job_steps
		 WHERE job_id = ?
		 ORDER BY started_at, id`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("get job steps: %w", err)
	}
	defer rows.Close()

	var steps []loom.JobStep
	for rows.Next() {
		var st loom.JobStep
		var nodeID, input, output, errMsg, snapshot sql.NullString
		var finished sql.NullInt64
		if err := rows.Scan(&st.ID, &st.JobID, &nodeID, &st.NodeType, &st.Status,
			&st.StartedAt, &finished, &input, &output, &errMsg, &snapshot); err != nil {
			return nil, fmt.Errorf("scan job step: %w", err)
		}
		st.NodeID = nodeID.String
		st.FinishedAt = finished.Int64
		st.InputText = input.String
		st.OutputText = output.String
		st.ErrorMessage = errMsg.String
		if snapshot.Valid {
			st.ConfigSnapshot = []byte(snapshot.String)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// InsertFile stores an uploaded file record.
func (s *Store) InsertFile(ctx context.Context, f loom.UploadedFile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uploaded_files (id, filename, mime_type, size_bytes, path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, f.Filename, f.MimeType, f.SizeBytes, f.Path, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	s.logger.Debug("sqlite: file inserted", "id", f.ID, "filename", f.Filename, "size", f.SizeBytes)
	return nil
}

// GetFile returns one uploaded file record by id.
func (s *Store) GetFile(ctx context.Context, id string) (loom.UploadedFile, error) {
	var f loom.UploadedFile
	err := s.db.QueryRowContext(ctx,
		`SELECT id, filename, mime_type, size_bytes, path, created_at
		 FROM uploaded_files WHERE id = ?`, id,
	).Scan(&f.ID, &f.Filename, &f.MimeType, &f.SizeBytes, &f.Path, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return loom.UploadedFile{}, &loom.ErrNotFound{Entity: "file", ID: id}
	}
	if err != nil {
		return loom.UploadedFile{}, fmt.Errorf("get file: %w", err)
	}
	return f, nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (loom.Job, error) {
	var j loom.Job
	var finished sql.NullInt64
	var output, errMsg sql.NullString
	if err := row.Scan(&j.ID, &j.WorkflowID, &j.Status, &j.StartedAt, &finished, &output, &errMsg); err != nil {
		return loom.Job{}, err
	}
	j.FinishedAt = finished.Int64
	j.FinalOutput = output.String
	j.ErrorMessage = errMsg.String
	return j, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}
