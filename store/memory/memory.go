// Package memory implements loom.Store entirely in process memory.
// Useful for tests and throwaway environments; nothing survives a restart,
// so every job is swept as interrupted on the next boot by definition.
package memory

import (
	"context"
	"sort"
	"sync"

	loom "github.com/loomworks/loom"
)

// Store is an in-memory loom.Store. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	workflows map[string]loom.Workflow
	nodes     map[string]loom.Node
	edges     map[string]loom.Edge
	jobs      map[string]loom.Job
	steps     map[string]loom.JobStep
	files     map[string]loom.UploadedFile

	// insertion counters preserve creation order for equal timestamps
	nodeSeq map[string]int
	edgeSeq map[string]int
	jobSeq  map[string]int
	stepSeq map[string]int
	seq     int
}

var _ loom.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		workflows: make(map[string]loom.Workflow),
		nodes:     make(map[string]loom.Node),
		edges:     make(map[string]loom.Edge),
		jobs:      make(map[string]loom.Job),
		steps:     make(map[string]loom.JobStep),
		files:     make(map[string]loom.UploadedFile),
		nodeSeq:   make(map[string]int),
		edgeSeq:   make(map[string]int),
		jobSeq:    make(map[string]int),
		stepSeq:   make(map[string]int),
	}
}

// Init is a no-op; the zero store is ready.
func (s *Store) Init(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) InsertWorkflow(ctx context.Context, w loom.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[w.ID] = w
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (loom.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return loom.Workflow{}, &loom.ErrNotFound{Entity: "workflow", ID: id}
	}
	return w, nil
}

func (s *Store) InsertNode(ctx context.Context, n loom.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.nodeSeq[n.ID] = s.seq
	s.nodes[n.ID] = n
	return nil
}

func (s *Store) GetNode(ctx context.Context, id string) (loom.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return loom.Node{}, &loom.ErrNotFound{Entity: "node", ID: id}
	}
	return n, nil
}

func (s *Store) ListNodes(ctx context.Context, workflowID string) ([]loom.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var nodes []loom.Node
	for _, n := range s.nodes {
		if n.WorkflowID == workflowID {
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].OrderIndex != nodes[j].OrderIndex {
			return nodes[i].OrderIndex < nodes[j].OrderIndex
		}
		if nodes[i].CreatedAt != nodes[j].CreatedAt {
			return nodes[i].CreatedAt < nodes[j].CreatedAt
		}
		return s.nodeSeq[nodes[i].ID] < s.nodeSeq[nodes[j].ID]
	})
	return nodes, nil
}

func (s *Store) InsertEdge(ctx context.Context, e loom.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.edgeSeq[e.ID] = s.seq
	s.edges[e.ID] = e
	return nil
}

func (s *Store) ListEdges(ctx context.Context, workflowID string) ([]loom.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var edges []loom.Edge
	for _, e := range s.edges {
		if e.WorkflowID == workflowID {
			edges = append(edges, e)
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		return s.edgeSeq[edges[i].ID] < s.edgeSeq[edges[j].ID]
	})
	return edges, nil
}

func (s *Store) InsertJob(ctx context.Context, j loom.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.jobSeq[j.ID] = s.seq
	s.jobs[j.ID] = j
	return nil
}

func (s *Store) UpdateJob(ctx context.Context, j loom.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return &loom.ErrNotFound{Entity: "job", ID: j.ID}
	}
	s.jobs[j.ID] = j
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (loom.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return loom.Job{}, &loom.ErrNotFound{Entity: "job", ID: id}
	}
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context, workflowID string) ([]loom.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []loom.Job
	for _, j := range s.jobs {
		if j.WorkflowID == workflowID {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].StartedAt != jobs[j].StartedAt {
			return jobs[i].StartedAt > jobs[j].StartedAt
		}
		return s.jobSeq[jobs[i].ID] > s.jobSeq[jobs[j].ID]
	})
	return jobs, nil
}

func (s *Store) OldestPendingJob(ctx context.Context, workflowID string) (loom.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest *loom.Job
	for id := range s.jobs {
		j := s.jobs[id]
		if j.WorkflowID != workflowID || j.Status != loom.StatusPending {
			continue
		}
		if oldest == nil ||
			j.StartedAt < oldest.StartedAt ||
			(j.StartedAt == oldest.StartedAt && s.jobSeq[j.ID] < s.jobSeq[oldest.ID]) {
			copied := j
			oldest = &copied
		}
	}
	if oldest == nil {
		return loom.Job{}, &loom.ErrNotFound{Entity: "pending job", ID: workflowID}
	}
	return *oldest, nil
}

func (s *Store) StaleJobs(ctx context.Context, cutoff int64) ([]loom.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []loom.Job
	for _, j := range s.jobs {
		if !j.Status.Terminal() && j.StartedAt <= cutoff {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return s.jobSeq[jobs[i].ID] < s.jobSeq[jobs[j].ID]
	})
	return jobs, nil
}

func (s *Store) RunningCount(ctx context.Context, workflowID string) (int, error) {
	return s.countByStatus(workflowID, loom.StatusRunning), nil
}

func (s *Store) PendingCount(ctx context.Context, workflowID string) (int, error) {
	return s.countByStatus(workflowID, loom.StatusPending), nil
}

func (s *Store) countByStatus(workflowID string, status loom.Status) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, j := range s.jobs {
		if j.WorkflowID == workflowID && j.Status == status {
			n++
		}
	}
	return n
}

func (s *Store) InsertJobStep(ctx context.Context, st loom.JobStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.stepSeq[st.ID] = s.seq
	s.steps[st.ID] = st
	return nil
}

func (s *Store) UpdateJobStep(ctx context.Context, st loom.JobStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.steps[st.ID]; !ok {
		return &loom.ErrNotFound{Entity: "job step", ID: st.ID}
	}
	s.steps[st.ID] = st
	return nil
}

func (s *Store) GetJobSteps(ctx context.Context, jobID string) ([]loom.JobStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var steps []loom.JobStep
	for _, st := range s.steps {
		if st.JobID == jobID {
			steps = append(steps, st)
		}
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].StartedAt != steps[j].StartedAt {
			return steps[i].StartedAt < steps[j].StartedAt
		}
		return s.stepSeq[steps[i].ID] < s.stepSeq[steps[j].ID]
	})
	return steps, nil
}

func (s *Store) InsertFile(ctx context.Context, f loom.UploadedFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[f.ID] = f
	return nil
}

func (s *Store) GetFile(ctx context.Context, id string) (loom.UploadedFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[id]
	if !ok {
		return loom.UploadedFile{}, &loom.ErrNotFound{Entity: "file", ID: id}
	}
	return f, nil
}
