package loom

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
)

// memStore is an in-memory Store for engine tests.
type memStore struct {
	mu        sync.RWMutex
	workflows map[string]Workflow
	nodes     map[string]Node
	edges     map[string]Edge
	jobs      map[string]Job
	steps     map[string]JobStep
	files     map[string]UploadedFile
	seq       int
	order     map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		workflows: make(map[string]Workflow),
		nodes:     make(map[string]Node),
		edges:     make(map[string]Edge),
		jobs:      make(map[string]Job),
		steps:     make(map[string]JobStep),
		files:     make(map[string]UploadedFile),
		order:     make(map[string]int),
	}
}

var _ Store = (*memStore)(nil)

func (s *memStore) Init(ctx context.Context) error { return nil }
func (s *memStore) Close() error                   { return nil }

func (s *memStore) InsertWorkflow(ctx context.Context, w Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[w.ID] = w
	return nil
}

func (s *memStore) GetWorkflow(ctx context.Context, id string) (Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return Workflow{}, &ErrNotFound{Entity: "workflow", ID: id}
	}
	return w, nil
}

func (s *memStore) InsertNode(ctx context.Context, n Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.order[n.ID] = s.seq
	s.nodes[n.ID] = n
	return nil
}

func (s *memStore) GetNode(ctx context.Context, id string) (Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return Node{}, &ErrNotFound{Entity: "node", ID: id}
	}
	return n, nil
}

func (s *memStore) ListNodes(ctx context.Context, workflowID string) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var nodes []Node
	for _, n := range s.nodes {
		if n.WorkflowID == workflowID {
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].OrderIndex != nodes[j].OrderIndex {
			return nodes[i].OrderIndex < nodes[j].OrderIndex
		}
		return s.order[nodes[i].ID] < s.order[nodes[j].ID]
	})
	return nodes, nil
}

func (s *memStore) InsertEdge(ctx context.Context, e Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.order[e.ID] = s.seq
	s.edges[e.ID] = e
	return nil
}

func (s *memStore) ListEdges(ctx context.Context, workflowID string) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var edges []Edge
	for _, e := range s.edges {
		if e.WorkflowID == workflowID {
			edges = append(edges, e)
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		return s.order[edges[i].ID] < s.order[edges[j].ID]
	})
	return edges, nil
}

func (s *memStore) InsertJob(ctx context.Context, j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.order[j.ID] = s.seq
	s.jobs[j.ID] = j
	return nil
}

func (s *memStore) UpdateJob(ctx context.Context, j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return &ErrNotFound{Entity: "job", ID: j.ID}
	}
	s.jobs[j.ID] = j
	return nil
}

func (s *memStore) GetJob(ctx context.Context, id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, &ErrNotFound{Entity: "job", ID: id}
	}
	return j, nil
}

func (s *memStore) ListJobs(ctx context.Context, workflowID string) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []Job
	for _, j := range s.jobs {
		if j.WorkflowID == workflowID {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return s.order[jobs[i].ID] > s.order[jobs[j].ID]
	})
	return jobs, nil
}

func (s *memStore) OldestPendingJob(ctx context.Context, workflowID string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest *Job
	for id := range s.jobs {
		j := s.jobs[id]
		if j.WorkflowID != workflowID || j.Status != StatusPending {
			continue
		}
		if oldest == nil || s.order[j.ID] < s.order[oldest.ID] {
			copied := j
			oldest = &copied
		}
	}
	if oldest == nil {
		return Job{}, &ErrNotFound{Entity: "pending job", ID: workflowID}
	}
	return *oldest, nil
}

func (s *memStore) StaleJobs(ctx context.Context, cutoff int64) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []Job
	for _, j := range s.jobs {
		if !j.Status.Terminal() && j.StartedAt <= cutoff {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return s.order[jobs[i].ID] < s.order[jobs[j].ID]
	})
	return jobs, nil
}

func (s *memStore) RunningCount(ctx context.Context, workflowID string) (int, error) {
	return s.count(workflowID, StatusRunning), nil
}

func (s *memStore) PendingCount(ctx context.Context, workflowID string) (int, error) {
	return s.count(workflowID, StatusPending), nil
}

func (s *memStore) count(workflowID string, status Status) int {
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

func (s *memStore) InsertJobStep(ctx context.Context, st JobStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.order[st.ID] = s.seq
	s.steps[st.ID] = st
	return nil
}

func (s *memStore) UpdateJobStep(ctx context.Context, st JobStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.steps[st.ID]; !ok {
		return &ErrNotFound{Entity: "job step", ID: st.ID}
	}
	s.steps[st.ID] = st
	return nil
}

func (s *memStore) GetJobSteps(ctx context.Context, jobID string) ([]JobStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var steps []JobStep
	for _, st := range s.steps {
		if st.JobID == jobID {
			steps = append(steps, st)
		}
	}
	sort.Slice(steps, func(i, j int) bool {
		return s.order[steps[i].ID] < s.order[steps[j].ID]
	})
	return steps, nil
}

func (s *memStore) InsertFile(ctx context.Context, f UploadedFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[f.ID] = f
	return nil
}

func (s *memStore) GetFile(ctx context.Context, id string) (UploadedFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[id]
	if !ok {
		return UploadedFile{}, &ErrNotFound{Entity: "file", ID: id}
	}
	return f, nil
}

// scriptedProvider returns canned responses in order and records requests.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []ChatResponse
	errs      []error
	requests  []ChatRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	i := len(p.requests) - 1
	var err error
	if i < len(p.errs) {
		err = p.errs[i]
	}
	if err != nil {
		return ChatResponse{}, err
	}
	if i < len(p.responses) {
		return p.responses[i], nil
	}
	if len(p.responses) > 0 {
		return p.responses[len(p.responses)-1], nil
	}
	return ChatResponse{Content: "ok"}, nil
}

func (p *scriptedProvider) recorded() []ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ChatRequest(nil), p.requests...)
}

func texts(responses ...string) []ChatResponse {
	out := make([]ChatResponse, len(responses))
	for i, r := range responses {
		out[i] = ChatResponse{Content: r}
	}
	return out
}

// stubExtractor returns fixed text per file id.
type stubExtractor struct {
	texts map[string]string
}

func (e *stubExtractor) ExtractText(ctx context.Context, fileID string) (string, error) {
	if t, ok := e.texts[fileID]; ok {
		return t, nil
	}
	return "", &ErrNotFound{Entity: "file", ID: fileID}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	return data
}

func formatterNode(t *testing.T, id, workflowID string, rules ...string) Node {
	t.Helper()
	if rules == nil {
		rules = []string{}
	}
	return Node{
		ID:         id,
		WorkflowID: workflowID,
		Type:       NodeFormatter,
		Config:     mustJSON(t, map[string]any{"rules": rules}),
	}
}

func edge(id, workflowID, from, to string) Edge {
	return Edge{
		ID:         id,
		WorkflowID: workflowID,
		FromNodeID: from,
		ToNodeID:   to,
		FromPort:   "output",
		ToPort:     "input",
	}
}
