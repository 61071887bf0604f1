// Package server exposes the workflow engine over HTTP (JSON, UTF-8).
package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"

	loom "github.com/loomworks/loom"
	"github.com/loomworks/loom/extract"
)

// Server routes HTTP requests to the engine. Build one with New and mount
// Handler on an http.Server.
type Server struct {
	store     loom.Store
	scheduler *loom.Scheduler
	files     *extract.Service
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger (default: no output).
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New builds a Server over the engine services.
func New(store loom.Store, scheduler *loom.Scheduler, files *extract.Service, opts ...Option) *Server {
	s := &Server{
		store:     store,
		scheduler: scheduler,
		files:     files,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("POST /workflows/{id}/nodes", s.handleCreateNode)
	mux.HandleFunc("POST /workflows/{id}/edges", s.handleCreateEdge)
	mux.HandleFunc("GET /workflows/{id}/edges", s.handleListEdges)
	mux.HandleFunc("POST /workflows/{id}/run", s.handleRun)
	mux.HandleFunc("GET /workflows/{id}/runs", s.handleListRuns)

	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)

	mux.HandleFunc("POST /files", s.handleUploadFile)
	mux.HandleFunc("GET /files/{id}", s.handleGetFile)

	return withCORS(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	wf := loom.Workflow{ID: loom.NewID(), Name: req.Name, CreatedAt: loom.NowMilli()}
	if err := s.store.InsertWorkflow(r.Context(), wf); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.logger.Info("workflow created", "workflow_id", wf.ID, "name", wf.Name)
	writeJSON(w, http.StatusCreated, map[string]string{"id": wf.ID, "name": wf.Name})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wf, err := s.store.GetWorkflow(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	nodes, err := s.store.ListNodes(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if nodes == nil {
		nodes = []loom.Node{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":    wf.ID,
		"name":  wf.Name,
		"nodes": nodes,
	})
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	if _, err := s.store.GetWorkflow(r.Context(), workflowID); err != nil {
		s.writeEngineError(w, err)
		return
	}

	var req struct {
		NodeType   loom.NodeType   `json:"node_type"`
		Config     json.RawMessage `json:"config"`
		OrderIndex int             `json:"order_index"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.NodeType.Valid() {
		writeError(w, http.StatusBadRequest, "unknown node_type: "+string(req.NodeType))
		return
	}
	if err := loom.ValidateNodeConfig(req.NodeType, req.Config); err != nil {
		s.writeEngineError(w, err)
		return
	}

	n := loom.Node{
		ID:         loom.NewID(),
		WorkflowID: workflowID,
		Type:       req.NodeType,
		Config:     req.Config,
		OrderIndex: req.OrderIndex,
		CreatedAt:  loom.NowMilli(),
	}
	if err := s.store.InsertNode(r.Context(), n); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.logger.Info("node created", "workflow_id", workflowID, "node_id", n.ID, "node_type", n.Type)
	writeJSON(w, http.StatusCreated, map[string]string{
		"message": "node created",
		"node_id": n.ID,
	})
}

func (s *Server) handleCreateEdge(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	if _, err := s.store.GetWorkflow(r.Context(), workflowID); err != nil {
		s.writeEngineError(w, err)
		return
	}

	var req struct {
		FromNodeID string `json:"from_node_id"`
		ToNodeID   string `json:"to_node_id"`
		FromPort   string `json:"from_port"`
		ToPort     string `json:"to_port"`
		Condition  string `json:"condition"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.FromNodeID == "" || req.ToNodeID == "" {
		writeError(w, http.StatusBadRequest, "from_node_id and to_node_id are required")
		return
	}
	if req.FromPort == "" {
		req.FromPort = "output"
	}
	if req.ToPort == "" {
		req.ToPort = "input"
	}

	e := loom.Edge{
		ID:         loom.NewID(),
		WorkflowID: workflowID,
		FromNodeID: req.FromNodeID,
		ToNodeID:   req.ToNodeID,
		FromPort:   req.FromPort,
		ToPort:     req.ToPort,
		Condition:  req.Condition,
		CreatedAt:  loom.NowMilli(),
	}

	// Validate against the snapshot plus the candidate edge. The edge is
	// only persisted if the whole graph stays acyclic.
	nodes, err := s.store.ListNodes(r.Context(), workflowID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	edges, err := s.store.ListEdges(r.Context(), workflowID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if err := loom.NewGraph(nodes, append(edges, e)).Validate(); err != nil {
		s.writeEngineError(w, err)
		return
	}

	if err := s.store.InsertEdge(r.Context(), e); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.logger.Info("edge created",
		"workflow_id", workflowID,
		"from", e.FromNodeID,
		"to", e.ToNodeID)
	writeJSON(w, http.StatusCreated, map[string]string{
		"message": "edge created",
		"edge_id": e.ID,
	})
}

func (s *Server) handleListEdges(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	if _, err := s.store.GetWorkflow(r.Context(), workflowID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	edges, err := s.store.ListEdges(r.Context(), workflowID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if edges == nil {
		edges = []loom.Edge{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"edges": edges})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	job, err := s.scheduler.Submit(r.Context(), workflowID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id":  job.ID,
		"message": "job " + string(job.Status),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	if _, err := s.store.GetWorkflow(r.Context(), workflowID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	jobs, err := s.store.ListJobs(r.Context(), workflowID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if jobs == nil {
		jobs = []loom.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	steps, err := s.store.GetJobSteps(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if steps == nil {
		steps = []loom.JobStep{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            job.ID,
		"workflow_id":   job.WorkflowID,
		"status":        job.Status,
		"started_at":    job.StartedAt,
		"finished_at":   job.FinishedAt,
		"final_output":  job.FinalOutput,
		"error_message": job.ErrorMessage,
		"steps":         steps,
	})
}

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	// The form cap leaves headroom over the PDF cap so oversized uploads
	// reach Save and get the explicit size error instead of a parse error.
	if err := r.ParseMultipartForm(extract.MaxPDFBytes + 1<<20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	if ct := header.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || mt != "application/pdf" {
			writeError(w, http.StatusBadRequest, "unsupported content type "+ct+", expected application/pdf")
			return
		}
	}

	data, err := io.ReadAll(io.LimitReader(file, extract.MaxPDFBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	f, err := s.files.Save(r.Context(), header.Filename, data)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"file_id":  f.ID,
		"filename": f.Filename,
		"message":  "file uploaded",
	})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	f, err := s.files.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// writeEngineError maps engine error kinds to HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case loom.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case loom.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case loom.IsQueueFull(err):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.logger.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

const maxRequestBodyBytes = 1 << 20 // 1MB for JSON bodies

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		return loom.Validationf("failed to read request body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return loom.Validationf("invalid JSON: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// withCORS allows browser clients from any origin. The engine carries no
// cookie-based auth, so a permissive policy is safe here.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
