package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	loom "github.com/loomworks/loom"
	"github.com/loomworks/loom/extract"
	"github.com/loomworks/loom/store/memory"
)

type stubProvider struct{}

func (stubProvider) Name() string { return "stub" }
func (stubProvider) Chat(ctx context.Context, req loom.ChatRequest) (loom.ChatResponse, error) {
	return loom.ChatResponse{Content: "stub output"}, nil
}

type env struct {
	store  *memory.Store
	server *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.New()
	files, err := extract.New(store, t.TempDir())
	if err != nil {
		t.Fatalf("extract.New: %v", err)
	}
	exec := loom.NewExecutors(files, stubProvider{})
	runner := loom.NewRunner(store, exec)
	sched := loom.NewScheduler(store, runner)
	srv := httptest.NewServer(New(store, sched, files).Handler())
	t.Cleanup(srv.Close)
	return &env{store: store, server: srv}
}

func (e *env) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *env) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (e *env) createWorkflow(t *testing.T, name string) string {
	t.Helper()
	resp := e.post(t, "/workflows", map[string]string{"name": name})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create workflow: status %d", resp.StatusCode)
	}
	return decode[map[string]string](t, resp)["id"]
}

func (e *env) createNode(t *testing.T, workflowID string, nodeType string, config map[string]any) string {
	t.Helper()
	resp := e.post(t, "/workflows/"+workflowID+"/nodes", map[string]any{
		"node_type": nodeType,
		"config":    config,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create node: status %d", resp.StatusCode)
	}
	return decode[map[string]string](t, resp)["node_id"]
}

func formatterConfig() map[string]any {
	return map[string]any{"rules": []string{"lowercase"}}
}

func TestCreateAndGetWorkflow(t *testing.T) {
	e := newEnv(t)
	id := e.createWorkflow(t, "pipeline")

	resp := e.get(t, "/workflows/"+id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["name"] != "pipeline" {
		t.Errorf("name = %v", body["name"])
	}
}

func TestGetWorkflowNotFound(t *testing.T) {
	e := newEnv(t)
	resp := e.get(t, "/workflows/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreateWorkflowRequiresName(t *testing.T) {
	e := newEnv(t)
	resp := e.post(t, "/workflows", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreateNodeRejectsBadConfig(t *testing.T) {
	e := newEnv(t)
	id := e.createWorkflow(t, "wf")

	resp := e.post(t, "/workflows/"+id+"/nodes", map[string]any{
		"node_type": "generative_ai",
		"config":    map[string]any{"model": "not-a-model", "prompt": "hi"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreateNodeRejectsUnknownType(t *testing.T) {
	e := newEnv(t)
	id := e.createWorkflow(t, "wf")

	resp := e.post(t, "/workflows/"+id+"/nodes", map[string]any{
		"node_type": "teleport",
		"config":    map[string]any{},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

// Adding an edge that would close a cycle is refused and leaves the edge
// set unchanged.
func TestCycleRejected(t *testing.T) {
	e := newEnv(t)
	wf := e.createWorkflow(t, "cyclic")

	a := e.createNode(t, wf, "formatter", formatterConfig())
	b := e.createNode(t, wf, "formatter", formatterConfig())
	c := e.createNode(t, wf, "formatter", formatterConfig())

	for _, pair := range [][2]string{{a, b}, {b, c}} {
		resp := e.post(t, "/workflows/"+wf+"/edges", map[string]string{
			"from_node_id": pair[0], "to_node_id": pair[1],
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("edge %v: status %d", pair, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp := e.post(t, "/workflows/"+wf+"/edges", map[string]string{
		"from_node_id": c, "to_node_id": a,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("closing edge: status %d, want 400", resp.StatusCode)
	}
	errBody := decode[map[string]string](t, resp)
	if !strings.Contains(errBody["error"], "cycle") {
		t.Errorf("error = %q, want cycle mention", errBody["error"])
	}

	listResp := e.get(t, "/workflows/"+wf+"/edges")
	edges := decode[map[string][]loom.Edge](t, listResp)["edges"]
	if len(edges) != 2 {
		t.Errorf("edges = %d, want 2 (unchanged)", len(edges))
	}
}

func TestEdgeRejectsBadReference(t *testing.T) {
	e := newEnv(t)
	wf := e.createWorkflow(t, "wf")
	a := e.createNode(t, wf, "formatter", formatterConfig())

	resp := e.post(t, "/workflows/"+wf+"/edges", map[string]string{
		"from_node_id": a, "to_node_id": "ghost",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRunQueueFull(t *testing.T) {
	e := newEnv(t)
	wf := e.createWorkflow(t, "busy")
	ctx := context.Background()

	// Saturate both caps directly in the repository.
	for i := 0; i < loom.MaxRunningPerWorkflow; i++ {
		e.store.InsertJob(ctx, loom.Job{
			ID: fmt.Sprintf("run-%d", i), WorkflowID: wf,
			Status: loom.StatusRunning, StartedAt: int64(i),
		})
	}
	for i := 0; i < loom.MaxPendingPerWorkflow; i++ {
		e.store.InsertJob(ctx, loom.Job{
			ID: fmt.Sprintf("pend-%d", i), WorkflowID: wf,
			Status: loom.StatusPending, StartedAt: int64(100 + i),
		})
	}

	resp := e.post(t, "/workflows/"+wf+"/run", nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRunUnknownWorkflow(t *testing.T) {
	e := newEnv(t)
	resp := e.post(t, "/workflows/ghost/run", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestGetJobNotFound(t *testing.T) {
	e := newEnv(t)
	resp := e.get(t, "/jobs/ghost")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func uploadPDF(t *testing.T, e *env, filename string, data []byte) *http.Response {
	return uploadFile(t, e, filename, "application/pdf", data)
}

func uploadFile(t *testing.T, e *env, filename, contentType string, data []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", contentType)
	fw, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("create form part: %v", err)
	}
	fw.Write(data)
	mw.Close()

	resp, err := http.Post(e.server.URL+"/files", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST /files: %v", err)
	}
	return resp
}

func TestUploadRejectsNonPDF(t *testing.T) {
	e := newEnv(t)
	resp := uploadPDF(t, e, "notes.txt", []byte("plain text"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestUploadRejectsMismatchedContentType(t *testing.T) {
	e := newEnv(t)
	// The bytes look like a PDF; the declared type is what gets rejected.
	resp := uploadFile(t, e, "doc.pdf", "text/plain", []byte("%PDF-1.4 stub"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if !strings.Contains(body["error"], "content type") {
		t.Errorf("error = %q, want content type rejection", body["error"])
	}
}

func TestUploadRequiresFileField(t *testing.T) {
	e := newEnv(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("other", "value")
	mw.Close()

	resp, err := http.Post(e.server.URL+"/files", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST /files: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestGetFileNotFound(t *testing.T) {
	e := newEnv(t)
	resp := e.get(t, "/files/ghost")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCORSPreflight(t *testing.T) {
	e := newEnv(t)
	req, _ := http.NewRequest(http.MethodOptions, e.server.URL+"/workflows", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}
