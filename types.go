package loom

import "encoding/json"

// --- Domain records (database rows) ---

// NodeType discriminates the four node executors.
type NodeType string

const (
	NodeExtractText  NodeType = "extract_text"
	NodeGenerativeAI NodeType = "generative_ai"
	NodeFormatter    NodeType = "formatter"
	NodeAgent        NodeType = "agent"
)

// Valid reports whether t is one of the four supported node types.
func (t NodeType) Valid() bool {
	switch t {
	case NodeExtractText, NodeGenerativeAI, NodeFormatter, NodeAgent:
		return true
	}
	return false
}

// Status is the lifecycle state of a Job or JobStep.
// Transitions are monotone: Pending -> Running -> {Succeeded, Failed}.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusRunning   Status = "Running"
	StatusSucceeded Status = "Succeeded"
	StatusFailed    Status = "Failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Workflow owns nodes and edges. It carries no execution state.
type Workflow struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
}

// Node is one typed transform in a workflow. Config is an opaque JSON record
// whose schema is determined by Type (validated by ValidateNodeConfig).
// OrderIndex is a tiebreaker used only by the linear fallback schedule for
// workflows that predate edges.
type Node struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Type       NodeType        `json:"node_type"`
	Config     json.RawMessage `json:"config"`
	OrderIndex int             `json:"order_index"`
	CreatedAt  int64           `json:"created_at"`
}

// Edge is a directed dependency between two nodes of the same workflow.
// Condition is reserved and ignored by the engine.
type Edge struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	FromNodeID string `json:"from_node_id"`
	ToNodeID   string `json:"to_node_id"`
	FromPort   string `json:"from_port"`
	ToPort     string `json:"to_port"`
	Condition  string `json:"condition,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

// Job is one execution attempt of a workflow. Terminal states set FinishedAt.
type Job struct {
	ID           string `json:"id"`
	WorkflowID   string `json:"workflow_id"`
	Status       Status `json:"status"`
	StartedAt    int64  `json:"started_at"`
	FinishedAt   int64  `json:"finished_at,omitempty"`
	FinalOutput  string `json:"final_output,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// JobStep is one node's execution record within a job. ConfigSnapshot
// captures the node's config at dispatch time so audits stay reproducible
// even if the node is edited later. NodeID may be empty if the node was
// deleted after the run.
type JobStep struct {
	ID             string          `json:"id"`
	JobID          string          `json:"job_id"`
	NodeID         string          `json:"node_id,omitempty"`
	NodeType       NodeType        `json:"node_type"`
	Status         Status          `json:"status"`
	StartedAt      int64           `json:"started_at"`
	FinishedAt     int64           `json:"finished_at,omitempty"`
	InputText      string          `json:"input_text,omitempty"`
	OutputText     string          `json:"output_text,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ConfigSnapshot json.RawMessage `json:"config_snapshot,omitempty"`
}

// UploadedFile references an externally stored blob. The engine treats
// files as read-only after upload.
type UploadedFile struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	Path      string `json:"path"`
	CreatedAt int64  `json:"created_at"`
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// ChatRequest is a single blocking completion request. Temperature, TopP and
// MaxTokens are pointers so "unset" is distinguishable from zero.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type ChatResponse struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// UserMessage builds a user-role chat message.
func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

// SystemMessage builds a system-role chat message.
func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}
