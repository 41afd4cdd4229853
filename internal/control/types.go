// ABOUTME: Wire types for the hub control API, shared by server and client.
// ABOUTME: Call endpoints use a {result}-or-{error} envelope.

package control

import (
	"github.com/conclave-sh/conclave/internal/capability"
)

// CallToolRequest is the JSON request body for POST /api/tools/call.
type CallToolRequest struct {
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Caller    string         `json:"caller,omitempty"`
}

// CallToolResponse is the envelope for POST /api/tools/call.
type CallToolResponse struct {
	Result *capability.ToolResult `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// AccessResourceRequest is the JSON request body for POST /api/resources/access.
type AccessResourceRequest struct {
	Server string `json:"server"`
	URI    string `json:"uri"`
	Caller string `json:"caller,omitempty"`
}

// AccessResourceResponse is the envelope for POST /api/resources/access.
type AccessResourceResponse struct {
	Result *capability.ResourceResult `json:"result,omitempty"`
	Error  string                     `json:"error,omitempty"`
}

// GetPromptRequest is the JSON request body for POST /api/prompts/get.
type GetPromptRequest struct {
	Server    string            `json:"server"`
	Prompt    string            `json:"prompt"`
	Arguments map[string]string `json:"arguments,omitempty"`
	Caller    string            `json:"caller,omitempty"`
}

// GetPromptResponse is the envelope for POST /api/prompts/get.
type GetPromptResponse struct {
	Result *capability.PromptResult `json:"result,omitempty"`
	Error  string                   `json:"error,omitempty"`
}

// ListServersResponse is the JSON response for GET /api/servers.
type ListServersResponse struct {
	Servers []capability.ServerInfo `json:"servers"`
}

// AnswerApprovalRequest is the JSON request body for POST /api/approvals/{id}.
type AnswerApprovalRequest struct {
	Approve bool `json:"approve"`
}

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	PID    int    `json:"pid"`
	Cwd    string `json:"cwd,omitempty"`
}
