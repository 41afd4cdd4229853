// ABOUTME: Data model for capability providers: tools, resources, templates, prompts.
// ABOUTME: Shared by the registry, router, native runtime, control API, and bridge.

package capability

import (
	"encoding/json"
	"time"
)

// Status describes a provider's connection state.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusConnecting   Status = "connecting"
	StatusDisconnected Status = "disconnected"
	StatusDisabled     Status = "disabled"
	StatusError        Status = "error"
)

// Tool describes a callable tool exposed by a provider.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	// AutoApprove is inherited from the owning server's config and is carried
	// on the descriptor so approval policies can see it per tool.
	AutoApprove bool `json:"autoApprove,omitempty"`
}

// Resource describes a fixed resource with an exact URI.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// ResourceTemplate describes a parameterized resource whose URI contains
// {param} placeholders.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// PromptArgument describes one argument a prompt accepts.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Prompt describes a parameterized prompt exposed by a provider.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// Capabilities is the full capability set of one provider.
type Capabilities struct {
	Tools             []Tool             `json:"tools,omitempty"`
	Resources         []Resource         `json:"resources,omitempty"`
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates,omitempty"`
	Prompts           []Prompt           `json:"prompts,omitempty"`
}

// ServerInfo is a point-in-time snapshot of a registered provider, safe to
// hand to the control API (no handler code, no live session state).
type ServerInfo struct {
	Name         string       `json:"name"`
	DisplayName  string       `json:"displayName,omitempty"`
	Status       Status       `json:"status"`
	Capabilities Capabilities `json:"capabilities"`
	LastStarted  time.Time    `json:"lastStarted,omitzero"`
	Error        string       `json:"error,omitempty"`
}

// Tool returns the named tool descriptor from the snapshot, if present.
func (si *ServerInfo) Tool(name string) (Tool, bool) {
	for _, t := range si.Capabilities.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// Prompt returns the named prompt descriptor from the snapshot, if present.
func (si *ServerInfo) Prompt(name string) (Prompt, bool) {
	for _, p := range si.Capabilities.Prompts {
		if p.Name == name {
			return p, true
		}
	}
	return Prompt{}, false
}

// Content is one chunk of tool or prompt output.
type Content struct {
	Type     string `json:"type"` // "text", "image", or "blob"
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"` // base64 for image/blob
	MIMEType string `json:"mimeType,omitempty"`
}

// TextContent builds a text content chunk.
func TextContent(text string) Content {
	return Content{Type: "text", Text: text}
}

// ResourceContents is one chunk of a resource read result.
type ResourceContents struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"` // base64
}

// PromptMessage is one message of a rendered prompt.
type PromptMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// ToolResult is the outcome of a tool call. Handler-level failures are
// reported with IsError set rather than as Go errors, so consumers can
// render them.
type ToolResult struct {
	Content           []Content      `json:"content"`
	StructuredContent map[string]any `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError,omitempty"`
}

// Text concatenates the result's text chunks.
func (r *ToolResult) Text() string {
	var out string
	for _, c := range r.Content {
		if c.Type == "text" {
			out += c.Text
		}
	}
	return out
}

// ErrorResult builds a ToolResult carrying a single error-flagged text chunk.
func ErrorResult(msg string) *ToolResult {
	return &ToolResult{Content: []Content{TextContent(msg)}, IsError: true}
}

// ResourceResult is the outcome of a resource access.
type ResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// PromptResult is the outcome of a prompt render.
type PromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}
