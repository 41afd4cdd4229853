// ABOUTME: Chainable response builders for native capability handlers.
// ABOUTME: Append text/image/blob chunks, then finalize exactly once with Send or Error.

package native

import (
	"sync"

	"github.com/conclave-sh/conclave/internal/capability"
)

// ToolResponse accumulates content for one tool call. Append methods chain;
// Send and Error finalize. Delivery is one-shot: the first finalizer wins and
// later calls are no-ops.
type ToolResponse struct {
	mu         sync.Mutex
	content    []capability.Content
	structured map[string]any

	once sync.Once
	done chan *capability.ToolResult
}

func newToolResponse() *ToolResponse {
	return &ToolResponse{done: make(chan *capability.ToolResult, 1)}
}

// Text appends a text chunk.
func (r *ToolResponse) Text(text string) *ToolResponse {
	r.mu.Lock()
	r.content = append(r.content, capability.TextContent(text))
	r.mu.Unlock()
	return r
}

// Image appends a base64-encoded image chunk.
func (r *ToolResponse) Image(data, mimeType string) *ToolResponse {
	r.mu.Lock()
	r.content = append(r.content, capability.Content{Type: "image", Data: data, MIMEType: mimeType})
	r.mu.Unlock()
	return r
}

// Blob appends a base64-encoded binary chunk.
func (r *ToolResponse) Blob(data, mimeType string) *ToolResponse {
	r.mu.Lock()
	r.content = append(r.content, capability.Content{Type: "blob", Data: data, MIMEType: mimeType})
	r.mu.Unlock()
	return r
}

// Structured sets the structured content payload.
func (r *ToolResponse) Structured(data map[string]any) *ToolResponse {
	r.mu.Lock()
	r.structured = data
	r.mu.Unlock()
	return r
}

// Send finalizes and delivers the accumulated content.
func (r *ToolResponse) Send() {
	r.once.Do(func() {
		r.mu.Lock()
		result := &capability.ToolResult{
			Content:           r.content,
			StructuredContent: r.structured,
		}
		r.mu.Unlock()
		r.done <- result
	})
}

// Error appends the message as a text chunk and finalizes with the error flag
// set. Like Send, it delivers at most once.
func (r *ToolResponse) Error(msg string) {
	r.once.Do(func() {
		r.mu.Lock()
		content := append(r.content, capability.TextContent(msg))
		r.mu.Unlock()
		r.done <- &capability.ToolResult{Content: content, IsError: true}
	})
}

// fail finalizes with an error result without touching accumulated content.
// Used by the runtime for panics and handler faults.
func (r *ToolResponse) fail(msg string) {
	r.once.Do(func() {
		r.done <- capability.ErrorResult(msg)
	})
}

// ResourceResponse accumulates contents for one resource read. Each chunk
// carries the request URI unless overridden with ForURI.
type ResourceResponse struct {
	mu       sync.Mutex
	uri      string
	mimeType string
	contents []capability.ResourceContents

	once sync.Once
	done chan *capability.ResourceResult
	errc chan error
}

func newResourceResponse(uri, mimeType string) *ResourceResponse {
	return &ResourceResponse{
		uri:      uri,
		mimeType: mimeType,
		done:     make(chan *capability.ResourceResult, 1),
		errc:     make(chan error, 1),
	}
}

// ForURI overrides the URI stamped on subsequent chunks.
func (r *ResourceResponse) ForURI(uri string) *ResourceResponse {
	r.mu.Lock()
	r.uri = uri
	r.mu.Unlock()
	return r
}

// Text appends a text chunk.
func (r *ResourceResponse) Text(text string) *ResourceResponse {
	r.mu.Lock()
	r.contents = append(r.contents, capability.ResourceContents{
		URI:      r.uri,
		MIMEType: r.mimeType,
		Text:     text,
	})
	r.mu.Unlock()
	return r
}

// Blob appends a base64-encoded binary chunk.
func (r *ResourceResponse) Blob(data, mimeType string) *ResourceResponse {
	r.mu.Lock()
	r.contents = append(r.contents, capability.ResourceContents{
		URI:      r.uri,
		MIMEType: mimeType,
		Blob:     data,
	})
	r.mu.Unlock()
	return r
}

// Send finalizes and delivers the accumulated contents.
func (r *ResourceResponse) Send() {
	r.once.Do(func() {
		r.mu.Lock()
		result := &capability.ResourceResult{Contents: r.contents}
		r.mu.Unlock()
		r.done <- result
	})
}

// Error finalizes the read with a failure. Resource reads have no in-band
// error channel, so the message surfaces as a Go error to the caller.
func (r *ResourceResponse) Error(err error) {
	r.once.Do(func() {
		r.errc <- err
	})
}

// PromptResponse accumulates messages for one prompt render.
type PromptResponse struct {
	mu          sync.Mutex
	description string
	messages    []capability.PromptMessage

	once sync.Once
	done chan *capability.PromptResult
	errc chan error
}

func newPromptResponse() *PromptResponse {
	return &PromptResponse{
		done: make(chan *capability.PromptResult, 1),
		errc: make(chan error, 1),
	}
}

// Description sets the rendered prompt's description.
func (r *PromptResponse) Description(desc string) *PromptResponse {
	r.mu.Lock()
	r.description = desc
	r.mu.Unlock()
	return r
}

// Text appends a text message for the given role.
func (r *PromptResponse) Text(role, text string) *PromptResponse {
	r.mu.Lock()
	r.messages = append(r.messages, capability.PromptMessage{
		Role:    role,
		Content: capability.TextContent(text),
	})
	r.mu.Unlock()
	return r
}

// Message appends an arbitrary message.
func (r *PromptResponse) Message(role string, content capability.Content) *PromptResponse {
	r.mu.Lock()
	r.messages = append(r.messages, capability.PromptMessage{Role: role, Content: content})
	r.mu.Unlock()
	return r
}

// Send finalizes and delivers the rendered prompt.
func (r *PromptResponse) Send() {
	r.once.Do(func() {
		r.mu.Lock()
		result := &capability.PromptResult{
			Description: r.description,
			Messages:    r.messages,
		}
		r.mu.Unlock()
		r.done <- result
	})
}

// Error finalizes the render with a failure.
func (r *PromptResponse) Error(err error) {
	r.once.Do(func() {
		r.errc <- err
	})
}
