// ABOUTME: In-process capability provider with handler-based tools, resources, and prompts.
// ABOUTME: Handlers receive a request plus a one-shot response builder; panics become error results.

package native

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conclave-sh/conclave/internal/capability"
)

// ErrNotFound indicates the named tool, resource, or prompt is not registered
// on this server.
var ErrNotFound = errors.New("capability not found")

// Request carries the inputs to one handler invocation.
type Request struct {
	Server string
	Tool   string // tool calls
	URI    string // resource reads
	Prompt string // prompt renders

	// Arguments holds tool call arguments.
	Arguments map[string]any
	// Params holds URI template captures for templated resource reads and
	// prompt arguments for prompt renders.
	Params map[string]string
}

// Argument returns a string-typed tool argument, or "" when absent.
func (r *Request) Argument(name string) string {
	if v, ok := r.Arguments[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// ToolHandler serves one tool call. It must finalize the response with Send
// or Error, possibly from another goroutine.
type ToolHandler func(ctx context.Context, req *Request, res *ToolResponse)

// ResourceHandler serves one resource read.
type ResourceHandler func(ctx context.Context, req *Request, res *ResourceResponse)

// PromptHandler serves one prompt render.
type PromptHandler func(ctx context.Context, req *Request, res *PromptResponse)

type toolEntry struct {
	desc    capability.Tool
	handler ToolHandler
}

type resourceEntry struct {
	desc    capability.Resource
	handler ResourceHandler
}

type templateEntry struct {
	desc    capability.ResourceTemplate
	matcher *capability.TemplateMatcher
	handler ResourceHandler
}

type promptEntry struct {
	desc    capability.Prompt
	handler PromptHandler
}

// Changed receives capability-list change notifications from a Server.
type Changed func(tools, resources, prompts bool)

// Server is an in-process capability provider. It satisfies the registry's
// Provider interface without any transport: handlers run in the hub process.
type Server struct {
	name        string
	displayName string

	mu          sync.RWMutex
	tools       map[string]*toolEntry
	toolOrder   []string
	resources   map[string]*resourceEntry
	resOrder    []string
	templates   []*templateEntry
	prompts     map[string]*promptEntry
	promptOrder []string
	started     bool
	lastStarted time.Time
	changed     Changed

	logger *slog.Logger
}

// NewServer creates a native server. The name must already be sanitized.
func NewServer(name, displayName string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		name:        name,
		displayName: displayName,
		tools:       make(map[string]*toolEntry),
		resources:   make(map[string]*resourceEntry),
		prompts:     make(map[string]*promptEntry),
		logger:      logger,
	}
}

// OnChanged installs a capability-list change callback. Registrations after
// this point invoke it.
func (s *Server) OnChanged(fn Changed) {
	s.mu.Lock()
	s.changed = fn
	s.mu.Unlock()
}

func (s *Server) notify(tools, resources, prompts bool) {
	s.mu.RLock()
	fn := s.changed
	s.mu.RUnlock()
	if fn != nil {
		fn(tools, resources, prompts)
	}
}

// Tool registers a tool handler. Re-registering a name replaces the handler.
func (s *Server) Tool(name, description string, inputSchema json.RawMessage, handler ToolHandler) {
	s.mu.Lock()
	if _, exists := s.tools[name]; !exists {
		s.toolOrder = append(s.toolOrder, name)
	}
	s.tools[name] = &toolEntry{
		desc:    capability.Tool{Name: name, Description: description, InputSchema: inputSchema},
		handler: handler,
	}
	s.mu.Unlock()
	s.notify(true, false, false)
}

// Resource registers a fixed-URI resource handler.
func (s *Server) Resource(uri, name, description, mimeType string, handler ResourceHandler) {
	s.mu.Lock()
	if _, exists := s.resources[uri]; !exists {
		s.resOrder = append(s.resOrder, uri)
	}
	s.resources[uri] = &resourceEntry{
		desc:    capability.Resource{URI: uri, Name: name, Description: description, MIMEType: mimeType},
		handler: handler,
	}
	s.mu.Unlock()
	s.notify(false, true, false)
}

// ResourceTemplate registers a parameterized resource handler. Templates are
// consulted in registration order after exact URIs fail to match.
func (s *Server) ResourceTemplate(uriTemplate, name, description, mimeType string, handler ResourceHandler) error {
	matcher, err := capability.CompileTemplate(uriTemplate)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.templates = append(s.templates, &templateEntry{
		desc: capability.ResourceTemplate{
			URITemplate: uriTemplate,
			Name:        name,
			Description: description,
			MIMEType:    mimeType,
		},
		matcher: matcher,
		handler: handler,
	})
	s.mu.Unlock()
	s.notify(false, true, false)
	return nil
}

// Prompt registers a prompt handler.
func (s *Server) Prompt(name, description string, args []capability.PromptArgument, handler PromptHandler) {
	s.mu.Lock()
	if _, exists := s.prompts[name]; !exists {
		s.promptOrder = append(s.promptOrder, name)
	}
	s.prompts[name] = &promptEntry{
		desc:    capability.Prompt{Name: name, Description: description, Arguments: args},
		handler: handler,
	}
	s.mu.Unlock()
	s.notify(false, false, true)
}

// Name implements the provider interface.
func (s *Server) Name() string { return s.name }

// Describe implements the provider interface.
func (s *Server) Describe() capability.ServerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	caps := capability.Capabilities{}
	for _, name := range s.toolOrder {
		caps.Tools = append(caps.Tools, s.tools[name].desc)
	}
	for _, uri := range s.resOrder {
		caps.Resources = append(caps.Resources, s.resources[uri].desc)
	}
	for _, t := range s.templates {
		caps.ResourceTemplates = append(caps.ResourceTemplates, t.desc)
	}
	for _, name := range s.promptOrder {
		caps.Prompts = append(caps.Prompts, s.prompts[name].desc)
	}

	status := capability.StatusConnected
	if !s.started {
		status = capability.StatusDisconnected
	}
	return capability.ServerInfo{
		Name:         s.name,
		DisplayName:  s.displayName,
		Status:       status,
		Capabilities: caps,
		LastStarted:  s.lastStarted,
	}
}

// Start marks the server available. Native servers have no transport to open.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.lastStarted = time.Now()
	s.mu.Unlock()
	return nil
}

// Stop marks the server unavailable.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	return nil
}

// CallTool runs the named tool handler and waits for its one-shot delivery.
// A panicking handler yields an error-flagged result, not a crash.
func (s *Server) CallTool(ctx context.Context, tool string, args map[string]any) (*capability.ToolResult, error) {
	s.mu.RLock()
	entry, ok := s.tools[tool]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tool %q on server %q", ErrNotFound, tool, s.name)
	}

	req := &Request{Server: s.name, Tool: tool, Arguments: args}
	res := newToolResponse()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("tool handler panicked", "server", s.name, "tool", tool, "panic", r)
				res.fail(fmt.Sprintf("tool handler panicked: %v", r))
			}
		}()
		entry.handler(ctx, req, res)
	}()

	select {
	case result := <-res.done:
		return result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("calling tool %q: %w", tool, ctx.Err())
	}
}

// ReadResource resolves the URI against exact registrations first, then
// templates in registration order, and runs the matching handler.
func (s *Server) ReadResource(ctx context.Context, uri string, params map[string]string) (*capability.ResourceResult, error) {
	s.mu.RLock()
	var handler ResourceHandler
	var mimeType string
	if entry, ok := s.resources[uri]; ok {
		handler = entry.handler
		mimeType = entry.desc.MIMEType
	} else {
		for _, t := range s.templates {
			if captures, ok := t.matcher.Match(uri); ok {
				handler = t.handler
				mimeType = t.desc.MIMEType
				// Merge into a fresh map; the caller's map stays untouched.
				merged := make(map[string]string, len(params)+len(captures))
				for k, v := range captures {
					merged[k] = v
				}
				for k, v := range params {
					merged[k] = v
				}
				params = merged
				break
			}
		}
	}
	s.mu.RUnlock()

	if handler == nil {
		return nil, fmt.Errorf("%w: resource %q on server %q", ErrNotFound, uri, s.name)
	}

	req := &Request{Server: s.name, URI: uri, Params: params}
	res := newResourceResponse(uri, mimeType)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("resource handler panicked", "server", s.name, "uri", uri, "panic", r)
				res.Error(fmt.Errorf("resource handler panicked: %v", r))
			}
		}()
		handler(ctx, req, res)
	}()

	select {
	case result := <-res.done:
		return result, nil
	case err := <-res.errc:
		return nil, err
	case <-ctx.Done():
		return nil, fmt.Errorf("reading resource %q: %w", uri, ctx.Err())
	}
}

// GetPrompt runs the named prompt handler.
func (s *Server) GetPrompt(ctx context.Context, name string, args map[string]string) (*capability.PromptResult, error) {
	s.mu.RLock()
	entry, ok := s.prompts[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: prompt %q on server %q", ErrNotFound, name, s.name)
	}

	req := &Request{Server: s.name, Prompt: name, Params: args}
	res := newPromptResponse()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("prompt handler panicked", "server", s.name, "prompt", name, "panic", r)
				res.Error(fmt.Errorf("prompt handler panicked: %v", r))
			}
		}()
		entry.handler(ctx, req, res)
	}()

	select {
	case result := <-res.done:
		return result, nil
	case err := <-res.errc:
		return nil, err
	case <-ctx.Done():
		return nil, fmt.Errorf("rendering prompt %q: %w", name, ctx.Err())
	}
}
