// ABOUTME: Dispatch router: resolves namespaced capability calls to providers.
// ABOUTME: Enforces connection status, approval policy, timeouts, and one-shot delivery.

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conclave-sh/conclave/internal/approval"
	"github.com/conclave-sh/conclave/internal/capability"
	"github.com/conclave-sh/conclave/internal/registry"
)

// ErrNotFound indicates an unknown server, tool, resource URI, or prompt.
var ErrNotFound = errors.New("not found")

// ErrNotConnected indicates the server exists but is not in connected status.
var ErrNotConnected = errors.New("server not connected")

// DefaultCallTimeout bounds a single capability call.
const DefaultCallTimeout = 60 * time.Second

// DeniedError carries an approval denial. The reason travels verbatim to the
// caller; bridged clients render it unmodified.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string { return e.Reason }

func (e *DeniedError) Unwrap() error {
	if e.Reason == "Approval timeout" {
		return approval.ErrTimeout
	}
	return approval.ErrDenied
}

// CallOptions tunes one dispatch. The zero value uses defaults: no custom
// policy, DefaultCallTimeout, anonymous caller.
type CallOptions struct {
	// Caller identifies who initiated the call (ui, bridge, chat). Used for
	// attribution and audit only, never for trust decisions.
	Caller string
	// Decide, when set, is the caller-supplied approval policy for this
	// invocation context.
	Decide approval.PolicyFunc
	// Timeout bounds the call; zero means DefaultCallTimeout.
	Timeout time.Duration
}

// CallRecord is one audited dispatch.
type CallRecord struct {
	Caller   string
	Server   string
	Action   string // use_tool, access_resource, get_prompt
	Name     string // tool name, resource URI, or prompt name
	Approved bool
	Error    string
	Duration time.Duration
	At       time.Time
}

// Recorder persists call records. Implementations must not block dispatch on
// failure; recording errors are logged, not returned.
type Recorder interface {
	RecordCall(ctx context.Context, rec CallRecord) error
}

// Router answers the three dispatch operations against the registry, gated by
// the approval engine.
type Router struct {
	registry *registry.Registry
	approval *approval.Engine
	recorder Recorder
	logger   *slog.Logger

	// matchers caches compiled URI templates by template string. Snapshots
	// are rebuilt on every capability refresh, but the template strings
	// themselves repeat across calls.
	matchersMu sync.Mutex
	matchers   map[string]*capability.TemplateMatcher
}

// New creates a Router. recorder may be nil to disable auditing.
func New(reg *registry.Registry, eng *approval.Engine, recorder Recorder, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: reg,
		approval: eng,
		recorder: recorder,
		logger:   logger,
		matchers: make(map[string]*capability.TemplateMatcher),
	}
}

// ListServers returns snapshots of all registered providers.
func (r *Router) ListServers() []capability.ServerInfo {
	return r.registry.List()
}

// resolve returns the provider and its snapshot, enforcing connected status.
func (r *Router) resolve(server string) (registry.Provider, capability.ServerInfo, error) {
	p, err := r.registry.Get(server)
	if err != nil {
		return nil, capability.ServerInfo{}, fmt.Errorf("%w: server %q", ErrNotFound, server)
	}
	info := p.Describe()
	if info.Status != capability.StatusConnected {
		return nil, info, fmt.Errorf("%w: server %q is %s", ErrNotConnected, server, info.Status)
	}
	return p, info, nil
}

func (r *Router) record(ctx context.Context, rec CallRecord) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordCall(ctx, rec); err != nil {
		r.logger.Warn("recording call", "server", rec.Server, "name", rec.Name, "error", err)
	}
}

func callTimeout(opts CallOptions) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return DefaultCallTimeout
}

// CallTool dispatches a tool call. Approval denials return a DeniedError with
// the reason verbatim; provider handler failures return an error-flagged
// result rather than a Go error, so consumers can render them.
func (r *Router) CallTool(ctx context.Context, server, tool string, args map[string]any, opts CallOptions) (*capability.ToolResult, error) {
	start := time.Now()
	rec := CallRecord{Caller: opts.Caller, Server: server, Action: string(approval.ActionUseTool), Name: tool, At: start}

	p, info, err := r.resolve(server)
	if err != nil {
		rec.Error = err.Error()
		rec.Duration = time.Since(start)
		r.record(ctx, rec)
		return nil, err
	}
	desc, ok := info.Tool(tool)
	if !ok {
		err := fmt.Errorf("%w: tool %q on server %q", ErrNotFound, tool, server)
		rec.Error = err.Error()
		rec.Duration = time.Since(start)
		r.record(ctx, rec)
		return nil, err
	}

	decision := r.approval.Decide(ctx, approval.CallInfo{
		Server:               server,
		Tool:                 tool,
		Action:               approval.ActionUseTool,
		Arguments:            args,
		AutoApprovedInServer: desc.AutoApprove,
	}, opts.Decide)
	rec.Approved = decision.Approve
	if !decision.Approve {
		rec.Error = decision.Error
		rec.Duration = time.Since(start)
		r.record(ctx, rec)
		r.logger.Info("tool call denied", "server", server, "tool", tool, "caller", opts.Caller, "reason", decision.Error)
		return nil, &DeniedError{Reason: decision.Error}
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout(opts))
	defer cancel()

	result, err := p.CallTool(callCtx, tool, args)
	rec.Duration = time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			rec.Error = err.Error()
			r.record(ctx, rec)
			return nil, fmt.Errorf("calling %s__%s: %w", server, tool, err)
		}
		// Handler-level faults render as error results; one faulty provider
		// must not look like a router failure.
		rec.Error = err.Error()
		r.record(ctx, rec)
		r.logger.Warn("tool handler failed", "server", server, "tool", tool, "error", err)
		return capability.ErrorResult(err.Error()), nil
	}
	if result.IsError {
		rec.Error = result.Text()
	}
	r.record(ctx, rec)
	r.logger.Debug("tool call completed", "server", server, "tool", tool, "caller", opts.Caller, "duration", rec.Duration)
	return result, nil
}

// AccessResource dispatches a resource read. Resolution is two-pass: exact
// URI match against fixed descriptors first, then templates in declared
// order. Captured placeholder values become the call's parameters. Resources
// are always pre-approved.
func (r *Router) AccessResource(ctx context.Context, server, uri string, opts CallOptions) (*capability.ResourceResult, error) {
	start := time.Now()
	rec := CallRecord{Caller: opts.Caller, Server: server, Action: string(approval.ActionAccessResource), Name: uri, Approved: true, At: start}

	p, info, err := r.resolve(server)
	if err != nil {
		rec.Approved = false
		rec.Error = err.Error()
		rec.Duration = time.Since(start)
		r.record(ctx, rec)
		return nil, err
	}

	params, ok := r.resolveResource(info.Capabilities, uri)
	if !ok {
		err := fmt.Errorf("%w: resource %q on server %q", ErrNotFound, uri, server)
		rec.Approved = false
		rec.Error = err.Error()
		rec.Duration = time.Since(start)
		r.record(ctx, rec)
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout(opts))
	defer cancel()

	result, err := p.ReadResource(callCtx, uri, params)
	rec.Duration = time.Since(start)
	if err != nil {
		rec.Error = err.Error()
		r.record(ctx, rec)
		return nil, fmt.Errorf("reading %s: %w", capability.JoinResource(server, uri), err)
	}
	r.record(ctx, rec)
	return result, nil
}

// resolveResource runs the two-pass lookup against a capability snapshot and
// returns template captures when a template matched (nil for exact matches).
func (r *Router) resolveResource(caps capability.Capabilities, uri string) (map[string]string, bool) {
	for _, res := range caps.Resources {
		if res.URI == uri {
			return nil, true
		}
	}
	for _, tmpl := range caps.ResourceTemplates {
		matcher, ok := r.matcher(tmpl.URITemplate)
		if !ok {
			continue
		}
		if params, ok := matcher.Match(uri); ok {
			return params, true
		}
	}
	return nil, false
}

// matcher returns the compiled form of a URI template, compiling at most once
// per template string. Malformed templates are logged and skipped.
func (r *Router) matcher(template string) (*capability.TemplateMatcher, bool) {
	r.matchersMu.Lock()
	defer r.matchersMu.Unlock()
	if m, ok := r.matchers[template]; ok {
		return m, m != nil
	}
	m, err := capability.CompileTemplate(template)
	if err != nil {
		r.logger.Warn("skipping malformed resource template", "template", template, "error", err)
		r.matchers[template] = nil
		return nil, false
	}
	r.matchers[template] = m
	return m, true
}

// GetPrompt dispatches a prompt render. Prompts follow the tool rules for
// resolution but are not subject to approval.
func (r *Router) GetPrompt(ctx context.Context, server, prompt string, args map[string]string, opts CallOptions) (*capability.PromptResult, error) {
	start := time.Now()
	rec := CallRecord{Caller: opts.Caller, Server: server, Action: "get_prompt", Name: prompt, Approved: true, At: start}

	p, info, err := r.resolve(server)
	if err != nil {
		rec.Approved = false
		rec.Error = err.Error()
		rec.Duration = time.Since(start)
		r.record(ctx, rec)
		return nil, err
	}
	if _, ok := info.Prompt(prompt); !ok {
		err := fmt.Errorf("%w: prompt %q on server %q", ErrNotFound, prompt, server)
		rec.Approved = false
		rec.Error = err.Error()
		rec.Duration = time.Since(start)
		r.record(ctx, rec)
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout(opts))
	defer cancel()

	result, err := p.GetPrompt(callCtx, prompt, args)
	rec.Duration = time.Since(start)
	if err != nil {
		rec.Error = err.Error()
		r.record(ctx, rec)
		return nil, fmt.Errorf("rendering %s: %w", capability.JoinTool(server, prompt), err)
	}
	r.record(ctx, rec)
	return result, nil
}

// Completion is a one-shot delivery guard for callback-style dispatch. The
// first delivery wins; later results (a late handler finishing after a
// timeout already fired the callback) are silently dropped.
type Completion[T any] struct {
	once sync.Once
	fn   func(T, error)
}

// NewCompletion wraps a callback in a one-shot guard.
func NewCompletion[T any](fn func(T, error)) *Completion[T] {
	return &Completion[T]{fn: fn}
}

// Deliver invokes the callback if nothing has been delivered yet.
func (c *Completion[T]) Deliver(value T, err error) {
	c.once.Do(func() { c.fn(value, err) })
}

// CallToolAsync runs CallTool on its own goroutine and delivers through the
// completion guard.
func (r *Router) CallToolAsync(ctx context.Context, server, tool string, args map[string]any, opts CallOptions, done *Completion[*capability.ToolResult]) {
	go func() {
		result, err := r.CallTool(ctx, server, tool, args, opts)
		done.Deliver(result, err)
	}()
}

// AccessResourceAsync runs AccessResource on its own goroutine and delivers
// through the completion guard.
func (r *Router) AccessResourceAsync(ctx context.Context, server, uri string, opts CallOptions, done *Completion[*capability.ResourceResult]) {
	go func() {
		result, err := r.AccessResource(ctx, server, uri, opts)
		done.Deliver(result, err)
	}()
}
