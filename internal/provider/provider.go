// ABOUTME: Capability provider backed by an external MCP server via the official go-sdk.
// ABOUTME: Supports subprocess (stdio), SSE, and streamable HTTP transports.

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/conclave-sh/conclave/internal/capability"
	"github.com/conclave-sh/conclave/internal/registry"
)

// ErrNotConnected indicates a call arrived while the session is down.
var ErrNotConnected = errors.New("provider not connected")

// DefaultConnectTimeout bounds the initial transport connect and handshake.
const DefaultConnectTimeout = 30 * time.Second

// Config describes one external MCP server. Exactly one of Command or URL is
// set; Transport selects SSE vs streamable HTTP for URL servers.
type Config struct {
	Name        string
	DisplayName string

	Command string
	Args    []string
	Env     map[string]string

	URL       string
	Transport string // "sse" or "http" (streamable); default "http"
	Headers   map[string]string

	Disabled bool

	AutoApproveAll   bool
	AutoApproveTools []string

	ConnectTimeout time.Duration
}

// MCPProvider adapts one external MCP server to the registry's provider
// interface. Capabilities are refreshed on connect and on every list-changed
// notification from the server.
type MCPProvider struct {
	cfg    Config
	events *registry.Notifier
	logger *slog.Logger

	mu          sync.RWMutex
	session     *mcp.ClientSession
	status      capability.Status
	caps        capability.Capabilities
	lastStarted time.Time
	lastErr     string
}

// New creates a provider from config. events may be nil; when set,
// list-changed notifications from the server are republished there.
func New(cfg Config, events *registry.Notifier, logger *slog.Logger) *MCPProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	status := capability.StatusDisconnected
	if cfg.Disabled {
		status = capability.StatusDisabled
	}
	return &MCPProvider{
		cfg:    cfg,
		events: events,
		logger: logger.With("server", cfg.Name),
		status: status,
	}
}

// Name implements the provider interface.
func (p *MCPProvider) Name() string { return p.cfg.Name }

// Describe implements the provider interface.
func (p *MCPProvider) Describe() capability.ServerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return capability.ServerInfo{
		Name:         p.cfg.Name,
		DisplayName:  p.cfg.DisplayName,
		Status:       p.status,
		Capabilities: p.caps,
		LastStarted:  p.lastStarted,
		Error:        p.lastErr,
	}
}

// transport builds the go-sdk transport for this config.
func (p *MCPProvider) transport() (mcp.Transport, error) {
	switch {
	case p.cfg.Command != "":
		cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
		cmd.Env = os.Environ()
		for k, v := range p.cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		cmd.Stderr = os.Stderr
		return &mcp.CommandTransport{Command: cmd}, nil

	case p.cfg.URL != "":
		httpClient := &http.Client{
			Transport: newHeaderRoundTripper(http.DefaultTransport, p.cfg.Headers),
		}
		if p.cfg.Transport == "sse" {
			return &mcp.SSEClientTransport{Endpoint: p.cfg.URL, HTTPClient: httpClient}, nil
		}
		return &mcp.StreamableClientTransport{Endpoint: p.cfg.URL, HTTPClient: httpClient}, nil

	default:
		return nil, fmt.Errorf("server %q: no command or url configured", p.cfg.Name)
	}
}

// Start connects to the server, performs the MCP handshake, and loads the
// capability lists. Disabled servers stay disabled.
func (p *MCPProvider) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.cfg.Disabled {
		p.status = capability.StatusDisabled
		p.mu.Unlock()
		return nil
	}
	if p.session != nil {
		p.mu.Unlock()
		return nil
	}
	p.status = capability.StatusConnecting
	p.mu.Unlock()

	transport, err := p.transport()
	if err != nil {
		p.setError(err)
		return err
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "conclave-hub", Version: "1"}, &mcp.ClientOptions{
		ToolListChangedHandler: func(ctx context.Context, req *mcp.ToolListChangedRequest) {
			p.refresh(ctx)
			p.publish(registry.EventToolListChanged)
		},
		ResourceListChangedHandler: func(ctx context.Context, req *mcp.ResourceListChangedRequest) {
			p.refresh(ctx)
			p.publish(registry.EventResourceListChanged)
		},
		PromptListChangedHandler: func(ctx context.Context, req *mcp.PromptListChangedRequest) {
			p.refresh(ctx)
			p.publish(registry.EventPromptListChanged)
		},
	})

	connectCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	session, err := client.Connect(connectCtx, transport, nil)
	if err != nil {
		p.setError(fmt.Errorf("connecting to %q: %w", p.cfg.Name, err))
		return fmt.Errorf("connecting to %q: %w", p.cfg.Name, err)
	}

	p.mu.Lock()
	p.session = session
	p.status = capability.StatusConnected
	p.lastStarted = time.Now()
	p.lastErr = ""
	p.mu.Unlock()

	p.refresh(ctx)
	p.logger.Info("server connected")
	return nil
}

// Stop closes the session.
func (p *MCPProvider) Stop(ctx context.Context) error {
	p.mu.Lock()
	session := p.session
	p.session = nil
	if p.status != capability.StatusDisabled {
		p.status = capability.StatusDisconnected
	}
	p.mu.Unlock()

	if session == nil {
		return nil
	}
	if err := session.Close(); err != nil {
		return fmt.Errorf("closing session for %q: %w", p.cfg.Name, err)
	}
	p.logger.Info("server disconnected")
	return nil
}

func (p *MCPProvider) setError(err error) {
	p.mu.Lock()
	p.status = capability.StatusError
	p.lastErr = err.Error()
	p.mu.Unlock()
	p.logger.Error("server error", "error", err)
}

func (p *MCPProvider) publish(ev registry.Event) {
	if p.events != nil {
		p.events.Publish(ev)
	}
}

func (p *MCPProvider) currentSession() (*mcp.ClientSession, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.session == nil || p.status != capability.StatusConnected {
		return nil, fmt.Errorf("%w: %q is %s", ErrNotConnected, p.cfg.Name, p.status)
	}
	return p.session, nil
}

// refresh re-fetches the full capability lists. Consumers rebuild from
// scratch, so a refresh after a missed notification converges.
func (p *MCPProvider) refresh(ctx context.Context) {
	session, err := p.currentSession()
	if err != nil {
		return
	}

	serverCaps := session.InitializeResult().Capabilities
	var caps capability.Capabilities

	if serverCaps.Tools != nil {
		if list, err := session.ListTools(ctx, &mcp.ListToolsParams{}); err != nil {
			p.logger.Warn("listing tools", "error", err)
		} else {
			for _, tool := range list.Tools {
				schema, err := json.Marshal(tool.InputSchema)
				if err != nil {
					schema = nil
				}
				caps.Tools = append(caps.Tools, capability.Tool{
					Name:        tool.Name,
					Description: tool.Description,
					InputSchema: schema,
					AutoApprove: p.autoApproved(tool.Name),
				})
			}
		}
	}

	if serverCaps.Resources != nil {
		if list, err := session.ListResources(ctx, &mcp.ListResourcesParams{}); err != nil {
			p.logger.Warn("listing resources", "error", err)
		} else {
			for _, res := range list.Resources {
				caps.Resources = append(caps.Resources, capability.Resource{
					URI:         res.URI,
					Name:        res.Name,
					Description: res.Description,
					MIMEType:    res.MIMEType,
				})
			}
		}
		if list, err := session.ListResourceTemplates(ctx, &mcp.ListResourceTemplatesParams{}); err != nil {
			p.logger.Warn("listing resource templates", "error", err)
		} else {
			for _, tmpl := range list.ResourceTemplates {
				caps.ResourceTemplates = append(caps.ResourceTemplates, capability.ResourceTemplate{
					URITemplate: tmpl.URITemplate,
					Name:        tmpl.Name,
					Description: tmpl.Description,
					MIMEType:    tmpl.MIMEType,
				})
			}
		}
	}

	if serverCaps.Prompts != nil {
		if list, err := session.ListPrompts(ctx, &mcp.ListPromptsParams{}); err != nil {
			p.logger.Warn("listing prompts", "error", err)
		} else {
			for _, prompt := range list.Prompts {
				var args []capability.PromptArgument
				for _, arg := range prompt.Arguments {
					args = append(args, capability.PromptArgument{
						Name:        arg.Name,
						Description: arg.Description,
						Required:    arg.Required,
					})
				}
				caps.Prompts = append(caps.Prompts, capability.Prompt{
					Name:        prompt.Name,
					Description: prompt.Description,
					Arguments:   args,
				})
			}
		}
	}

	p.mu.Lock()
	p.caps = caps
	p.mu.Unlock()
}

func (p *MCPProvider) autoApproved(tool string) bool {
	if p.cfg.AutoApproveAll {
		return true
	}
	for _, t := range p.cfg.AutoApproveTools {
		if t == tool {
			return true
		}
	}
	return false
}

// CallTool implements the provider interface.
func (p *MCPProvider) CallTool(ctx context.Context, tool string, args map[string]any) (*capability.ToolResult, error) {
	session, err := p.currentSession()
	if err != nil {
		return nil, err
	}
	result, err := session.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("calling tool %q: %w", tool, err)
	}

	structured, _ := result.StructuredContent.(map[string]any)
	out := &capability.ToolResult{
		StructuredContent: structured,
		IsError:           result.IsError,
	}
	if err := reshape(result.Content, &out.Content); err != nil {
		return nil, fmt.Errorf("decoding tool result: %w", err)
	}
	return out, nil
}

// ReadResource implements the provider interface. Template captures travel
// inside the URI on the wire, so params are unused here.
func (p *MCPProvider) ReadResource(ctx context.Context, uri string, params map[string]string) (*capability.ResourceResult, error) {
	session, err := p.currentSession()
	if err != nil {
		return nil, err
	}
	result, err := session.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
	if err != nil {
		return nil, fmt.Errorf("reading resource %q: %w", uri, err)
	}

	out := &capability.ResourceResult{}
	if err := reshape(result.Contents, &out.Contents); err != nil {
		return nil, fmt.Errorf("decoding resource contents: %w", err)
	}
	return out, nil
}

// GetPrompt implements the provider interface.
func (p *MCPProvider) GetPrompt(ctx context.Context, name string, args map[string]string) (*capability.PromptResult, error) {
	session, err := p.currentSession()
	if err != nil {
		return nil, err
	}
	result, err := session.GetPrompt(ctx, &mcp.GetPromptParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("getting prompt %q: %w", name, err)
	}

	out := &capability.PromptResult{Description: result.Description}
	if err := reshape(result.Messages, &out.Messages); err != nil {
		return nil, fmt.Errorf("decoding prompt messages: %w", err)
	}
	return out, nil
}

// reshape converts between SDK protocol types and our capability model via
// their shared JSON representation, which is stable across SDK versions.
func reshape(from, to any) error {
	data, err := json.Marshal(from)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, to)
}

// headerRoundTripper injects static headers into every request.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func newHeaderRoundTripper(base http.RoundTripper, headers map[string]string) http.RoundTripper {
	if len(headers) == 0 {
		return base
	}
	return &headerRoundTripper{base: base, headers: headers}
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range h.headers {
		clone.Header.Set(k, v)
	}
	return h.base.RoundTrip(clone)
}
