// ABOUTME: Stdio MCP server that re-exposes a running hub's capabilities.
// ABOUTME: Lists are fetched fresh per request; calls are de-namespaced and proxied.

package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/conclave-sh/conclave/internal/capability"
	"github.com/conclave-sh/conclave/internal/control"
	"github.com/conclave-sh/conclave/internal/jsonrpc"
)

// protocolVersion is advertised in initialize responses.
const protocolVersion = "2025-03-26"

// callerTag identifies bridge-originated calls in the hub's audit log.
const callerTag = "bridge"

// maxLineSize bounds one JSON-RPC message on the stdio transport (4MB).
const maxLineSize = 4 << 20

// HubClient is the slice of the control client the bridge needs.
type HubClient interface {
	ListServers(ctx context.Context) ([]capability.ServerInfo, error)
	CallTool(ctx context.Context, server, tool string, args map[string]any, caller string) (*capability.ToolResult, error)
	AccessResource(ctx context.Context, server, uri, caller string) (*capability.ResourceResult, error)
	GetPrompt(ctx context.Context, server, prompt string, args map[string]string, caller string) (*capability.PromptResult, error)
}

var _ HubClient = (*control.Client)(nil)

// Bridge speaks MCP over newline-delimited JSON-RPC on a stream transport,
// backed by a live hub. It holds no capability cache: every list is a fresh
// fetch and every call re-resolves the provider by name, so a hub restart
// between requests degrades to normal not-found errors.
type Bridge struct {
	hub    HubClient
	logger *slog.Logger

	in  io.Reader
	out io.Writer
	mu  sync.Mutex // serializes writes to out
}

// New creates a Bridge reading requests from in and writing responses to out.
func New(hub HubClient, in io.Reader, out io.Writer, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{hub: hub, logger: logger, in: in, out: out}
}

// Run processes messages until EOF or ctx cancellation.
func (b *Bridge) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(b.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req jsonrpc.Request
		if err := json.Unmarshal(line, &req); err != nil {
			b.write(jsonrpc.NewError(nil, jsonrpc.ParseError, "invalid JSON"))
			continue
		}
		if req.JSONRPC != jsonrpc.Version {
			b.write(jsonrpc.NewError(req.ID, jsonrpc.InvalidRequest, "invalid JSON-RPC version"))
			continue
		}

		if resp := b.Handle(ctx, &req); resp != nil {
			b.write(resp)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading requests: %w", err)
	}
	return nil
}

func (b *Bridge) write(resp *jsonrpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		b.logger.Error("marshaling response", "error", err)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out.Write(data)
	b.out.Write([]byte("\n"))
}

// Handle dispatches one request. Notifications return nil.
func (b *Bridge) Handle(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if req.IsNotification() {
		b.logger.Debug("notification accepted", "method", req.Method)
		return nil
	}

	switch req.Method {
	case "initialize":
		return b.handleInitialize(req)
	case "ping":
		return jsonrpc.NewResult(req.ID, map[string]any{})
	case "tools/list":
		return b.handleToolsList(ctx, req)
	case "tools/call":
		return b.handleToolsCall(ctx, req)
	case "resources/list":
		return b.handleResourcesList(ctx, req)
	case "resources/templates/list":
		return b.handleResourceTemplatesList(ctx, req)
	case "resources/read":
		return b.handleResourcesRead(ctx, req)
	case "prompts/list":
		return b.handlePromptsList(ctx, req)
	case "prompts/get":
		return b.handlePromptsGet(ctx, req)
	default:
		return jsonrpc.NewError(req.ID, jsonrpc.MethodNotFound, "method not found")
	}
}

func (b *Bridge) handleInitialize(req *jsonrpc.Request) *jsonrpc.Response {
	result := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"resources": map[string]any{"listChanged": true},
			"prompts":   map[string]any{"listChanged": true},
		},
		"serverInfo": map[string]any{
			"name":    "conclave-bridge",
			"version": "1.0.0",
		},
	}
	return jsonrpc.NewResult(req.ID, result)
}

// namespacedTool is one flattened tools/list entry.
type namespacedTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// emptySchema stands in for tools that declare no input schema; MCP clients
// expect the field to be present.
var emptySchema = json.RawMessage(`{"type":"object"}`)

func (b *Bridge) handleToolsList(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	servers, err := b.hub.ListServers(ctx)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.InternalError, err.Error())
	}

	tools := []namespacedTool{}
	seen := make(map[string]string)
	for _, srv := range servers {
		if srv.Status != capability.StatusConnected {
			continue
		}
		for _, tool := range srv.Capabilities.Tools {
			name := capability.JoinTool(srv.Name, tool.Name)
			if owner, dup := seen[name]; dup {
				b.logger.Warn("skipping colliding tool name", "name", name, "server", srv.Name, "owner", owner)
				continue
			}
			seen[name] = srv.Name

			schema := tool.InputSchema
			if len(schema) == 0 {
				schema = emptySchema
			}
			tools = append(tools, namespacedTool{
				Name:        name,
				Description: tool.Description,
				InputSchema: schema,
			})
		}
	}
	return jsonrpc.NewResult(req.ID, map[string]any{"tools": tools})
}

func (b *Bridge) handleToolsCall(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewError(req.ID, jsonrpc.InvalidParams, "invalid params")
		}
	}
	server, tool, ok := capability.SplitTool(params.Name)
	if !ok {
		return jsonrpc.NewError(req.ID, jsonrpc.InvalidParams, fmt.Sprintf("invalid tool name %q", params.Name))
	}

	result, err := b.hub.CallTool(ctx, server, tool, params.Arguments, callerTag)
	if err != nil {
		// Hub errors (including approval denials) travel verbatim.
		return jsonrpc.NewError(req.ID, jsonrpc.InternalError, err.Error())
	}
	return jsonrpc.NewResult(req.ID, result)
}

type namespacedResource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

func (b *Bridge) handleResourcesList(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	servers, err := b.hub.ListServers(ctx)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.InternalError, err.Error())
	}

	resources := []namespacedResource{}
	for _, srv := range servers {
		if srv.Status != capability.StatusConnected {
			continue
		}
		for _, res := range srv.Capabilities.Resources {
			resources = append(resources, namespacedResource{
				URI:         capability.JoinResource(srv.Name, res.URI),
				Name:        res.Name,
				Description: res.Description,
				MIMEType:    res.MIMEType,
			})
		}
	}
	return jsonrpc.NewResult(req.ID, map[string]any{"resources": resources})
}

type namespacedTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

func (b *Bridge) handleResourceTemplatesList(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	servers, err := b.hub.ListServers(ctx)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.InternalError, err.Error())
	}

	templates := []namespacedTemplate{}
	for _, srv := range servers {
		if srv.Status != capability.StatusConnected {
			continue
		}
		for _, tmpl := range srv.Capabilities.ResourceTemplates {
			templates = append(templates, namespacedTemplate{
				URITemplate: capability.JoinResource(srv.Name, tmpl.URITemplate),
				Name:        tmpl.Name,
				Description: tmpl.Description,
				MIMEType:    tmpl.MIMEType,
			})
		}
	}
	return jsonrpc.NewResult(req.ID, map[string]any{"resourceTemplates": templates})
}

func (b *Bridge) handleResourcesRead(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params struct {
		URI string `json:"uri"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewError(req.ID, jsonrpc.InvalidParams, "invalid params")
		}
	}
	server, uri, ok := capability.SplitResource(params.URI)
	if !ok {
		return jsonrpc.NewError(req.ID, jsonrpc.InvalidParams, fmt.Sprintf("invalid resource uri %q", params.URI))
	}

	result, err := b.hub.AccessResource(ctx, server, uri, callerTag)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.InternalError, err.Error())
	}

	// Contents come back keyed by the provider's original URI; re-namespace
	// so the client sees the URI it asked for.
	contents := make([]capability.ResourceContents, len(result.Contents))
	for i, c := range result.Contents {
		c.URI = capability.JoinResource(server, c.URI)
		contents[i] = c
	}
	return jsonrpc.NewResult(req.ID, map[string]any{"contents": contents})
}

type namespacedPrompt struct {
	Name        string                      `json:"name"`
	Description string                      `json:"description,omitempty"`
	Arguments   []capability.PromptArgument `json:"arguments,omitempty"`
}

func (b *Bridge) handlePromptsList(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	servers, err := b.hub.ListServers(ctx)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.InternalError, err.Error())
	}

	prompts := []namespacedPrompt{}
	for _, srv := range servers {
		if srv.Status != capability.StatusConnected {
			continue
		}
		for _, prompt := range srv.Capabilities.Prompts {
			prompts = append(prompts, namespacedPrompt{
				Name:        capability.JoinTool(srv.Name, prompt.Name),
				Description: prompt.Description,
				Arguments:   prompt.Arguments,
			})
		}
	}
	return jsonrpc.NewResult(req.ID, map[string]any{"prompts": prompts})
}

func (b *Bridge) handlePromptsGet(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewError(req.ID, jsonrpc.InvalidParams, "invalid params")
		}
	}
	server, prompt, ok := capability.SplitTool(params.Name)
	if !ok {
		return jsonrpc.NewError(req.ID, jsonrpc.InvalidParams, fmt.Sprintf("invalid prompt name %q", params.Name))
	}

	result, err := b.hub.GetPrompt(ctx, server, prompt, params.Arguments, callerTag)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.InternalError, err.Error())
	}
	return jsonrpc.NewResult(req.ID, result)
}
