// ABOUTME: MCP-compatible HTTP endpoint for external agents like Claude Code.
// ABOUTME: Implements Streamable HTTP transport with session management over the router.

package mcpfront

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conclave-sh/conclave/internal/capability"
	"github.com/conclave-sh/conclave/internal/jsonrpc"
	"github.com/conclave-sh/conclave/internal/router"
)

// Supported MCP protocol versions
var supportedProtocolVersions = map[string]bool{
	"2025-03-26": true,
	"2025-06-18": true,
}

// latestProtocolVersion is the version we advertise in initialize responses
const latestProtocolVersion = "2025-06-18"

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// callerTag identifies MCP-endpoint calls in the audit log.
const callerTag = "mcp"

// mcpSession tracks an active MCP client session.
type mcpSession struct {
	id              string
	protocolVersion string
	createdAt       time.Time
}

// sessionStore manages active MCP sessions (in-memory).
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*mcpSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*mcpSession)}
}

func (s *sessionStore) create(protocolVersion string) *mcpSession {
	sess := &mcpSession{
		id:              uuid.New().String(),
		protocolVersion: protocolVersion,
		createdAt:       time.Now(),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

func (s *sessionStore) get(id string) (*mcpSession, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	return sess, ok
}

func (s *sessionStore) delete(id string) bool {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	return existed
}

// Server exposes the hub's aggregated capabilities as one MCP server over
// HTTP. Names are namespaced with the same composition the bridge uses, so a
// client sees `server__tool` and `server://uri` identifiers.
type Server struct {
	router   *router.Router
	logger   *slog.Logger
	sessions *sessionStore
}

// NewServer creates the MCP endpoint backed by the router.
func NewServer(rt *router.Router, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		router:   rt,
		logger:   logger.With("component", "mcp"),
		sessions: newSessionStore(),
	}
}

// RegisterRoutes registers the MCP endpoint on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp", s.handleMCP)
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		// No server-initiated SSE streams
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handleDelete terminates a session, per the Streamable HTTP transport.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}
	if !s.sessions.delete(sessionID) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	s.logger.Info("MCP session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// handlePost processes JSON-RPC messages sent via HTTP POST.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	protoVersion := r.Header.Get("Mcp-Protocol-Version")

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendError(w, nil, jsonrpc.ParseError, "failed to read request body")
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendError(w, nil, jsonrpc.InvalidRequest, "request body too large")
		return
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendError(w, nil, jsonrpc.ParseError, "invalid JSON")
		return
	}
	if req.JSONRPC != jsonrpc.Version {
		s.sendError(w, req.ID, jsonrpc.InvalidRequest, "invalid JSON-RPC version")
		return
	}

	isInitialize := req.Method == "initialize"

	if !isInitialize && protoVersion != "" && !supportedProtocolVersions[protoVersion] {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}
	if !isInitialize {
		if sessionID == "" {
			http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
			return
		}
		if _, ok := s.sessions.get(sessionID); !ok {
			// Session expired or invalid - client must re-initialize
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
	}

	// Notifications: accept and return HTTP 202 with no body
	if req.IsNotification() {
		if !strings.HasPrefix(req.Method, "notifications/") {
			s.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(w, req)
	case "ping":
		s.sendResult(w, req.ID, map[string]any{})
	case "tools/list":
		s.handleToolsList(w, req)
	case "tools/call":
		s.handleToolsCall(w, r, req)
	case "resources/list":
		s.handleResourcesList(w, req)
	case "resources/templates/list":
		s.handleResourceTemplatesList(w, req)
	case "resources/read":
		s.handleResourcesRead(w, r, req)
	case "prompts/list":
		s.handlePromptsList(w, req)
	case "prompts/get":
		s.handlePromptsGet(w, r, req)
	default:
		s.sendError(w, req.ID, jsonrpc.MethodNotFound, "method not found")
	}
}

// handleInitialize handles the MCP initialize handshake and creates a session.
func (s *Server) handleInitialize(w http.ResponseWriter, req jsonrpc.Request) {
	sess := s.sessions.create(latestProtocolVersion)
	s.logger.Info("MCP session created", "session_id", sess.id, "protocol_version", sess.protocolVersion)

	w.Header().Set("Mcp-Session-Id", sess.id)
	s.sendResult(w, req.ID, map[string]any{
		"protocolVersion": latestProtocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"resources": map[string]any{"listChanged": true},
			"prompts":   map[string]any{"listChanged": true},
		},
		"serverInfo": map[string]any{
			"name":    "conclave-hub",
			"version": "1.0.0",
		},
	})
}

type toolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

var emptySchema = json.RawMessage(`{"type":"object"}`)

func (s *Server) handleToolsList(w http.ResponseWriter, req jsonrpc.Request) {
	tools := []toolInfo{}
	seen := make(map[string]bool)
	for _, srv := range s.router.ListServers() {
		if srv.Status != capability.StatusConnected {
			continue
		}
		for _, tool := range srv.Capabilities.Tools {
			name := capability.JoinTool(srv.Name, tool.Name)
			if seen[name] {
				s.logger.Warn("skipping colliding tool name", "name", name, "server", srv.Name)
				continue
			}
			seen[name] = true
			schema := tool.InputSchema
			if len(schema) == 0 {
				schema = emptySchema
			}
			tools = append(tools, toolInfo{
				Name:        name,
				Description: tool.Description,
				InputSchema: schema,
			})
		}
	}
	s.logger.Debug("tools/list", "count", len(tools))
	s.sendResult(w, req.ID, map[string]any{"tools": tools})
}

func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req jsonrpc.Request) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendError(w, req.ID, jsonrpc.InvalidParams, "invalid params")
			return
		}
	}
	if params.Name == "" {
		s.sendError(w, req.ID, jsonrpc.InvalidParams, "tool name is required")
		return
	}
	server, tool, ok := capability.SplitTool(params.Name)
	if !ok {
		s.sendError(w, req.ID, jsonrpc.InvalidParams, fmt.Sprintf("invalid tool name %q", params.Name))
		return
	}

	result, err := s.router.CallTool(r.Context(), server, tool, params.Arguments, router.CallOptions{Caller: callerTag})
	if err != nil {
		s.sendError(w, req.ID, jsonrpc.InternalError, err.Error())
		return
	}
	s.sendResult(w, req.ID, result)
}

func (s *Server) handleResourcesList(w http.ResponseWriter, req jsonrpc.Request) {
	resources := []capability.Resource{}
	for _, srv := range s.router.ListServers() {
		if srv.Status != capability.StatusConnected {
			continue
		}
		for _, res := range srv.Capabilities.Resources {
			res.URI = capability.JoinResource(srv.Name, res.URI)
			resources = append(resources, res)
		}
	}
	s.sendResult(w, req.ID, map[string]any{"resources": resources})
}

func (s *Server) handleResourceTemplatesList(w http.ResponseWriter, req jsonrpc.Request) {
	templates := []capability.ResourceTemplate{}
	for _, srv := range s.router.ListServers() {
		if srv.Status != capability.StatusConnected {
			continue
		}
		for _, tmpl := range srv.Capabilities.ResourceTemplates {
			tmpl.URITemplate = capability.JoinResource(srv.Name, tmpl.URITemplate)
			templates = append(templates, tmpl)
		}
	}
	s.sendResult(w, req.ID, map[string]any{"resourceTemplates": templates})
}

func (s *Server) handleResourcesRead(w http.ResponseWriter, r *http.Request, req jsonrpc.Request) {
	var params struct {
		URI string `json:"uri"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendError(w, req.ID, jsonrpc.InvalidParams, "invalid params")
			return
		}
	}
	server, uri, ok := capability.SplitResource(params.URI)
	if !ok {
		s.sendError(w, req.ID, jsonrpc.InvalidParams, fmt.Sprintf("invalid resource uri %q", params.URI))
		return
	}

	result, err := s.router.AccessResource(r.Context(), server, uri, router.CallOptions{Caller: callerTag})
	if err != nil {
		s.sendError(w, req.ID, jsonrpc.InternalError, err.Error())
		return
	}

	contents := make([]capability.ResourceContents, len(result.Contents))
	for i, c := range result.Contents {
		c.URI = capability.JoinResource(server, c.URI)
		contents[i] = c
	}
	s.sendResult(w, req.ID, map[string]any{"contents": contents})
}

func (s *Server) handlePromptsList(w http.ResponseWriter, req jsonrpc.Request) {
	prompts := []capability.Prompt{}
	seen := make(map[string]bool)
	for _, srv := range s.router.ListServers() {
		if srv.Status != capability.StatusConnected {
			continue
		}
		for _, prompt := range srv.Capabilities.Prompts {
			prompt.Name = capability.JoinTool(srv.Name, prompt.Name)
			if seen[prompt.Name] {
				s.logger.Warn("skipping colliding prompt name", "name", prompt.Name, "server", srv.Name)
				continue
			}
			seen[prompt.Name] = true
			prompts = append(prompts, prompt)
		}
	}
	s.sendResult(w, req.ID, map[string]any{"prompts": prompts})
}

func (s *Server) handlePromptsGet(w http.ResponseWriter, r *http.Request, req jsonrpc.Request) {
	var params struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendError(w, req.ID, jsonrpc.InvalidParams, "invalid params")
			return
		}
	}
	server, prompt, ok := capability.SplitTool(params.Name)
	if !ok {
		s.sendError(w, req.ID, jsonrpc.InvalidParams, fmt.Sprintf("invalid prompt name %q", params.Name))
		return
	}

	result, err := s.router.GetPrompt(r.Context(), server, prompt, params.Arguments, router.CallOptions{Caller: callerTag})
	if err != nil {
		s.sendError(w, req.ID, jsonrpc.InternalError, err.Error())
		return
	}
	s.sendResult(w, req.ID, result)
}

func (s *Server) sendResult(w http.ResponseWriter, id json.RawMessage, result any) {
	s.sendJSON(w, jsonrpc.NewResult(id, result))
}

func (s *Server) sendError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	s.sendJSON(w, jsonrpc.NewError(id, code, message))
}

func (s *Server) sendJSON(w http.ResponseWriter, resp *jsonrpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}
