// ABOUTME: HTTP control API for the hub: server listing, dispatch, approvals,
// ABOUTME: audit queries, and an SSE event stream for change notifications.

package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/conclave-sh/conclave/internal/approval"
	"github.com/conclave-sh/conclave/internal/capability"
	"github.com/conclave-sh/conclave/internal/registry"
	"github.com/conclave-sh/conclave/internal/router"
	"github.com/conclave-sh/conclave/internal/store"
)

// Server serves the hub control API.
type Server struct {
	router    *router.Router
	registry  *registry.Registry
	approvals *approval.PendingApprovals
	store     *store.SQLiteStore
	logger    *slog.Logger
}

// NewServer creates the control API. approvals and st may be nil, which
// disables their endpoints with 404s.
func NewServer(rt *router.Router, reg *registry.Registry, approvals *approval.PendingApprovals, st *store.SQLiteStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		router:    rt,
		registry:  reg,
		approvals: approvals,
		store:     st,
		logger:    logger.With("component", "control"),
	}
}

// Handler returns the API's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/servers", s.handleListServers)
	mux.HandleFunc("/api/servers/", s.handleServerLifecycle)
	mux.HandleFunc("/api/tools/call", s.handleCallTool)
	mux.HandleFunc("/api/resources/access", s.handleAccessResource)
	mux.HandleFunc("/api/prompts/get", s.handleGetPrompt)
	mux.HandleFunc("/api/approvals", s.handleListApprovals)
	mux.HandleFunc("/api/approvals/", s.handleAnswerApproval)
	mux.HandleFunc("/api/calls", s.handleListCalls)
	mux.HandleFunc("/api/events", s.handleEvents)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cwd, _ := os.Getwd()
	s.sendJSON(w, http.StatusOK, HealthResponse{Status: "ok", PID: os.Getpid(), Cwd: cwd})
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	servers := s.router.ListServers()
	if servers == nil {
		servers = []capability.ServerInfo{}
	}
	s.sendJSON(w, http.StatusOK, ListServersResponse{Servers: servers})
}

// handleServerLifecycle handles POST /api/servers/{name}/start and /stop.
func (s *Server) handleServerLifecycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/servers/")
	name, action, ok := strings.Cut(rest, "/")
	if !ok || name == "" {
		s.sendJSONError(w, http.StatusBadRequest, "expected /api/servers/{name}/{start|stop}")
		return
	}

	var err error
	switch action {
	case "start":
		err = s.registry.StartServer(r.Context(), name)
	case "stop":
		err = s.registry.StopServer(r.Context(), name)
	default:
		s.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", action))
		return
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, registry.ErrServerNotFound) {
			status = http.StatusNotFound
		}
		s.sendJSONError(w, status, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req CallToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Server == "" || req.Tool == "" {
		s.sendJSONError(w, http.StatusBadRequest, "server and tool are required")
		return
	}

	result, err := s.router.CallTool(r.Context(), req.Server, req.Tool, req.Arguments, router.CallOptions{Caller: callerOrDefault(req.Caller)})
	if err != nil {
		// Dispatch failures ride the envelope so remote callers get the
		// message verbatim rather than a bare status code.
		s.sendJSON(w, http.StatusOK, CallToolResponse{Error: err.Error()})
		return
	}
	s.sendJSON(w, http.StatusOK, CallToolResponse{Result: result})
}

func (s *Server) handleAccessResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req AccessResourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Server == "" || req.URI == "" {
		s.sendJSONError(w, http.StatusBadRequest, "server and uri are required")
		return
	}

	result, err := s.router.AccessResource(r.Context(), req.Server, req.URI, router.CallOptions{Caller: callerOrDefault(req.Caller)})
	if err != nil {
		s.sendJSON(w, http.StatusOK, AccessResourceResponse{Error: err.Error()})
		return
	}
	s.sendJSON(w, http.StatusOK, AccessResourceResponse{Result: result})
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req GetPromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Server == "" || req.Prompt == "" {
		s.sendJSONError(w, http.StatusBadRequest, "server and prompt are required")
		return
	}

	result, err := s.router.GetPrompt(r.Context(), req.Server, req.Prompt, req.Arguments, router.CallOptions{Caller: callerOrDefault(req.Caller)})
	if err != nil {
		s.sendJSON(w, http.StatusOK, GetPromptResponse{Error: err.Error()})
		return
	}
	s.sendJSON(w, http.StatusOK, GetPromptResponse{Result: result})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	if s.approvals == nil {
		s.sendJSONError(w, http.StatusNotFound, "approvals not enabled")
		return
	}
	if r.Method != http.MethodGet {
		s.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	pending := s.approvals.List()
	if pending == nil {
		pending = []approval.PendingInfo{}
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

// handleAnswerApproval handles POST /api/approvals/{id}.
func (s *Server) handleAnswerApproval(w http.ResponseWriter, r *http.Request) {
	if s.approvals == nil {
		s.sendJSONError(w, http.StatusNotFound, "approvals not enabled")
		return
	}
	if r.Method != http.MethodPost {
		s.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/approvals/")
	if id == "" || strings.Contains(id, "/") {
		s.sendJSONError(w, http.StatusBadRequest, "expected /api/approvals/{id}")
		return
	}
	var req AnswerApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.approvals.Answer(id, req.Approve); err != nil {
		s.sendJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.sendJSONError(w, http.StatusNotFound, "call log not enabled")
		return
	}
	if r.Method != http.MethodGet {
		s.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	filter := store.CallFilter{
		Server: r.URL.Query().Get("server"),
		Caller: r.URL.Query().Get("caller"),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			s.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	calls, err := s.store.ListCalls(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing calls", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if calls == nil {
		calls = []store.CallEntry{}
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

// handleEvents streams registry change notifications as SSE.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, cancel := s.registry.Events().Subscribe()
	defer cancel()

	s.writeSSEEvent(w, "connected", map[string]string{"status": "ok"})
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			s.writeSSEEvent(w, string(ev), map[string]string{"event": string(ev)})
			flusher.Flush()
		case <-heartbeat.C:
			s.writeSSEEvent(w, "heartbeat", map[string]int64{"ts": time.Now().UnixMilli()})
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func callerOrDefault(caller string) string {
	if caller == "" {
		return "api"
	}
	return caller
}

// Serve runs the control API on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("control server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
