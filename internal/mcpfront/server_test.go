// ABOUTME: Tests for the MCP HTTP endpoint: sessions, protocol negotiation,
// ABOUTME: namespaced listings, and dispatch through the router.

package mcpfront

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-sh/conclave/internal/approval"
	"github.com/conclave-sh/conclave/internal/jsonrpc"
	"github.com/conclave-sh/conclave/internal/native"
	"github.com/conclave-sh/conclave/internal/registry"
	"github.com/conclave-sh/conclave/internal/router"
)

func newTestEndpoint(t *testing.T) *httptest.Server {
	t.Helper()

	srv := native.NewServer("hub", "Hub Utilities", nil)
	srv.Tool("echo", "Echo arguments", json.RawMessage(`{"type":"object"}`), func(ctx context.Context, req *native.Request, res *native.ToolResponse) {
		res.Text("echo:" + req.Argument("msg")).Send()
	})
	srv.Resource("hub://info", "info", "", "text/plain", func(ctx context.Context, req *native.Request, res *native.ResourceResponse) {
		res.Text("info text").Send()
	})
	srv.Prompt("greet", "", nil, func(ctx context.Context, req *native.Request, res *native.PromptResponse) {
		res.Text("user", "hello "+req.Params["name"]).Send()
	})
	require.NoError(t, srv.Start(context.Background()))

	reg := registry.New(slog.Default())
	require.NoError(t, reg.Register(srv))

	eng := approval.New(approval.Config{AutoApproveAll: true})
	rt := router.New(reg, eng, nil, slog.Default())

	mux := http.NewServeMux()
	NewServer(rt, slog.Default()).RegisterRoutes(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func postMCP(t *testing.T, ts *httptest.Server, sessionID string, req any) (*http.Response, *jsonrpc.Response) {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)

	httpReq, err := http.NewRequest(http.MethodPost, ts.URL+"/mcp", bytes.NewReader(data))
	require.NoError(t, err)
	httpReq.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", sessionID)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}
	var rpcResp jsonrpc.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	return resp, &rpcResp
}

func initialize(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp, rpcResp := postMCP(t, ts, "", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
		"params": map[string]any{"protocolVersion": "2025-06-18"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, rpcResp.Error)
	sessionID := resp.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)
	return sessionID
}

func resultMap(t *testing.T, resp *jsonrpc.Response) map[string]any {
	t.Helper()
	require.NotNil(t, resp)
	require.Nil(t, resp.Error, "unexpected error: %+v", resp.Error)
	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestInitializeCreatesSession(t *testing.T) {
	ts := newTestEndpoint(t)
	resp, rpcResp := postMCP(t, ts, "", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Mcp-Session-Id"))

	m := resultMap(t, rpcResp)
	assert.Equal(t, latestProtocolVersion, m["protocolVersion"])
	assert.Contains(t, m, "capabilities")
}

func TestRequestWithoutSessionRejected(t *testing.T) {
	ts := newTestEndpoint(t)
	resp, _ := postMCP(t, ts, "", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tools/list",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownSessionRejected(t *testing.T) {
	ts := newTestEndpoint(t)
	resp, _ := postMCP(t, ts, "bogus-session", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tools/list",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestToolsListNamespaced(t *testing.T) {
	ts := newTestEndpoint(t)
	sessionID := initialize(t, ts)

	_, rpcResp := postMCP(t, ts, sessionID, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "tools/list",
	})
	m := resultMap(t, rpcResp)
	tools := m["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "hub__echo", tools[0].(map[string]any)["name"])
}

func TestToolsCall(t *testing.T) {
	ts := newTestEndpoint(t)
	sessionID := initialize(t, ts)

	_, rpcResp := postMCP(t, ts, sessionID, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "tools/call",
		"params": map[string]any{
			"name":      "hub__echo",
			"arguments": map[string]any{"msg": "hi"},
		},
	})
	m := resultMap(t, rpcResp)
	content := m["content"].([]any)
	require.NotEmpty(t, content)
	assert.Equal(t, "echo:hi", content[0].(map[string]any)["text"])
}

func TestToolsCallInvalidName(t *testing.T) {
	ts := newTestEndpoint(t)
	sessionID := initialize(t, ts)

	_, rpcResp := postMCP(t, ts, sessionID, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "tools/call",
		"params": map[string]any{"name": "noseparator"},
	})
	require.NotNil(t, rpcResp.Error)
	assert.Equal(t, jsonrpc.InvalidParams, rpcResp.Error.Code)
}

func TestToolsCallUnknownServer(t *testing.T) {
	ts := newTestEndpoint(t)
	sessionID := initialize(t, ts)

	_, rpcResp := postMCP(t, ts, sessionID, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "tools/call",
		"params": map[string]any{"name": "ghost__echo"},
	})
	require.NotNil(t, rpcResp.Error)
	assert.Equal(t, jsonrpc.InternalError, rpcResp.Error.Code)
}

func TestResourcesListAndRead(t *testing.T) {
	ts := newTestEndpoint(t)
	sessionID := initialize(t, ts)

	_, rpcResp := postMCP(t, ts, sessionID, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "resources/list",
	})
	m := resultMap(t, rpcResp)
	resources := m["resources"].([]any)
	require.Len(t, resources, 1)
	assert.Equal(t, "hub://hub://info", resources[0].(map[string]any)["uri"])

	_, rpcResp = postMCP(t, ts, sessionID, map[string]any{
		"jsonrpc": "2.0", "id": 3, "method": "resources/read",
		"params": map[string]any{"uri": "hub://hub://info"},
	})
	m = resultMap(t, rpcResp)
	contents := m["contents"].([]any)
	require.Len(t, contents, 1)
	c := contents[0].(map[string]any)
	assert.Equal(t, "info text", c["text"])
	assert.Equal(t, "hub://hub://info", c["uri"])
}

func TestPromptsListAndGet(t *testing.T) {
	ts := newTestEndpoint(t)
	sessionID := initialize(t, ts)

	_, rpcResp := postMCP(t, ts, sessionID, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "prompts/list",
	})
	m := resultMap(t, rpcResp)
	prompts := m["prompts"].([]any)
	require.Len(t, prompts, 1)
	assert.Equal(t, "hub__greet", prompts[0].(map[string]any)["name"])

	_, rpcResp = postMCP(t, ts, sessionID, map[string]any{
		"jsonrpc": "2.0", "id": 3, "method": "prompts/get",
		"params": map[string]any{
			"name":      "hub__greet",
			"arguments": map[string]string{"name": "Ada"},
		},
	})
	m = resultMap(t, rpcResp)
	messages := m["messages"].([]any)
	require.Len(t, messages, 1)
}

func TestNotificationAccepted(t *testing.T) {
	ts := newTestEndpoint(t)
	sessionID := initialize(t, ts)

	resp, _ := postMCP(t, ts, sessionID, map[string]any{
		"jsonrpc": "2.0", "method": "notifications/initialized",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestPing(t *testing.T) {
	ts := newTestEndpoint(t)
	sessionID := initialize(t, ts)

	_, rpcResp := postMCP(t, ts, sessionID, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "ping",
	})
	require.NotNil(t, rpcResp)
	assert.Nil(t, rpcResp.Error)
}

func TestDeleteSession(t *testing.T) {
	ts := newTestEndpoint(t)
	sessionID := initialize(t, ts)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Mcp-Session-Id", sessionID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// The session is gone: further requests are rejected.
	resp2, _ := postMCP(t, ts, sessionID, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "tools/list",
	})
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestOversizedBodyRejected(t *testing.T) {
	ts := newTestEndpoint(t)

	big := bytes.Repeat([]byte("a"), MaxRequestBodySize+10)
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"x":%q}}`, big)
	resp, err := http.Post(ts.URL+"/mcp", "application/json", bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	defer resp.Body.Close()

	var rpcResp jsonrpc.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	require.NotNil(t, rpcResp.Error)
	assert.Equal(t, jsonrpc.InvalidRequest, rpcResp.Error.Code)
}

func TestMethodNotFound(t *testing.T) {
	ts := newTestEndpoint(t)
	sessionID := initialize(t, ts)

	_, rpcResp := postMCP(t, ts, sessionID, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "wat/huh",
	})
	require.NotNil(t, rpcResp.Error)
	assert.Equal(t, jsonrpc.MethodNotFound, rpcResp.Error.Code)
}
