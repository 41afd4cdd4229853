// ABOUTME: HTTP client for the hub control API, used by the bridge and CLI.
// ABOUTME: Bounded connect and call timeouts; envelope errors surface verbatim.

package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/conclave-sh/conclave/internal/capability"
)

// ErrNoResult indicates the hub's envelope carried neither a result nor an
// error.
var ErrNoResult = errors.New("no result returned")

const (
	// DefaultCallTimeout bounds one RPC round trip.
	DefaultCallTimeout = 60 * time.Second
	// DefaultConnectTimeout bounds the TCP connection attach.
	DefaultConnectTimeout = 5 * time.Second
)

// Client talks to a running hub's control API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	callTimeout time.Duration
}

// ClientConfig tunes a Client. Zero values use defaults.
type ClientConfig struct {
	CallTimeout    time.Duration
	ConnectTimeout time.Duration
}

// NewClient creates a client for the hub at baseURL (e.g. "http://127.0.0.1:42017").
func NewClient(baseURL string, cfg ClientConfig) *Client {
	callTimeout := cfg.CallTimeout
	if callTimeout == 0 {
		callTimeout = DefaultCallTimeout
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = DefaultConnectTimeout
	}

	dialer := &net.Dialer{Timeout: connectTimeout}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: &http.Transport{DialContext: dialer.DialContext},
		},
		callTimeout: callTimeout,
	}
}

// Health checks the hub is up.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListServers returns all registered providers with their capabilities. The
// fetch is always fresh; the client holds no cache.
func (c *Client) ListServers(ctx context.Context) ([]capability.ServerInfo, error) {
	var resp ListServersResponse
	if err := c.get(ctx, "/api/servers", &resp); err != nil {
		return nil, err
	}
	return resp.Servers, nil
}

// CallTool dispatches a tool call through the hub. An envelope error comes
// back as a plain error carrying the hub's message verbatim.
func (c *Client) CallTool(ctx context.Context, server, tool string, args map[string]any, caller string) (*capability.ToolResult, error) {
	var resp CallToolResponse
	err := c.post(ctx, "/api/tools/call", CallToolRequest{
		Server:    server,
		Tool:      tool,
		Arguments: args,
		Caller:    caller,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	if resp.Result == nil {
		return nil, ErrNoResult
	}
	return resp.Result, nil
}

// AccessResource reads a resource through the hub.
func (c *Client) AccessResource(ctx context.Context, server, uri, caller string) (*capability.ResourceResult, error) {
	var resp AccessResourceResponse
	err := c.post(ctx, "/api/resources/access", AccessResourceRequest{
		Server: server,
		URI:    uri,
		Caller: caller,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	if resp.Result == nil {
		return nil, ErrNoResult
	}
	return resp.Result, nil
}

// GetPrompt renders a prompt through the hub.
func (c *Client) GetPrompt(ctx context.Context, server, prompt string, args map[string]string, caller string) (*capability.PromptResult, error) {
	var resp GetPromptResponse
	err := c.post(ctx, "/api/prompts/get", GetPromptRequest{
		Server:    server,
		Prompt:    prompt,
		Arguments: args,
		Caller:    caller,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	if resp.Result == nil {
		return nil, ErrNoResult
	}
	return resp.Result, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("hub request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&errBody) == nil && errBody.Error != "" {
			return errors.New(errBody.Error)
		}
		return fmt.Errorf("hub returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
