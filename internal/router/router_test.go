// ABOUTME: Tests for dispatch: resolution, status gating, approval, two-pass
// ABOUTME: resource matching, handler fault conversion, and one-shot completion.

package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-sh/conclave/internal/approval"
	"github.com/conclave-sh/conclave/internal/capability"
	"github.com/conclave-sh/conclave/internal/registry"
)

// fakeProvider lets tests script the provider side of a dispatch.
type fakeProvider struct {
	name   string
	info   capability.ServerInfo
	onCall func(ctx context.Context, tool string, args map[string]any) (*capability.ToolResult, error)
	onRead func(ctx context.Context, uri string, params map[string]string) (*capability.ResourceResult, error)

	mu         sync.Mutex
	lastParams map[string]string
}

func (f *fakeProvider) Name() string                    { return f.name }
func (f *fakeProvider) Describe() capability.ServerInfo { return f.info }
func (f *fakeProvider) Start(ctx context.Context) error { return nil }
func (f *fakeProvider) Stop(ctx context.Context) error  { return nil }

func (f *fakeProvider) CallTool(ctx context.Context, tool string, args map[string]any) (*capability.ToolResult, error) {
	if f.onCall != nil {
		return f.onCall(ctx, tool, args)
	}
	return &capability.ToolResult{Content: []capability.Content{capability.TextContent("ok")}}, nil
}

func (f *fakeProvider) ReadResource(ctx context.Context, uri string, params map[string]string) (*capability.ResourceResult, error) {
	f.mu.Lock()
	f.lastParams = params
	f.mu.Unlock()
	if f.onRead != nil {
		return f.onRead(ctx, uri, params)
	}
	return &capability.ResourceResult{Contents: []capability.ResourceContents{{URI: uri, Text: "data"}}}, nil
}

func (f *fakeProvider) GetPrompt(ctx context.Context, name string, args map[string]string) (*capability.PromptResult, error) {
	return &capability.PromptResult{Messages: []capability.PromptMessage{{Role: "user", Content: capability.TextContent("hi")}}}, nil
}

func weatherProvider() *fakeProvider {
	return &fakeProvider{
		name: "weather",
		info: capability.ServerInfo{
			Name:   "weather",
			Status: capability.StatusConnected,
			Capabilities: capability.Capabilities{
				Tools: []capability.Tool{{Name: "get_weather"}},
				Resources: []capability.Resource{
					{URI: "weather://forecast/default"},
				},
				ResourceTemplates: []capability.ResourceTemplate{
					{URITemplate: "weather://forecast/{city}"},
				},
				Prompts: []capability.Prompt{{Name: "forecast_summary"}},
			},
		},
	}
}

type memRecorder struct {
	mu   sync.Mutex
	recs []CallRecord
}

func (m *memRecorder) RecordCall(ctx context.Context, rec CallRecord) error {
	m.mu.Lock()
	m.recs = append(m.recs, rec)
	m.mu.Unlock()
	return nil
}

func (m *memRecorder) last(t *testing.T) CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.recs)
	return m.recs[len(m.recs)-1]
}

func newTestRouter(t *testing.T, p registry.Provider, engCfg approval.Config) (*Router, *memRecorder) {
	t.Helper()
	reg := registry.New(slog.Default())
	if p != nil {
		require.NoError(t, reg.Register(p))
	}
	rec := &memRecorder{}
	return New(reg, approval.New(engCfg), rec, slog.Default()), rec
}

func TestCallToolSuccess(t *testing.T) {
	r, rec := newTestRouter(t, weatherProvider(), approval.Config{AutoApproveAll: true})

	result, err := r.CallTool(context.Background(), "weather", "get_weather", map[string]any{"city": "Tokyo"}, CallOptions{Caller: "ui"})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text())

	last := rec.last(t)
	assert.True(t, last.Approved)
	assert.Equal(t, "ui", last.Caller)
	assert.Equal(t, "use_tool", last.Action)
}

func TestCallToolUnknownServer(t *testing.T) {
	r, _ := newTestRouter(t, nil, approval.Config{AutoApproveAll: true})
	_, err := r.CallTool(context.Background(), "missing", "x", nil, CallOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCallToolUnknownTool(t *testing.T) {
	r, _ := newTestRouter(t, weatherProvider(), approval.Config{AutoApproveAll: true})
	_, err := r.CallTool(context.Background(), "weather", "missing", nil, CallOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCallToolNotConnected(t *testing.T) {
	p := weatherProvider()
	p.info.Status = capability.StatusDisconnected
	r, _ := newTestRouter(t, p, approval.Config{AutoApproveAll: true})

	_, err := r.CallTool(context.Background(), "weather", "get_weather", nil, CallOptions{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCallToolDeniedVerbatim(t *testing.T) {
	r, rec := newTestRouter(t, weatherProvider(), approval.Config{AutoApproveAll: true})

	deny := func(info approval.CallInfo) approval.Result { return approval.Deny("nope") }
	_, err := r.CallTool(context.Background(), "weather", "get_weather", nil, CallOptions{Decide: deny})

	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "nope", denied.Reason)
	assert.Equal(t, "nope", err.Error())
	assert.False(t, rec.last(t).Approved)
}

func TestCallToolApprovalTimeoutUnwraps(t *testing.T) {
	err := (&DeniedError{Reason: "Approval timeout"})
	assert.ErrorIs(t, err, approval.ErrTimeout)
}

func TestCallToolHandlerFaultBecomesErrorResult(t *testing.T) {
	p := weatherProvider()
	p.onCall = func(ctx context.Context, tool string, args map[string]any) (*capability.ToolResult, error) {
		return nil, errors.New("upstream exploded")
	}
	r, _ := newTestRouter(t, p, approval.Config{AutoApproveAll: true})

	result, err := r.CallTool(context.Background(), "weather", "get_weather", nil, CallOptions{})
	require.NoError(t, err, "handler faults must not surface as router errors")
	assert.True(t, result.IsError)
	assert.Contains(t, result.Text(), "upstream exploded")
}

func TestCallToolTimeout(t *testing.T) {
	p := weatherProvider()
	p.onCall = func(ctx context.Context, tool string, args map[string]any) (*capability.ToolResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	r, _ := newTestRouter(t, p, approval.Config{AutoApproveAll: true})

	_, err := r.CallTool(context.Background(), "weather", "get_weather", nil, CallOptions{Timeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAccessResourceExactMatchBeatsTemplate(t *testing.T) {
	p := weatherProvider()
	r, _ := newTestRouter(t, p, approval.Config{})

	// "default" is both an exact URI and a valid {city} capture; the exact
	// pass must win, so no template params reach the provider.
	_, err := r.AccessResource(context.Background(), "weather", "weather://forecast/default", CallOptions{})
	require.NoError(t, err)
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Nil(t, p.lastParams)
}

func TestAccessResourceTemplateCaptures(t *testing.T) {
	p := weatherProvider()
	r, _ := newTestRouter(t, p, approval.Config{})

	_, err := r.AccessResource(context.Background(), "weather", "weather://forecast/Tokyo", CallOptions{})
	require.NoError(t, err)
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, map[string]string{"city": "Tokyo"}, p.lastParams)
}

func TestAccessResourceTemplateOrder(t *testing.T) {
	p := weatherProvider()
	p.info.Capabilities.ResourceTemplates = []capability.ResourceTemplate{
		{URITemplate: "weather://forecast/{city}"},
		{URITemplate: "weather://forecast/{region}"},
	}
	r, _ := newTestRouter(t, p, approval.Config{})

	_, err := r.AccessResource(context.Background(), "weather", "weather://forecast/Tokyo", CallOptions{})
	require.NoError(t, err)
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, map[string]string{"city": "Tokyo"}, p.lastParams, "first declared template wins")
}

func TestAccessResourceSkipsMalformedTemplate(t *testing.T) {
	p := weatherProvider()
	p.info.Capabilities.ResourceTemplates = []capability.ResourceTemplate{
		{URITemplate: "weather://broken"}, // no placeholders, never compiles
		{URITemplate: "weather://forecast/{city}"},
	}
	r, _ := newTestRouter(t, p, approval.Config{})

	// Resolve twice: the second call hits the matcher cache for both the
	// malformed and the valid template.
	for i := 0; i < 2; i++ {
		_, err := r.AccessResource(context.Background(), "weather", "weather://forecast/Tokyo", CallOptions{})
		require.NoError(t, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, map[string]string{"city": "Tokyo"}, p.lastParams)
}

func TestAccessResourceNotFound(t *testing.T) {
	r, _ := newTestRouter(t, weatherProvider(), approval.Config{})
	_, err := r.AccessResource(context.Background(), "weather", "weather://alerts", CallOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAccessResourceSkipsApproval(t *testing.T) {
	// A policy that denies everything: resource reads must still succeed.
	deny := func(info approval.CallInfo) approval.Result { return approval.Deny("nope") }
	r, rec := newTestRouter(t, weatherProvider(), approval.Config{})

	_, err := r.AccessResource(context.Background(), "weather", "weather://forecast/Tokyo", CallOptions{Decide: deny})
	require.NoError(t, err)
	assert.True(t, rec.last(t).Approved)
}

func TestGetPrompt(t *testing.T) {
	r, _ := newTestRouter(t, weatherProvider(), approval.Config{})

	result, err := r.GetPrompt(context.Background(), "weather", "forecast_summary", map[string]string{"city": "Tokyo"}, CallOptions{})
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)

	_, err = r.GetPrompt(context.Background(), "weather", "missing", nil, CallOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompletionOneShot(t *testing.T) {
	var delivered []string
	var mu sync.Mutex
	c := NewCompletion[string](func(v string, err error) {
		mu.Lock()
		delivered = append(delivered, v)
		mu.Unlock()
	})

	c.Deliver("first", nil)
	c.Deliver("second", nil)
	c.Deliver("third", errors.New("late failure"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 1)
	assert.Equal(t, "first", delivered[0])
}

func TestCallToolAsyncDelivers(t *testing.T) {
	r, _ := newTestRouter(t, weatherProvider(), approval.Config{AutoApproveAll: true})

	done := make(chan *capability.ToolResult, 1)
	c := NewCompletion[*capability.ToolResult](func(result *capability.ToolResult, err error) {
		require.NoError(t, err)
		done <- result
	})
	r.CallToolAsync(context.Background(), "weather", "get_weather", nil, CallOptions{}, c)

	select {
	case result := <-done:
		assert.Equal(t, "ok", result.Text())
	case <-time.After(time.Second):
		t.Fatal("async call never delivered")
	}
}
