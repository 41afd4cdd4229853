// ABOUTME: Tests for the in-process provider: handler dispatch, one-shot delivery,
// ABOUTME: panic recovery, async handlers, and template resolution.

package native

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-sh/conclave/internal/capability"
)

func testServer() *Server {
	return NewServer("hub", "Hub Utilities", nil)
}

func TestCallToolChainedText(t *testing.T) {
	s := testServer()
	s.Tool("echo", "Echo the input", json.RawMessage(`{"type":"object"}`), func(ctx context.Context, req *Request, res *ToolResponse) {
		res.Text("hello ").Text(req.Argument("name")).Send()
	})

	result, err := s.CallTool(context.Background(), "echo", map[string]any{"name": "world"})
	require.NoError(t, err)
	require.Len(t, result.Content, 2)
	assert.Equal(t, "hello ", result.Content[0].Text)
	assert.Equal(t, "world", result.Content[1].Text)
	assert.False(t, result.IsError)
}

func TestCallToolErrorAppendsAndFlags(t *testing.T) {
	s := testServer()
	s.Tool("fail", "", nil, func(ctx context.Context, req *Request, res *ToolResponse) {
		res.Text("partial output")
		res.Error("something broke")
	})

	result, err := s.CallTool(context.Background(), "fail", nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	require.Len(t, result.Content, 2)
	assert.Equal(t, "partial output", result.Content[0].Text)
	assert.Equal(t, "something broke", result.Content[1].Text)
}

func TestCallToolOneShotDelivery(t *testing.T) {
	s := testServer()
	s.Tool("double", "", nil, func(ctx context.Context, req *Request, res *ToolResponse) {
		res.Text("first").Send()
		// Later finalizations must be silently ignored.
		res.Error("late error")
		res.Text("late text").Send()
	})

	result, err := s.CallTool(context.Background(), "double", nil)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "first", result.Content[0].Text)
}

func TestCallToolPanicRecovery(t *testing.T) {
	s := testServer()
	s.Tool("boom", "", nil, func(ctx context.Context, req *Request, res *ToolResponse) {
		panic("kaboom")
	})

	result, err := s.CallTool(context.Background(), "boom", nil)
	require.NoError(t, err, "panic must surface as an error result, not a Go error")
	assert.True(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Contains(t, result.Content[0].Text, "kaboom")
}

func TestCallToolAsyncHandler(t *testing.T) {
	s := testServer()
	s.Tool("later", "", nil, func(ctx context.Context, req *Request, res *ToolResponse) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			res.Text("done").Send()
		}()
	})

	result, err := s.CallTool(context.Background(), "later", nil)
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "done", result.Content[0].Text)
}

func TestCallToolContextCancellation(t *testing.T) {
	s := testServer()
	s.Tool("hang", "", nil, func(ctx context.Context, req *Request, res *ToolResponse) {
		// Never finalizes.
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.CallTool(ctx, "hang", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallToolUnknown(t *testing.T) {
	s := testServer()
	_, err := s.CallTool(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCallToolStructuredContent(t *testing.T) {
	s := testServer()
	s.Tool("stats", "", nil, func(ctx context.Context, req *Request, res *ToolResponse) {
		res.Text("ok").Structured(map[string]any{"count": 3}).Send()
	})

	result, err := s.CallTool(context.Background(), "stats", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": 3}, result.StructuredContent)
}

func TestReadResourceExactMatch(t *testing.T) {
	s := testServer()
	s.Resource("hub://servers", "servers", "", "application/json", func(ctx context.Context, req *Request, res *ResourceResponse) {
		res.Text(`["weather"]`).Send()
	})

	result, err := s.ReadResource(context.Background(), "hub://servers", nil)
	require.NoError(t, err)
	require.Len(t, result.Contents, 1)
	assert.Equal(t, "hub://servers", result.Contents[0].URI)
	assert.Equal(t, "application/json", result.Contents[0].MIMEType)
	assert.Equal(t, `["weather"]`, result.Contents[0].Text)
}

func TestReadResourceTemplateCaptures(t *testing.T) {
	s := testServer()
	require.NoError(t, s.ResourceTemplate("hub://servers/{name}", "server", "", "application/json",
		func(ctx context.Context, req *Request, res *ResourceResponse) {
			res.Text(`{"server":"` + req.Params["name"] + `"}`).Send()
		}))

	result, err := s.ReadResource(context.Background(), "hub://servers/weather", nil)
	require.NoError(t, err)
	require.Len(t, result.Contents, 1)
	assert.Equal(t, `{"server":"weather"}`, result.Contents[0].Text)
}

func TestReadResourceLeavesCallerParamsUntouched(t *testing.T) {
	s := testServer()
	require.NoError(t, s.ResourceTemplate("hub://servers/{name}", "", "", "",
		func(ctx context.Context, req *Request, res *ResourceResponse) {
			res.Text(req.Params["name"] + "/" + req.Params["units"]).Send()
		}))

	params := map[string]string{"units": "metric"}
	result, err := s.ReadResource(context.Background(), "hub://servers/weather", params)
	require.NoError(t, err)
	assert.Equal(t, "weather/metric", result.Contents[0].Text)
	assert.Equal(t, map[string]string{"units": "metric"}, params, "caller map must not gain captures")
}

func TestReadResourceExactBeatsTemplate(t *testing.T) {
	s := testServer()
	require.NoError(t, s.ResourceTemplate("hub://servers/{name}", "", "", "", func(ctx context.Context, req *Request, res *ResourceResponse) {
		res.Text("template").Send()
	}))
	s.Resource("hub://servers/default", "", "", "", func(ctx context.Context, req *Request, res *ResourceResponse) {
		res.Text("exact").Send()
	})

	result, err := s.ReadResource(context.Background(), "hub://servers/default", nil)
	require.NoError(t, err)
	assert.Equal(t, "exact", result.Contents[0].Text)
}

func TestReadResourceHandlerError(t *testing.T) {
	s := testServer()
	s.Resource("hub://broken", "", "", "", func(ctx context.Context, req *Request, res *ResourceResponse) {
		res.Error(assert.AnError)
	})

	_, err := s.ReadResource(context.Background(), "hub://broken", nil)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestReadResourceUnknown(t *testing.T) {
	s := testServer()
	_, err := s.ReadResource(context.Background(), "hub://missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetPrompt(t *testing.T) {
	s := testServer()
	s.Prompt("greet", "Greeting prompt", []capability.PromptArgument{{Name: "name", Required: true}},
		func(ctx context.Context, req *Request, res *PromptResponse) {
			res.Description("A greeting").Text("user", "Say hello to "+req.Params["name"]).Send()
		})

	result, err := s.GetPrompt(context.Background(), "greet", map[string]string{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "A greeting", result.Description)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, "user", result.Messages[0].Role)
	assert.Equal(t, "Say hello to Ada", result.Messages[0].Content.Text)
}

func TestDescribeReflectsRegistrations(t *testing.T) {
	s := testServer()
	s.Tool("a", "", nil, nil)
	s.Tool("b", "", nil, nil)
	s.Resource("hub://r", "", "", "", nil)
	require.NoError(t, s.ResourceTemplate("hub://t/{x}", "", "", "", nil))
	s.Prompt("p", "", nil, nil)
	require.NoError(t, s.Start(context.Background()))

	info := s.Describe()
	assert.Equal(t, "hub", info.Name)
	assert.Equal(t, capability.StatusConnected, info.Status)
	require.Len(t, info.Capabilities.Tools, 2)
	assert.Equal(t, "a", info.Capabilities.Tools[0].Name)
	assert.Equal(t, "b", info.Capabilities.Tools[1].Name)
	assert.Len(t, info.Capabilities.Resources, 1)
	assert.Len(t, info.Capabilities.ResourceTemplates, 1)
	assert.Len(t, info.Capabilities.Prompts, 1)
	assert.False(t, info.LastStarted.IsZero())

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, capability.StatusDisconnected, s.Describe().Status)
}

func TestOnChangedFires(t *testing.T) {
	s := testServer()
	var tools, resources, prompts int
	s.OnChanged(func(t, r, p bool) {
		if t {
			tools++
		}
		if r {
			resources++
		}
		if p {
			prompts++
		}
	})

	s.Tool("x", "", nil, nil)
	s.Resource("hub://x", "", "", "", nil)
	s.Prompt("x", "", nil, nil)

	assert.Equal(t, 1, tools)
	assert.Equal(t, 1, resources)
	assert.Equal(t, 1, prompts)
}
