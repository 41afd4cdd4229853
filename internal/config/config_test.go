// ABOUTME: Tests for config parsing: env expansion, auto_approve forms, validation.
// ABOUTME: Parses YAML fixtures inline; no files on disk except the Load test.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-sh/conclave/internal/workspace"
)

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse([]byte(`
servers:
  weather:
    display_name: Weather Service
    command: uvx
    args: ["weather-mcp"]
    env:
      API_KEY: secret
    auto_approve: true
  docs:
    url: https://docs.example.com/mcp
    transport: sse
    headers:
      Authorization: Bearer token
    auto_approve: [search, fetch]
  legacy:
    command: node
    args: ["legacy.js"]
    disabled: true
workspace:
  markers: [".conclave.yaml"]
  port_range:
    min: 43000
    max: 43050
database:
  path: /tmp/conclave.db
approval:
  timeout: 30s
logging:
  level: debug
`))
	require.NoError(t, err)

	weather := cfg.Servers["weather"]
	assert.Equal(t, "Weather Service", weather.DisplayName)
	assert.Equal(t, "uvx", weather.Command)
	assert.True(t, weather.AutoApprove.All)

	docs := cfg.Servers["docs"]
	assert.Equal(t, "sse", docs.Transport)
	assert.False(t, docs.AutoApprove.All)
	assert.Equal(t, []string{"search", "fetch"}, docs.AutoApprove.Tools)

	assert.True(t, cfg.Servers["legacy"].Disabled)
	assert.Equal(t, 43000, cfg.Workspace.PortRange.Min)
	assert.Equal(t, 30*time.Second, cfg.Approval.Timeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`servers: {}`))
	require.NoError(t, err)

	assert.Equal(t, workspace.DefaultMarkers, cfg.Workspace.Markers)
	assert.Equal(t, workspace.DefaultPortRange, cfg.Workspace.PortRange)
	assert.Equal(t, workspace.DefaultProbeLimit, cfg.Workspace.ProbeLimit)
	assert.Equal(t, 60*time.Second, cfg.Approval.Timeout)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestEnvVarExpansion(t *testing.T) {
	t.Setenv("CONCLAVE_TEST_TOKEN", "tok-123")

	cfg, err := Parse([]byte(`
servers:
  docs:
    url: https://docs.example.com/mcp
    headers:
      Authorization: Bearer ${CONCLAVE_TEST_TOKEN}
`))
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-123", cfg.Servers["docs"].Headers["Authorization"])
}

func TestEnvVarMissingExpandsEmpty(t *testing.T) {
	cfg, err := Parse([]byte(`
servers:
  x:
    command: run
    env:
      KEY: "${CONCLAVE_TEST_DEFINITELY_UNSET}"
`))
	require.NoError(t, err)
	assert.Equal(t, "", cfg.Servers["x"].Env["KEY"])
}

func TestAutoApproveRejectsMapping(t *testing.T) {
	_, err := Parse([]byte(`
servers:
  x:
    command: run
    auto_approve:
      bad: form
`))
	assert.Error(t, err)
}

func TestValidateServerShape(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"neither command nor url", "servers:\n  x: {}\n"},
		{"both command and url", "servers:\n  x:\n    command: run\n    url: http://h/mcp\n"},
		{"bad transport", "servers:\n  x:\n    url: http://h/mcp\n    transport: websocket\n"},
		{"transport without url", "servers:\n  x:\n    command: run\n    transport: sse\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestValidatePortRange(t *testing.T) {
	_, err := Parse([]byte(`
workspace:
  port_range:
    min: 5000
    max: 4000
`))
	assert.Error(t, err)
}

func TestInvalidApprovalTimeout(t *testing.T) {
	_, err := Parse([]byte("approval:\n  timeout: banana\n"))
	assert.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conclave.yaml")
	require.NoError(t, os.WriteFile(path, []byte("servers:\n  x:\n    command: run\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Contains(t, cfg.Servers, "x")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
