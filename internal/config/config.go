// ABOUTME: Configuration loading and parsing for conclave-hub
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/conclave-sh/conclave/internal/workspace"
)

// Config represents the complete conclave-hub configuration
type Config struct {
	Servers   map[string]ServerConfig `yaml:"servers"`
	Workspace WorkspaceConfig         `yaml:"workspace"`
	Database  DatabaseConfig          `yaml:"database"`
	Approval  ApprovalConfig          `yaml:"approval"`
	Logging   LoggingConfig           `yaml:"logging"`
}

// ServerConfig describes one capability server. Exactly one of Command or URL
// must be set: Command spawns a subprocess speaking stdio, URL attaches to a
// remote server (SSE or streamable HTTP, chosen by Transport).
type ServerConfig struct {
	DisplayName string            `yaml:"display_name"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	URL         string            `yaml:"url"`
	Transport   string            `yaml:"transport"` // "sse" or "http"; default "http" for URL servers
	Headers     map[string]string `yaml:"headers"`
	Disabled    bool              `yaml:"disabled"`
	AutoApprove AutoApprove       `yaml:"auto_approve"`
}

// AutoApprove is either a boolean (approve everything on this server) or a
// list of tool names to approve.
type AutoApprove struct {
	All   bool
	Tools []string
}

// UnmarshalYAML accepts `auto_approve: true` or `auto_approve: [a, b]`.
func (a *AutoApprove) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var all bool
		if err := value.Decode(&all); err != nil {
			return fmt.Errorf("auto_approve must be a boolean or a list of tool names")
		}
		a.All = all
		return nil
	case yaml.SequenceNode:
		return value.Decode(&a.Tools)
	default:
		return fmt.Errorf("auto_approve must be a boolean or a list of tool names")
	}
}

// WorkspaceConfig holds workspace discovery configuration
type WorkspaceConfig struct {
	Markers    []string            `yaml:"markers"`
	PortRange  workspace.PortRange `yaml:"port_range"`
	ProbeLimit int                 `yaml:"probe_limit"`
	CachePath  string              `yaml:"cache_path"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ApprovalConfig holds approval engine configuration
type ApprovalConfig struct {
	AutoApproveAll bool          `yaml:"auto_approve_all"`
	Timeout        time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML config content.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if len(c.Workspace.Markers) == 0 {
		c.Workspace.Markers = workspace.DefaultMarkers
	}
	if c.Workspace.PortRange.Min == 0 && c.Workspace.PortRange.Max == 0 {
		c.Workspace.PortRange = workspace.DefaultPortRange
	}
	if c.Workspace.ProbeLimit == 0 {
		c.Workspace.ProbeLimit = workspace.DefaultProbeLimit
	}
	if c.Approval.Timeout == 0 {
		c.Approval.Timeout = 60 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	for name, srv := range c.Servers {
		if srv.Command == "" && srv.URL == "" {
			return fmt.Errorf("server %q: either command or url is required", name)
		}
		if srv.Command != "" && srv.URL != "" {
			return fmt.Errorf("server %q: command and url are mutually exclusive", name)
		}
		if srv.Transport != "" && srv.Transport != "sse" && srv.Transport != "http" {
			return fmt.Errorf("server %q: transport must be \"sse\" or \"http\", got %q", name, srv.Transport)
		}
		if srv.Transport != "" && srv.URL == "" {
			return fmt.Errorf("server %q: transport requires url", name)
		}
	}

	if !c.Workspace.PortRange.Valid() {
		return fmt.Errorf("workspace.port_range: invalid range [%d, %d]",
			c.Workspace.PortRange.Min, c.Workspace.PortRange.Max)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Approval.TimeoutRaw != "" {
		cfg.Approval.Timeout, err = time.ParseDuration(cfg.Approval.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing approval timeout %q: %w", cfg.Approval.TimeoutRaw, err)
		}
	}

	return nil
}
