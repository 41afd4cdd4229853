// ABOUTME: Entry point for the conclave-hub workspace server.
// ABOUTME: Aggregates capability servers behind one control API and MCP endpoint.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/conclave-sh/conclave/internal/capability"
	"github.com/conclave-sh/conclave/internal/config"
	"github.com/conclave-sh/conclave/internal/hub"
	"github.com/conclave-sh/conclave/internal/workspace"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                          _
   ___ ___  _ __   ___| | __ ___   _____
  / __/ _ \| '_ \ / __| |/ _' \ \ / / _ \
 | (_| (_) | | | | (__| | (_| |\ V /  __/
  \___\___/|_| |_|\___|_|\__,_| \_/ \___|
`

// getConfigPath returns the path to the global hub config file.
// Priority: CONCLAVE_CONFIG env var > XDG_CONFIG_HOME/conclave/hub.yaml > ~/.config/conclave/hub.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CONCLAVE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "hub.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "conclave", "hub.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: conclave-hub <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the hub for the current workspace")
		fmt.Println("  init     Write a starter config file")
		fmt.Println("  status   Show the running hub and its servers")
		fmt.Println("  health   Check hub health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "status":
		err = runStatus(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig resolves the effective configuration: a workspace marker config
// (.conclave.yaml at the discovered root) wins over the global file. The
// returned paths are the files actually read, in order, for the port cache.
func loadConfig(dir string) (*config.Config, []string, error) {
	root, err := workspace.Discover(dir, workspace.DefaultMarkers)
	if err == nil && (strings.HasSuffix(root.ConfigFile, ".yaml") || strings.HasSuffix(root.ConfigFile, ".yml")) {
		cfg, err := config.Load(root.ConfigFile)
		if err != nil {
			return nil, nil, fmt.Errorf("loading workspace config: %w", err)
		}
		return cfg, []string{root.ConfigFile}, nil
	}

	globalPath := getConfigPath()
	if _, err := os.Stat(globalPath); err == nil {
		cfg, err := config.Load(globalPath)
		if err != nil {
			return nil, nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, []string{globalPath}, nil
	}

	return config.Default(), nil, nil
}

func runServe(ctx context.Context) error {
	// Pull in a local .env if present; missing files are fine.
	_ = godotenv.Load()

	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolving working directory: %w", err)
	}

	cfg, configFiles, err := loadConfig(wd)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	logger := setupLogger(cfg.Logging)

	h, err := hub.New(hub.Options{
		Config:      cfg,
		ConfigFiles: configFiles,
		Dir:         wd,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("creating hub: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Workspace: %s\n", h.Root().Dir)
	if len(configFiles) > 0 {
		green.Print("    ▶ ")
		fmt.Printf("Config:    %s\n", strings.Join(configFiles, ", "))
	}
	green.Print("    ▶ ")
	fmt.Printf("Servers:   %d configured\n", len(cfg.Servers))
	fmt.Println()

	return h.Run(ctx)
}

// findHubURL locates the live hub for the current workspace via the port cache.
func findHubURL() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolving working directory: %w", err)
	}
	cfg, configFiles, err := loadConfig(wd)
	if err != nil {
		return "", err
	}

	root, err := workspace.Discover(wd, cfg.Workspace.Markers)
	if err != nil {
		root = workspace.Root{Dir: wd}
	}

	cachePath := cfg.Workspace.CachePath
	if cachePath == "" {
		cachePath = workspace.CachePath()
	}
	cache := workspace.NewCache(cachePath)
	port, _, found, err := cache.FindLive(root.Dir, configFiles)
	if err != nil {
		return "", fmt.Errorf("reading port cache: %w", err)
	}
	if !found {
		return "", fmt.Errorf("no hub running for workspace %s", root.Dir)
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port), nil
}

func runHealth(ctx context.Context) error {
	baseURL, err := findHubURL()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runStatus(ctx context.Context) error {
	baseURL, err := findHubURL()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/servers", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("status check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	var payload struct {
		Servers []capability.ServerInfo `json:"servers"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	gray := color.New(color.FgHiBlack)

	fmt.Printf("Hub: %s\n\n", baseURL)
	for _, srv := range payload.Servers {
		switch srv.Status {
		case capability.StatusConnected:
			green.Print("  ● ")
		case capability.StatusDisabled:
			gray.Print("  ○ ")
		default:
			red.Print("  ● ")
		}
		fmt.Printf("%-20s %-12s tools=%d resources=%d prompts=%d\n",
			srv.Name, srv.Status,
			len(srv.Capabilities.Tools),
			len(srv.Capabilities.Resources)+len(srv.Capabilities.ResourceTemplates),
			len(srv.Capabilities.Prompts))
		if srv.Error != "" {
			gray.Printf("      %s\n", srv.Error)
		}
	}
	return nil
}

func runInit() error {
	path := getConfigPath()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	content := `# conclave-hub configuration
# Generated by conclave-hub init

servers:
  # filesystem:
  #   command: "npx"
  #   args: ["-y", "@modelcontextprotocol/server-filesystem", "."]
  #   auto_approve: [read_file, list_directory]
  # remote:
  #   url: "https://example.com/mcp"
  #   transport: "http"
  #   headers:
  #     Authorization: "Bearer ${EXAMPLE_TOKEN}"

approval:
  auto_approve_all: false
  timeout: "60s"

logging:
  level: "info"
  format: "text"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("Config written to %s\n", path)
	fmt.Println("\nTo start the hub:")
	fmt.Println("  conclave-hub serve")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
