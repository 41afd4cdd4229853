// ABOUTME: Entry point for the conclave-bridge stdio adapter.
// ABOUTME: Exposes a workspace hub as a single MCP server over stdin/stdout.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/conclave-sh/conclave/internal/bridge"
	"github.com/conclave-sh/conclave/internal/control"
	"github.com/conclave-sh/conclave/internal/workspace"
)

var version = "dev"

// CLI defines the bridge command line. The hub is located explicitly via
// --url/--port, or implicitly through workspace discovery from the current
// directory. Logs go to stderr; stdout carries only protocol frames.
type CLI struct {
	Version kong.VersionFlag `kong:"short='v',help='Show version information'"`

	URL  string `kong:"help='Hub base URL (e.g. http://127.0.0.1:42017)'"`
	Port int    `kong:"short='p',help='Hub port on 127.0.0.1'"`

	CallTimeout    time.Duration `kong:"default='60s',help='Timeout for a single capability call'"`
	ConnectTimeout time.Duration `kong:"default='5s',help='Timeout for connecting to the hub'"`

	LogLevel string `kong:"default='info',enum='debug,info,warn,error',help='Log level'"`
	LogFile  string `kong:"help='Write logs to this file instead of stderr'"`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("conclave-bridge"),
		kong.Description("Bridge a workspace hub into a single stdio MCP server."),
		kong.Vars{"version": version})

	if err := run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cli *CLI) error {
	logger, closeLog, err := setupLogger(cli)
	if err != nil {
		return err
	}
	defer closeLog()

	baseURL, err := resolveHubURL(cli)
	if err != nil {
		return err
	}
	logger.Info("bridging to hub", "url", baseURL, "version", version)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := control.NewClient(baseURL, control.ClientConfig{
		CallTimeout:    cli.CallTimeout,
		ConnectTimeout: cli.ConnectTimeout,
	})
	if _, err := client.Health(ctx); err != nil {
		return fmt.Errorf("hub not reachable at %s: %w", baseURL, err)
	}

	b := bridge.New(client, os.Stdin, os.Stdout, logger)
	return b.Run(ctx)
}

// resolveHubURL picks the hub address: --url, then --port, then the port
// cache entry for the workspace containing the current directory.
func resolveHubURL(cli *CLI) (string, error) {
	if cli.URL != "" {
		return cli.URL, nil
	}
	if cli.Port != 0 {
		return fmt.Sprintf("http://127.0.0.1:%d", cli.Port), nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolving working directory: %w", err)
	}
	root, err := workspace.Discover(wd, workspace.DefaultMarkers)
	if err != nil {
		root = workspace.Root{Dir: wd}
	}

	cache := workspace.NewCache(workspace.CachePath())
	port, _, found, err := cache.FindLiveForDir(root.Dir)
	if err != nil {
		return "", fmt.Errorf("reading port cache: %w", err)
	}
	if !found {
		return "", fmt.Errorf("no hub running for workspace %s (start one with: conclave-hub serve)", root.Dir)
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port), nil
}

func setupLogger(cli *CLI) (*slog.Logger, func(), error) {
	var level slog.Level
	switch cli.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	closeLog := func() {}
	if cli.LogFile != "" {
		f, err := os.OpenFile(cli.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		w = f
		closeLog = func() { f.Close() }
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler), closeLog, nil
}
