// ABOUTME: Hub orchestrator: wires workspace discovery, providers, approval,
// ABOUTME: audit store, and the HTTP surfaces into one running process.

package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/conclave-sh/conclave/internal/approval"
	"github.com/conclave-sh/conclave/internal/capability"
	"github.com/conclave-sh/conclave/internal/config"
	"github.com/conclave-sh/conclave/internal/control"
	"github.com/conclave-sh/conclave/internal/mcpfront"
	"github.com/conclave-sh/conclave/internal/provider"
	"github.com/conclave-sh/conclave/internal/registry"
	"github.com/conclave-sh/conclave/internal/router"
	"github.com/conclave-sh/conclave/internal/store"
	"github.com/conclave-sh/conclave/internal/workspace"
)

// ErrAlreadyRunning indicates a live hub is already serving this workspace.
var ErrAlreadyRunning = errors.New("hub already running for this workspace")

// Options configures a Hub.
type Options struct {
	Config *config.Config
	// ConfigFiles are the absolute paths of the config files in effect, in
	// load order. They go into the port cache entry so a second launch in the
	// same workspace with the same configuration reuses the running hub.
	ConfigFiles []string
	// Dir is where workspace discovery starts; defaults to the process cwd.
	Dir string
	// Port forces a listen port instead of deriving one from the workspace.
	Port   int
	Logger *slog.Logger
}

// Hub owns all hub-side components for one workspace.
type Hub struct {
	opts    Options
	logger  *slog.Logger
	started time.Time

	root      workspace.Root
	cache     *workspace.Cache
	port      int
	registry  *registry.Registry
	approvals *approval.PendingApprovals
	engine    *approval.Engine
	store     *store.SQLiteStore
	router    *router.Router
	control   *control.Server
	mcp       *mcpfront.Server
}

// New builds a hub from options. The workspace is discovered and the audit
// store opened here; network listening happens in Run.
func New(opts Options) (*Hub, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config

	dir := opts.Dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		dir = wd
	}

	root, err := workspace.Discover(dir, cfg.Workspace.Markers)
	if errors.Is(err, workspace.ErrNoWorkspace) {
		// No marker anywhere above us: the starting directory is the workspace.
		root = workspace.Root{Dir: dir}
	} else if err != nil {
		return nil, fmt.Errorf("discovering workspace: %w", err)
	}

	cachePath := cfg.Workspace.CachePath
	if cachePath == "" {
		cachePath = workspace.CachePath()
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = defaultDatabasePath()
	}
	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit store: %w", err)
	}

	reg := registry.New(logger)
	approvals := approval.NewPendingApprovals(logger)

	// Config names are sanitized into the namespace-safe alphabet here, so a
	// YAML server "github-mcp" registers (and is policy-matched) as
	// "github_mcp". Register's own check stays as a backstop.
	policies := make(map[string]approval.ServerPolicy, len(cfg.Servers))
	for name, srv := range cfg.Servers {
		policies[capability.Sanitize(name)] = approval.ServerPolicy{All: srv.AutoApprove.All, Tools: srv.AutoApprove.Tools}
	}
	engine := approval.New(approval.Config{
		AutoApproveAll: cfg.Approval.AutoApproveAll,
		Servers:        policies,
		Prompter:       approvals,
		Timeout:        cfg.Approval.Timeout,
		Logger:         logger,
	})

	rt := router.New(reg, engine, st, logger)

	h := &Hub{
		opts:      opts,
		logger:    logger.With("component", "hub"),
		started:   time.Now(),
		root:      root,
		cache:     workspace.NewCache(cachePath),
		port:      opts.Port,
		registry:  reg,
		approvals: approvals,
		engine:    engine,
		store:     st,
		router:    rt,
		control:   control.NewServer(rt, reg, approvals, st, logger),
		mcp:       mcpfront.NewServer(rt, logger),
	}

	for name, srvCfg := range cfg.Servers {
		p := provider.New(providerConfig(capability.Sanitize(name), srvCfg), reg.Events(), logger)
		if err := reg.Register(p); err != nil {
			st.Close()
			return nil, fmt.Errorf("registering server %q: %w", name, err)
		}
	}
	if err := reg.Register(h.builtin()); err != nil {
		st.Close()
		return nil, fmt.Errorf("registering builtin server: %w", err)
	}

	return h, nil
}

func providerConfig(name string, src config.ServerConfig) provider.Config {
	return provider.Config{
		Name:             name,
		DisplayName:      src.DisplayName,
		Command:          src.Command,
		Args:             src.Args,
		Env:              src.Env,
		URL:              src.URL,
		Transport:        src.Transport,
		Headers:          src.Headers,
		Disabled:         src.Disabled,
		AutoApproveAll:   src.AutoApprove.All,
		AutoApproveTools: src.AutoApprove.Tools,
	}
}

// defaultDatabasePath follows XDG: $XDG_DATA_HOME/conclave/calls.db.
func defaultDatabasePath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "conclave", "calls.db")
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "conclave", "calls.db")
}

// Root returns the discovered workspace root.
func (h *Hub) Root() workspace.Root { return h.root }

// Port returns the listen port. Zero until Run has claimed one.
func (h *Hub) Port() int { return h.port }

// Router exposes the dispatch router, for embedding callers.
func (h *Hub) Router() *router.Router { return h.router }

// Handler returns the combined HTTP surface: the control API at the root and
// the MCP endpoint at /mcp.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", h.control.Handler())
	h.mcp.RegisterRoutes(mux)
	return mux
}

// startProviders connects all enabled servers concurrently. Failures are
// recorded on the provider and logged; the hub keeps running without them.
func (h *Hub) startProviders(ctx context.Context) {
	for _, info := range h.registry.List() {
		name := info.Name
		p, err := h.registry.Get(name)
		if err != nil {
			continue
		}
		go func() {
			if err := p.Start(ctx); err != nil {
				h.logger.Error("starting server", "server", name, "error", err)
			}
		}()
	}
}

// Run claims the workspace port, starts providers, and serves HTTP until the
// context is cancelled. The port cache entry is written on bind and removed
// on shutdown.
func (h *Hub) Run(ctx context.Context) error {
	port, live, found, err := h.cache.FindLive(h.root.Dir, h.opts.ConfigFiles)
	if err != nil {
		h.logger.Warn("reading port cache", "error", err)
	}
	if found {
		return fmt.Errorf("%w: pid %d on port %d", ErrAlreadyRunning, live.PID, port)
	}

	if h.port == 0 {
		cfg := h.opts.Config
		h.port, err = workspace.ClaimPort(h.root.Dir, cfg.Workspace.PortRange, cfg.Workspace.ProbeLimit)
		if err != nil {
			return fmt.Errorf("claiming workspace port: %w", err)
		}
	}

	h.startProviders(ctx)

	entry := workspace.Entry{
		PID:         os.Getpid(),
		Cwd:         h.root.Dir,
		ConfigFiles: h.opts.ConfigFiles,
		StartTime:   h.started.UnixMilli(),
	}
	if err := h.cache.Put(h.port, entry); err != nil {
		h.logger.Warn("writing port cache", "error", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", h.port),
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening",
			"addr", srv.Addr, "workspace", h.root.Dir, "pid", os.Getpid())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		h.shutdown(srv)
		return nil
	case err := <-errCh:
		h.shutdown(nil)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	}
}

func (h *Hub) shutdown(srv *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("http shutdown", "error", err)
		}
	}
	if err := h.cache.Remove(h.port); err != nil {
		h.logger.Warn("removing port cache entry", "error", err)
	}
	h.registry.Close(shutdownCtx)
	if err := h.store.Close(); err != nil {
		h.logger.Warn("closing audit store", "error", err)
	}
	h.logger.Info("hub stopped")
}
