// ABOUTME: Thread-safe registry of capability providers keyed by sanitized name.
// ABOUTME: Owns provider registration, lookup, lifecycle transitions, and events.

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/conclave-sh/conclave/internal/capability"
)

// ErrServerNotFound indicates the named provider is not registered.
var ErrServerNotFound = errors.New("server not found")

// ErrNameCollision indicates a provider with the same sanitized name exists.
var ErrNameCollision = errors.New("server name collision")

// Provider is a named source of tools, resources, and prompts. Implementations
// are the MCP client provider (subprocess/remote servers) and the native
// in-process runtime.
type Provider interface {
	Name() string
	Describe() capability.ServerInfo

	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	CallTool(ctx context.Context, tool string, args map[string]any) (*capability.ToolResult, error)
	ReadResource(ctx context.Context, uri string, params map[string]string) (*capability.ResourceResult, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*capability.PromptResult, error)
}

// Registry maintains the live set of capability providers. It is the only
// component that mutates the provider set; everything else reads snapshots.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string // registration order, for stable listings

	notifier *Notifier
	logger   *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		providers: make(map[string]Provider),
		notifier:  NewNotifier(),
		logger:    logger,
	}
}

// Events exposes the registry's change notifier. Providers publish
// capability-list changes here; the registry itself publishes
// servers_updated on registration changes and lifecycle transitions.
func (r *Registry) Events() *Notifier {
	return r.notifier
}

// Register adds a provider under its sanitized name. The provider name must
// already be sanitized (capability.Sanitize); registering a name that
// sanitizes differently, or that is already taken, fails with ErrNameCollision.
func (r *Registry) Register(p Provider) error {
	name := p.Name()
	if sanitized := capability.Sanitize(name); sanitized != name {
		return fmt.Errorf("%w: name %q must be sanitized to %q before registration", ErrNameCollision, name, sanitized)
	}

	r.mu.Lock()
	if _, exists := r.providers[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNameCollision, name)
	}
	r.providers[name] = p
	r.order = append(r.order, name)
	total := len(r.providers)
	r.mu.Unlock()

	r.logger.Info("server registered", "server", name, "total_servers", total)
	r.notifier.Publish(EventServersUpdated)
	return nil
}

// Remove deletes a provider. Removing an unknown name is a no-op.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	if _, exists := r.providers[name]; !exists {
		r.mu.Unlock()
		return
	}
	delete(r.providers, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	total := len(r.providers)
	r.mu.Unlock()

	r.logger.Info("server removed", "server", name, "total_servers", total)
	r.notifier.Publish(EventServersUpdated)
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrServerNotFound, name)
	}
	return p, nil
}

// List returns snapshots of all providers in registration order.
func (r *Registry) List() []capability.ServerInfo {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	providers := make([]Provider, 0, len(names))
	for _, n := range names {
		providers = append(providers, r.providers[n])
	}
	r.mu.RUnlock()

	infos := make([]capability.ServerInfo, 0, len(providers))
	for _, p := range providers {
		infos = append(infos, p.Describe())
	}
	return infos
}

// StartServer starts the named provider and announces the status transition.
func (r *Registry) StartServer(ctx context.Context, name string) error {
	p, err := r.Get(name)
	if err != nil {
		return err
	}
	err = p.Start(ctx)
	r.notifier.Publish(EventServersUpdated)
	if err != nil {
		return fmt.Errorf("starting server %q: %w", name, err)
	}
	r.logger.Info("server started", "server", name)
	return nil
}

// StopServer stops the named provider and announces the status transition.
func (r *Registry) StopServer(ctx context.Context, name string) error {
	p, err := r.Get(name)
	if err != nil {
		return err
	}
	err = p.Stop(ctx)
	r.notifier.Publish(EventServersUpdated)
	if err != nil {
		return fmt.Errorf("stopping server %q: %w", name, err)
	}
	r.logger.Info("server stopped", "server", name)
	return nil
}

// Close stops all providers and shuts down the notifier. Called on hub
// shutdown.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	providers := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	count := len(providers)
	r.providers = make(map[string]Provider)
	r.order = nil
	r.mu.Unlock()

	for _, p := range providers {
		if err := p.Stop(ctx); err != nil {
			r.logger.Warn("stopping server during close", "server", p.Name(), "error", err)
		}
	}
	r.notifier.Close()
	r.logger.Info("registry closed", "servers_stopped", count)
}
