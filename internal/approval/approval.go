// ABOUTME: Layered auto-approval policy evaluator for capability calls.
// ABOUTME: Custom function > global switch > per-server config > interactive confirmation.

package approval

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrDenied indicates an explicit denial (custom policy string or user
// rejection). The denial reason travels in Decision.Error, verbatim.
var ErrDenied = errors.New("approval denied")

// ErrTimeout indicates the interactive confirmation wait expired.
var ErrTimeout = errors.New("approval timeout")

// DefaultTimeout bounds the interactive confirmation wait.
const DefaultTimeout = 60 * time.Second

// timeoutReason is surfaced verbatim to callers when the bounded wait expires.
const timeoutReason = "Approval timeout"

// Action distinguishes tool calls from resource accesses.
type Action string

const (
	ActionUseTool        Action = "use_tool"
	ActionAccessResource Action = "access_resource"
)

// CallInfo carries everything a policy may inspect about one invocation.
type CallInfo struct {
	Server    string
	Tool      string // empty for resource accesses
	URI       string // empty for tool calls
	Action    Action
	Arguments map[string]any
	// AutoApprovedInServer reports whether the server's own config already
	// whitelists this capability, so custom policies can defer to it.
	AutoApprovedInServer bool
}

// Decision is the engine's output. Error set implies Approve false.
type Decision struct {
	Approve bool
	Error   string
}

// Result is what a custom policy function returns: approve, defer to
// interactive confirmation, or deny with a reason.
type Result struct {
	kind   resultKind
	reason string
}

type resultKind int

const (
	resultDefer resultKind = iota
	resultAllow
	resultDeny
)

// Allow approves the call outright.
func Allow() Result { return Result{kind: resultAllow} }

// Defer hands the call to interactive confirmation.
func Defer() Result { return Result{kind: resultDefer} }

// Deny rejects the call; reason is surfaced to the caller verbatim.
func Deny(reason string) Result { return Result{kind: resultDeny, reason: reason} }

// PolicyFunc is a caller-supplied decision function for one invocation
// context. When present it owns the decision: Allow and Deny short-circuit,
// Defer goes straight to interactive confirmation.
type PolicyFunc func(info CallInfo) Result

// ServerPolicy mirrors a server's autoApprove config: either everything, or
// an explicit capability list.
type ServerPolicy struct {
	All   bool
	Tools []string
}

// Covers reports whether the policy auto-approves the named tool.
func (p ServerPolicy) Covers(tool string) bool {
	if p.All {
		return true
	}
	for _, t := range p.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

// Prompter asks a human to confirm a call. Implementations must honor ctx
// cancellation; the engine bounds the wait with its configured timeout.
type Prompter interface {
	Confirm(ctx context.Context, info CallInfo) (bool, error)
}

// Engine evaluates the approval chain. It holds no per-call state; every
// decision is a pure function of (global policy, server policy, call) except
// for the interactive leg.
type Engine struct {
	mu       sync.RWMutex
	global   bool
	servers  map[string]ServerPolicy
	prompter Prompter
	timeout  time.Duration
	logger   *slog.Logger
}

// Config configures an Engine.
type Config struct {
	// AutoApproveAll is the global switch: true approves every call.
	AutoApproveAll bool
	// Servers maps server name to its autoApprove policy.
	Servers map[string]ServerPolicy
	// Prompter handles interactive confirmation; nil means every deferred
	// call is denied (no UI available anywhere).
	Prompter Prompter
	// Timeout bounds the interactive wait; zero means DefaultTimeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

// New creates an Engine from config.
func New(cfg Config) *Engine {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	servers := cfg.Servers
	if servers == nil {
		servers = make(map[string]ServerPolicy)
	}
	return &Engine{
		global:   cfg.AutoApproveAll,
		servers:  servers,
		prompter: cfg.Prompter,
		timeout:  timeout,
		logger:   logger,
	}
}

// SetServerPolicy replaces one server's autoApprove policy at runtime.
func (e *Engine) SetServerPolicy(server string, policy ServerPolicy) {
	e.mu.Lock()
	e.servers[server] = policy
	e.mu.Unlock()
}

// ServerPolicyFor returns the configured policy for a server.
func (e *Engine) ServerPolicyFor(server string) (ServerPolicy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.servers[server]
	return p, ok
}

// Decide evaluates the approval chain for one call. custom may be nil.
//
// Resources are always pre-approved; the chain applies to tool calls only.
func (e *Engine) Decide(ctx context.Context, info CallInfo, custom PolicyFunc) Decision {
	if info.Action == ActionAccessResource {
		return Decision{Approve: true}
	}

	e.mu.RLock()
	global := e.global
	policy, hasPolicy := e.servers[info.Server]
	e.mu.RUnlock()

	if hasPolicy {
		info.AutoApprovedInServer = policy.Covers(info.Tool)
	}

	if custom != nil {
		switch res := custom(info); res.kind {
		case resultAllow:
			return Decision{Approve: true}
		case resultDeny:
			e.logger.Info("call denied by policy function",
				"server", info.Server, "tool", info.Tool, "reason", res.reason)
			return Decision{Approve: false, Error: res.reason}
		case resultDefer:
			return e.confirm(ctx, info)
		}
	}

	if global {
		return Decision{Approve: true}
	}
	if hasPolicy && info.AutoApprovedInServer {
		return Decision{Approve: true}
	}

	return e.confirm(ctx, info)
}

// confirm runs the bounded interactive wait. It never blocks past the
// configured timeout; a timeout is a denial with the literal reason
// "Approval timeout".
func (e *Engine) confirm(ctx context.Context, info CallInfo) Decision {
	if e.prompter == nil {
		e.logger.Warn("confirmation required but no prompter configured",
			"server", info.Server, "tool", info.Tool)
		return Decision{Approve: false, Error: "approval required but no confirmation channel is available"}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	approved, err := e.prompter.Confirm(ctx, info)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			e.logger.Warn("approval wait timed out",
				"server", info.Server, "tool", info.Tool, "timeout", e.timeout)
			return Decision{Approve: false, Error: timeoutReason}
		}
		return Decision{Approve: false, Error: err.Error()}
	}
	if !approved {
		return Decision{Approve: false, Error: "User denied the request"}
	}
	return Decision{Approve: true}
}
