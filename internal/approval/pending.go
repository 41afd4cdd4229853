// ABOUTME: Prompter backed by a pending-approval queue answered over the control API.
// ABOUTME: Registers waiting calls by ID; answers release the blocked dispatch path.

package approval

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownApproval indicates an answer for an ID that is not pending
// (already answered, timed out, or never existed).
var ErrUnknownApproval = errors.New("unknown approval id")

// PendingInfo is a snapshot of one waiting approval, for listing.
type PendingInfo struct {
	ID        string         `json:"id"`
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type pendingCall struct {
	info      CallInfo
	answer    chan bool
	createdAt time.Time
}

// PendingApprovals implements Prompter by parking each confirmation in a
// queue until something answers it (or the engine's bounded wait expires).
// The control API lists the queue and posts answers.
type PendingApprovals struct {
	mu      sync.Mutex
	pending map[string]*pendingCall
	logger  *slog.Logger
}

// NewPendingApprovals creates an empty queue.
func NewPendingApprovals(logger *slog.Logger) *PendingApprovals {
	if logger == nil {
		logger = slog.Default()
	}
	return &PendingApprovals{
		pending: make(map[string]*pendingCall),
		logger:  logger,
	}
}

// Confirm parks the call until answered or the context expires. The one-shot
// answer channel guarantees a single delivery; late answers after timeout
// fail with ErrUnknownApproval on the answering side.
func (p *PendingApprovals) Confirm(ctx context.Context, info CallInfo) (bool, error) {
	id := uuid.New().String()
	call := &pendingCall{info: info, answer: make(chan bool, 1), createdAt: time.Now()}

	p.mu.Lock()
	p.pending[id] = call
	p.mu.Unlock()

	p.logger.Info("approval pending", "id", id, "server", info.Server, "tool", info.Tool)

	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	select {
	case approved := <-call.answer:
		return approved, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Answer resolves a pending approval by ID.
func (p *PendingApprovals) Answer(id string, approve bool) error {
	p.mu.Lock()
	call, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()

	if !ok {
		return ErrUnknownApproval
	}
	call.answer <- approve
	p.logger.Info("approval answered", "id", id, "approved", approve)
	return nil
}

// List returns snapshots of all waiting approvals, oldest first.
func (p *PendingApprovals) List() []PendingInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]PendingInfo, 0, len(p.pending))
	for id, call := range p.pending {
		out = append(out, PendingInfo{
			ID:        id,
			Server:    call.info.Server,
			Tool:      call.info.Tool,
			Arguments: call.info.Arguments,
			CreatedAt: call.createdAt,
		})
	}
	// Small n; insertion sort keeps it dependency-free.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
