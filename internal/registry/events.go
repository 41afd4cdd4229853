// ABOUTME: In-process pub-sub for registry change events.
// ABOUTME: Non-blocking fan-out so a slow subscriber never stalls dispatch.

package registry

import "sync"

// Event identifies what changed. Notifications are at-least-once and
// idempotent to re-apply: consumers rebuild derived indexes from scratch.
type Event string

const (
	EventServersUpdated      Event = "servers_updated"
	EventToolListChanged     Event = "tool_list_changed"
	EventResourceListChanged Event = "resource_list_changed"
	EventPromptListChanged   Event = "prompt_list_changed"
)

// Notifier fans registry events out to subscribers. Sends are best-effort:
// if a subscriber's buffer is full the event is dropped for that subscriber,
// which is safe because consumers rebuild rather than diff.
type Notifier struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewNotifier creates an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan Event)}
}

// Publish delivers an event to every subscriber without blocking.
func (n *Notifier) Publish(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	for _, ch := range n.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called to release the subscription; the channel is closed afterwards.
func (n *Notifier) Subscribe() (<-chan Event, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan Event, 8)
	if n.closed {
		close(ch)
		return ch, func() {}
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = ch

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if sub, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close shuts down the notifier and closes all subscriber channels.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}
