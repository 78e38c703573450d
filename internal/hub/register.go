package hub

import (
	"context"

	"github.com/codalotl/relaycore/internal/session"
)

// Register binds conv into the hub (spec §4.6 "Registration"). roleKey may
// be nil; when non-nil its RunID and Role must both be non-empty (the
// pairing invariant: "it requires that run_id and role be either both set
// or both absent" — callers that only have one of the two should pass nil
// and track role association themselves).
//
// Register spawns the per-session forwarder task (spec §4.6 "Forwarder
// task") and returns once it has started.
func (h *Hub) Register(conv Conversation, defaults Defaults, roleKey *RoleKey) error {
	if roleKey != nil && (roleKey.RunID == "" || roleKey.Role == "") {
		return ErrRoleKeyPartial
	}

	id := conv.ID()

	h.mu.Lock()
	if _, exists := h.sessions[id]; exists {
		h.mu.Unlock()
		return ErrSessionAlreadyRegistered
	}
	if roleKey != nil {
		if _, exists := h.roles[*roleKey]; exists {
			h.mu.Unlock()
			return ErrRoleAlreadyRegistered
		}
	}

	e := newEntry(id, conv, defaults, roleKey)
	h.sessions[id] = e
	if roleKey != nil {
		h.roles[*roleKey] = e
	}
	h.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go h.forward(ctx, e)
	return nil
}

// forward pumps conv.NextEvent into e's broadcaster until the event stream
// ends, the session emits ShutdownComplete, or ctx is canceled by
// Unregister (spec §4.6 "Forwarder task").
func (h *Hub) forward(ctx context.Context, e *entry) {
	defer h.unregister(e.id)
	for {
		ev, err := e.conv.NextEvent(ctx)
		if err != nil || ev == nil {
			return
		}
		if am, ok := ev.(session.AgentMessage); ok {
			e.deliverAssistant(AssistantMessage{
				ConversationID: e.id,
				SubmissionID:   am.SubmissionID,
				Message:        am.Text,
			})
		}
		e.events.Send(ev)
		if _, ok := ev.(session.ShutdownComplete); ok {
			return
		}
	}
}

// Unregister removes conversationID from the hub, canceling its forwarder
// and closing its broadcast channel (spec §3: "unregistration closes the
// broadcast channel and wakes all subscribers"). Safe to call more than
// once; unregistering an unknown id is a no-op.
func (h *Hub) Unregister(conversationID string) {
	h.mu.RLock()
	e, ok := h.sessions[conversationID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
}

// UnregisterWait is Unregister, but blocks until the forwarder has actually
// finished removing the entry — e.g. so a caller can immediately re-Register
// a replacement session under the same (run_id, role) key without racing
// ErrRoleAlreadyRegistered (spec §4.7's verifier replacement policy).
func (h *Hub) UnregisterWait(conversationID string) {
	h.mu.RLock()
	e, ok := h.sessions[conversationID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	<-e.closed
}

// unregister performs the actual map removal and broadcaster teardown; it
// is called from the forwarder goroutine once its loop ends (whether from
// natural stream end, ShutdownComplete, or an explicit Unregister cancel).
func (h *Hub) unregister(conversationID string) {
	h.mu.Lock()
	e, ok := h.sessions[conversationID]
	if ok {
		delete(h.sessions, conversationID)
		if e.roleKey != nil {
			if cur, exists := h.roles[*e.roleKey]; exists && cur == e {
				delete(h.roles, *e.roleKey)
			}
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	e.events.Close()
	close(e.closed)
}

// lookup returns the entry for target, resolving by conversation id or role
// key as target specifies.
func (h *Hub) lookup(target Target) (*entry, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if target.RoleKey != nil {
		e, ok := h.roles[*target.RoleKey]
		if !ok {
			return nil, ErrRoleNotFound
		}
		return e, nil
	}
	e, ok := h.sessions[target.ConversationID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e, nil
}

// Defaults returns the registered defaults for conversationID, for callers
// that want to inspect a session's stored turn defaults directly.
func (h *Hub) Defaults(conversationID string) (Defaults, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.sessions[conversationID]
	if !ok {
		return Defaults{}, false
	}
	return e.defaults, true
}

// IsRegistered reports whether conversationID is currently registered.
func (h *Hub) IsRegistered(conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[conversationID]
	return ok
}
