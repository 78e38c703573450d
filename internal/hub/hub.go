// Package hub implements the cross-session hub (C6, spec §4.6): a registry
// that binds each live conversation by both its conversation id and an
// optional (run_id, role) key, fans a session's events out to any number of
// subscribers via internal/broadcast, and matches a user-turn submission to
// the first resulting assistant message.
//
// Grounded on the teacher's internal/agent parent/child event relaying for
// the "one forwarder pumps a single-consumer channel out to many readers"
// shape, and on internal/broadcast for the fan-out primitive itself.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/codalotl/relaycore/internal/broadcast"
	"github.com/codalotl/relaycore/internal/q/health"
	"github.com/codalotl/relaycore/internal/session"
)

var (
	ErrSessionAlreadyRegistered = errors.New("hub: session already registered")
	ErrRoleAlreadyRegistered    = errors.New("hub: role already registered")
	ErrSessionNotFound          = errors.New("hub: session not found")
	ErrRoleNotFound             = errors.New("hub: role not found")
	ErrSessionClosed            = errors.New("hub: session closed")
	ErrAwaitTimeout             = errors.New("hub: await timeout")
	ErrTurnHandleConsumed       = errors.New("hub: turn handle already consumed")
	ErrRoleKeyPartial           = errors.New("hub: run_id and role must be both set or both absent")
)

// RoleKey identifies one role within a run (spec §3: "(run_id, role) key").
type RoleKey struct {
	RunID string
	Role  string
}

// Conversation is the subset of *session.Session the hub depends on,
// accepted as an interface so tests can substitute a scripted stub.
type Conversation interface {
	ID() string
	SubmitUserTurn(session.UserTurn) (string, error)
	NextEvent(ctx context.Context) (session.Event, error)
}

// Defaults are the per-turn fields a registered session's entry remembers
// so the hub can rebuild a UserTurn op from just caller-supplied text (spec
// §3: "optional RoleKey(run_id, role) and defaults needed to rebuild a
// UserTurn op").
type Defaults struct {
	CWD              string
	ApprovalMode     string
	SandboxMode      string
	Model            string
	ReasoningEffort  string
	ReasoningSummary string
}

// AssistantMessage is the first assistant message produced for a
// post_user_turn submission — what a TurnHandle resolves to.
type AssistantMessage struct {
	ConversationID string
	SubmissionID   string
	Message        string
}

// Target selects which registered session post_user_turn addresses: either
// by conversation id or by (run_id, role).
type Target struct {
	ConversationID string
	RoleKey        *RoleKey
}

// entry is one registered session (spec §3: "Hub session entry").
type entry struct {
	id       string
	conv     Conversation
	roleKey  *RoleKey
	defaults Defaults

	events *broadcast.Broadcaster[session.Event]
	cancel context.CancelFunc
	closed chan struct{} // closed once this entry is unregistered.

	mu       sync.Mutex
	watchers map[string]chan AssistantMessage
	pending  map[string]AssistantMessage
}

func newEntry(id string, conv Conversation, defaults Defaults, roleKey *RoleKey) *entry {
	return &entry{
		id:       id,
		conv:     conv,
		roleKey:  roleKey,
		defaults: defaults,
		events:   broadcast.New[session.Event](),
		closed:   make(chan struct{}),
		watchers: make(map[string]chan AssistantMessage),
		pending:  make(map[string]AssistantMessage),
	}
}

// deliverAssistant delivers msg to a waiting watcher, or — if none is
// registered yet — buffers it in pending, drained atomically the next time
// a waiter registers for the same submission id (spec §3 invariant).
func (e *entry) deliverAssistant(msg AssistantMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.watchers[msg.SubmissionID]; ok {
		delete(e.watchers, msg.SubmissionID)
		ch <- msg
		close(ch)
		return
	}
	e.pending[msg.SubmissionID] = msg
}

// registerWaiter returns a channel that resolves to the assistant message
// for submissionID, draining any already-buffered pending message at once.
func (e *entry) registerWaiter(submissionID string) <-chan AssistantMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan AssistantMessage, 1)
	if msg, ok := e.pending[submissionID]; ok {
		delete(e.pending, submissionID)
		ch <- msg
		close(ch)
		return ch
	}
	e.watchers[submissionID] = ch
	return ch
}

// dropWaiter removes submissionID's watcher without resolving it, used when
// await_first_assistant times out (§5 Cancellation: "the waiter is removed;
// a subsequent AgentMessage for that id falls through to pending_messages").
func (e *entry) dropWaiter(submissionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.watchers, submissionID)
}

// Hub is the cross-session registry (C6).
type Hub struct {
	health.Ctx

	mu       sync.RWMutex
	sessions map[string]*entry
	roles    map[RoleKey]*entry
}

// New returns a ready-to-use Hub.
func New(logger *slog.Logger) *Hub {
	return &Hub{Ctx: health.NewCtx(logger), sessions: make(map[string]*entry), roles: make(map[RoleKey]*entry)}
}
