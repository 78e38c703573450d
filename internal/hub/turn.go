package hub

import (
	"context"
	"sync"
	"time"

	"github.com/codalotl/relaycore/internal/broadcast"
	"github.com/codalotl/relaycore/internal/session"
	"github.com/codalotl/relaycore/internal/wireevent"
)

// TurnHandle is a one-shot receiver that resolves to the first assistant
// message whose submission id matches (Glossary). It exists only until its
// channel is awaited once; re-awaiting fails with ErrTurnHandleConsumed.
type TurnHandle struct {
	ConversationID string
	SubmissionID   string

	recv   <-chan AssistantMessage
	closed <-chan struct{}

	// events and unsubscribeEvents are a broadcast subscription opened
	// before the turn was submitted (see PostUserTurn), so AwaitTurnResult
	// can observe this turn's TaskComplete even if the session processes it
	// before AwaitTurnResult is ever called -- subscribing only once
	// AwaitTurnResult starts would otherwise race the session's event loop
	// and could miss TaskComplete entirely.
	events            <-chan broadcast.Item[session.Event]
	unsubscribeEvents func()

	mu       sync.Mutex
	consumed bool
}

// PostUserTurn submits a UserTurn op built from target's stored defaults
// and text, registers a one-shot waiter for the resulting submission id
// (draining any pending message that already arrived), and returns a
// TurnHandle (spec §4.6 post_user_turn).
func (h *Hub) PostUserTurn(target Target, text string, finalOutputSchema map[string]any) (*TurnHandle, error) {
	e, err := h.lookup(target)
	if err != nil {
		return nil, err
	}

	// Subscribe before submitting the turn: TaskComplete (and every other
	// event) is fanned out with no replay, so subscribing only after submit
	// could land after the session has already broadcast it (spec §5 "Hub
	// broadcast preserves per-session event order" says nothing protects a
	// late subscriber from missing events entirely).
	eventsID, events := e.events.Subscribe(64)
	unsubscribeEvents := func() { e.events.Unsubscribe(eventsID) }

	ut := session.UserTurn{
		Items:             []wireevent.ResponseItem{wireevent.UserMessage{Role: "user", Text: []string{text}}},
		CWD:               e.defaults.CWD,
		ApprovalMode:      e.defaults.ApprovalMode,
		SandboxMode:       e.defaults.SandboxMode,
		Model:             e.defaults.Model,
		ReasoningEffort:   e.defaults.ReasoningEffort,
		ReasoningSummary:  e.defaults.ReasoningSummary,
		FinalOutputSchema: finalOutputSchema,
	}

	submissionID, err := e.conv.SubmitUserTurn(ut)
	if err != nil {
		unsubscribeEvents()
		return nil, err
	}

	recv := e.registerWaiter(submissionID)
	return &TurnHandle{
		ConversationID:    e.id,
		SubmissionID:      submissionID,
		recv:              recv,
		closed:            e.closed,
		events:            events,
		unsubscribeEvents: unsubscribeEvents,
	}, nil
}

// AwaitFirstAssistant consumes handle's receiver exactly once, returning
// the first assistant message matching its submission id, ErrSessionClosed
// if the session unregisters first, or ErrAwaitTimeout on deadline (spec
// §4.6 await_first_assistant).
func (h *Hub) AwaitFirstAssistant(handle *TurnHandle, timeout time.Duration) (AssistantMessage, error) {
	handle.mu.Lock()
	if handle.consumed {
		handle.mu.Unlock()
		return AssistantMessage{}, ErrTurnHandleConsumed
	}
	handle.consumed = true
	handle.mu.Unlock()
	if handle.unsubscribeEvents != nil {
		defer handle.unsubscribeEvents() // not needed by this path; release it.
	}

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case msg, ok := <-handle.recv:
		if !ok {
			return AssistantMessage{}, ErrSessionClosed
		}
		return msg, nil
	case <-handle.closed:
		// A message may have raced the close; prefer it if already buffered.
		select {
		case msg, ok := <-handle.recv:
			if ok {
				return msg, nil
			}
		default:
		}
		return AssistantMessage{}, ErrSessionClosed
	case <-timeoutCh:
		h.dropWaiterFor(handle)
		return AssistantMessage{}, ErrAwaitTimeout
	}
}

// dropWaiterFor removes handle's watcher entry on timeout so a later
// AgentMessage for the same submission id falls through to pending_messages
// instead of attempting a send on an abandoned channel (spec §5
// Cancellation).
func (h *Hub) dropWaiterFor(handle *TurnHandle) {
	h.mu.RLock()
	e, ok := h.sessions[handle.ConversationID]
	h.mu.RUnlock()
	if ok {
		e.dropWaiter(handle.SubmissionID)
	}
}

// TurnResult is what AwaitTurnResult produces: either the first assistant
// message for the turn, or an indication that the turn's TaskComplete
// arrived with no assistant message ever emitted for it (spec §4.7's "On a
// Solver TaskComplete with no signal emitted").
type TurnResult struct {
	Message        *AssistantMessage
	CompletedEmpty bool
}

// AwaitTurnResult is AwaitFirstAssistant extended to also observe the
// turn's TaskComplete event: if TaskComplete arrives for handle's submission
// id before any assistant message does, it returns CompletedEmpty=true
// instead of blocking forever (used by the orchestrator's driver loop to
// detect a Solver turn that ended without emitting a finalization signal).
func (h *Hub) AwaitTurnResult(handle *TurnHandle, timeout time.Duration) (TurnResult, error) {
	handle.mu.Lock()
	if handle.consumed {
		handle.mu.Unlock()
		return TurnResult{}, ErrTurnHandleConsumed
	}
	handle.consumed = true
	handle.mu.Unlock()

	// Reuse the subscription PostUserTurn opened before submitting the turn
	// (see TurnHandle.events) rather than subscribing now: the turn may
	// already have run to TaskComplete by the time a caller gets around to
	// calling AwaitTurnResult, and a fresh subscription here would never see
	// an event that already happened.
	ch := handle.events
	if handle.unsubscribeEvents != nil {
		defer handle.unsubscribeEvents()
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	for {
		select {
		case msg, ok := <-handle.recv:
			if !ok {
				return TurnResult{}, ErrSessionClosed
			}
			return TurnResult{Message: &msg}, nil
		case item, ok := <-ch:
			if !ok {
				if msg, ok2 := drainIfReady(handle.recv); ok2 {
					return TurnResult{Message: &msg}, nil
				}
				return TurnResult{}, ErrSessionClosed
			}
			tc, ok2 := item.Value.(session.TaskComplete)
			if !ok2 || tc.SubmissionID != handle.SubmissionID {
				continue
			}
			if msg, ok3 := drainIfReady(handle.recv); ok3 {
				return TurnResult{Message: &msg}, nil
			}
			return TurnResult{CompletedEmpty: true}, nil
		case <-handle.closed:
			if msg, ok2 := drainIfReady(handle.recv); ok2 {
				return TurnResult{Message: &msg}, nil
			}
			return TurnResult{}, ErrSessionClosed
		case <-timeoutCh:
			h.dropWaiterFor(handle)
			return TurnResult{}, ErrAwaitTimeout
		}
	}
}

func drainIfReady(recv <-chan AssistantMessage) (AssistantMessage, bool) {
	select {
	case msg, ok := <-recv:
		return msg, ok
	default:
		return AssistantMessage{}, false
	}
}

// StreamEvents returns a stream of session.Event for conversationID. The
// returned channel is closed when the underlying session unregisters; a
// subscriber that falls behind observes a lagged marker rather than
// reordering (spec §4.6 stream_events, §5).
func (h *Hub) StreamEvents(conversationID string) (<-chan broadcast.Item[session.Event], func(), error) {
	h.mu.RLock()
	e, ok := h.sessions[conversationID]
	h.mu.RUnlock()
	if !ok {
		return nil, nil, ErrSessionNotFound
	}
	id, ch := e.events.Subscribe(64)
	unsubscribe := func() { e.events.Unsubscribe(id) }
	return ch, unsubscribe, nil
}

// StreamEventsContext is a convenience wrapper that unsubscribes
// automatically when ctx ends.
func (h *Hub) StreamEventsContext(ctx context.Context, conversationID string) (<-chan broadcast.Item[session.Event], error) {
	ch, unsubscribe, err := h.StreamEvents(conversationID)
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	return ch, nil
}
