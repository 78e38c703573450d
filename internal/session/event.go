package session

import "github.com/codalotl/relaycore/internal/wireevent"

// Event is one item the session's event loop emits in response to ops
// (spec §4.5 step 3: TaskStarted, zero or more item events, TaskComplete,
// and possibly Error).
type Event interface{ isSessionEvent() }

// TaskStarted marks the beginning of work on submissionID.
type TaskStarted struct{ SubmissionID string }

func (TaskStarted) isSessionEvent() {}

// ItemEvent forwards one OutputItemDone item as it is recorded into history.
type ItemEvent struct{ Item wireevent.ResponseItem }

func (ItemEvent) isSessionEvent() {}

// AgentMessage is the turn's final assistant-message text, the event the
// cross-session hub (C6) matches submission ids against.
type AgentMessage struct {
	SubmissionID string
	Text         string
}

func (AgentMessage) isSessionEvent() {}

// TaskComplete marks the end of work on submissionID.
type TaskComplete struct {
	SubmissionID string
	TokenUsage   wireevent.TokenUsage
}

func (TaskComplete) isSessionEvent() {}

// ErrorEvent carries a non-retryable error surfaced from the turn (§4.10's
// propagation rule: everything not handled locally becomes an Error event).
type ErrorEvent struct{ Err error }

func (ErrorEvent) isSessionEvent() {}

// ShutdownComplete is emitted once, as the session's final event, in
// response to a Shutdown op.
type ShutdownComplete struct{}

func (ShutdownComplete) isSessionEvent() {}
