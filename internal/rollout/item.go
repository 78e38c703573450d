// Package rollout implements the rollout store (C9, spec §4.9): an
// append-only JSON-lines file per conversation, plus a derived sqlite index
// across a store root for fast resume-candidate lookups (SPEC_FULL.md's
// DOMAIN STACK entry for modernc.org/sqlite).
package rollout

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/codalotl/relaycore/internal/wireevent"
)

// SessionMeta is the first record in a rollout file (§4.9, §6).
type SessionMeta struct {
	ID            string
	Timestamp     time.Time
	CWD           string
	Name          string
	Originator    string
	CLIVersion    string
	Instructions  string
	Source        string
	ModelProvider string
}

// Compacted is the marker persisted by auto-compaction (§4.5.1 step 5).
type Compacted struct {
	Message string
}

// TurnContext persists a turn's defaults (cwd, approval/sandbox mode, model
// slug) so a resumed session can reconstruct UserTurn without external
// input (SPEC_FULL.md's "TurnContext rollout item" supplement).
type TurnContext struct {
	CWD              string
	ApprovalMode     string
	SandboxMode      string
	Model            string
	ReasoningEffort  string
	ReasoningSummary string
}

// EventMsg persists a session lifecycle event from the explicit whitelist
// named in §4.9 (e.g. "task_started", "task_complete", "error").
type EventMsg struct {
	Kind   string
	Detail string
}

// Line is one line of a rollout file: a timestamp and exactly one item.
// Item holds one of SessionMeta, Compacted, TurnContext, EventMsg, a
// wireevent.ResponseItem variant on the §4.9 allow-list, or — for a line
// whose "type" this version does not recognize — a json.RawMessage
// preserved verbatim for forward-compat (§6).
type Line struct {
	Timestamp time.Time
	Item      any
}

// Persistable reports whether item is one of the response-item variants
// §4.9's allow-list admits into the rollout. GhostSnapshot is deliberately
// absent: it is a history-only marker never sent to the model and never
// persisted.
func Persistable(item wireevent.ResponseItem) bool {
	switch item.(type) {
	case wireevent.UserMessage, wireevent.AssistantMessage, wireevent.FunctionCall,
		wireevent.FunctionCallOutput, wireevent.CustomToolCall, wireevent.CustomToolCallOutput,
		wireevent.LocalShellCall, wireevent.Reasoning, wireevent.WebSearchCall:
		return true
	default:
		return false
	}
}

type sessionMetaJSON struct {
	Type          string    `json:"type"`
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	CWD           string    `json:"cwd"`
	Name          string    `json:"name,omitempty"`
	Originator    string    `json:"originator"`
	CLIVersion    string    `json:"cli_version"`
	Instructions  string    `json:"instructions,omitempty"`
	Source        string    `json:"source"`
	ModelProvider string    `json:"model_provider,omitempty"`
}

type compactedJSON struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type turnContextJSON struct {
	Type             string `json:"type"`
	CWD              string `json:"cwd"`
	ApprovalMode     string `json:"approval_mode"`
	SandboxMode      string `json:"sandbox_mode"`
	Model            string `json:"model"`
	ReasoningEffort  string `json:"reasoning_effort,omitempty"`
	ReasoningSummary string `json:"reasoning_summary,omitempty"`
}

type eventMsgJSON struct {
	Type   string `json:"type"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

type responseItemEnvelopeJSON struct {
	Type     string          `json:"type"`
	ItemType string          `json:"item_type"`
	Payload  json.RawMessage `json:"payload"`
}

// responseItemJSON is the flat payload shape for every response-item
// variant; unused fields are simply omitted by the encoder for a given
// ItemType.
type responseItemJSON struct {
	ID        string               `json:"id,omitempty"`
	CallID    string                `json:"call_id,omitempty"`
	Name      string               `json:"name,omitempty"`
	Role      string               `json:"role,omitempty"`
	Text      []string             `json:"text,omitempty"`
	Image     []wireevent.ImageURL `json:"image,omitempty"`
	Content   []string             `json:"content,omitempty"`
	Summary   []string             `json:"summary,omitempty"`
	RawText   []string             `json:"raw_content,omitempty"`
	Encrypted string               `json:"encrypted_content,omitempty"`
	Arguments string               `json:"arguments,omitempty"`
	Output    string               `json:"output,omitempty"`
	ImageURL  string               `json:"image_url,omitempty"`
	Input     string               `json:"input,omitempty"`
	Query     string               `json:"query,omitempty"`
	Action    string               `json:"action,omitempty"`
}

func encodeResponseItem(item wireevent.ResponseItem) (itemType string, payload responseItemJSON) {
	switch v := item.(type) {
	case wireevent.UserMessage:
		return "user_message", responseItemJSON{Role: v.Role, Text: v.Text, Image: v.Image}
	case wireevent.AssistantMessage:
		return "assistant_message", responseItemJSON{ID: v.ID, Content: v.Content}
	case wireevent.Reasoning:
		return "reasoning", responseItemJSON{ID: v.ID, Summary: v.Summary, RawText: v.RawContent, Encrypted: v.Encrypted}
	case wireevent.FunctionCall:
		return "function_call", responseItemJSON{ID: v.ID, CallID: v.CallID, Name: v.Name, Arguments: v.ArgumentsJSON}
	case wireevent.FunctionCallOutput:
		return "function_call_output", responseItemJSON{CallID: v.CallID, Output: v.Output, ImageURL: v.ImageURL}
	case wireevent.CustomToolCall:
		return "custom_tool_call", responseItemJSON{ID: v.ID, CallID: v.CallID, Name: v.Name, Input: v.Input}
	case wireevent.CustomToolCallOutput:
		return "custom_tool_call_output", responseItemJSON{CallID: v.CallID, Output: v.Output}
	case wireevent.WebSearchCall:
		return "web_search_call", responseItemJSON{ID: v.ID, Query: v.Query}
	case wireevent.LocalShellCall:
		return "local_shell_call", responseItemJSON{ID: v.ID, CallID: v.CallID, Action: v.Action}
	default:
		return "", responseItemJSON{}
	}
}

func decodeResponseItem(itemType string, payload responseItemJSON) (wireevent.ResponseItem, error) {
	switch itemType {
	case "user_message":
		return wireevent.UserMessage{Role: payload.Role, Text: payload.Text, Image: payload.Image}, nil
	case "assistant_message":
		return wireevent.AssistantMessage{ID: payload.ID, Content: payload.Content}, nil
	case "reasoning":
		return wireevent.Reasoning{ID: payload.ID, Summary: payload.Summary, RawContent: payload.RawText, Encrypted: payload.Encrypted}, nil
	case "function_call":
		return wireevent.FunctionCall{ID: payload.ID, CallID: payload.CallID, Name: payload.Name, ArgumentsJSON: payload.Arguments}, nil
	case "function_call_output":
		return wireevent.FunctionCallOutput{CallID: payload.CallID, Output: payload.Output, ImageURL: payload.ImageURL}, nil
	case "custom_tool_call":
		return wireevent.CustomToolCall{ID: payload.ID, CallID: payload.CallID, Name: payload.Name, Input: payload.Input}, nil
	case "custom_tool_call_output":
		return wireevent.CustomToolCallOutput{CallID: payload.CallID, Output: payload.Output}, nil
	case "web_search_call":
		return wireevent.WebSearchCall{ID: payload.ID, Query: payload.Query}, nil
	case "local_shell_call":
		return wireevent.LocalShellCall{ID: payload.ID, CallID: payload.CallID, Action: payload.Action}, nil
	default:
		return nil, fmt.Errorf("rollout: unknown response item type %q", itemType)
	}
}

// MarshalJSON renders l as `{ "timestamp": ..., "item": { "type": ..., ... } }`.
func (l Line) MarshalJSON() ([]byte, error) {
	itemJSON, err := marshalItem(l.Item)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Timestamp time.Time       `json:"timestamp"`
		Item      json.RawMessage `json:"item"`
	}{l.Timestamp, itemJSON})
}

func marshalItem(item any) (json.RawMessage, error) {
	switch v := item.(type) {
	case json.RawMessage:
		return v, nil
	case SessionMeta:
		return json.Marshal(sessionMetaJSON{
			Type: "session_meta", ID: v.ID, Timestamp: v.Timestamp, CWD: v.CWD, Name: v.Name,
			Originator: v.Originator, CLIVersion: v.CLIVersion, Instructions: v.Instructions,
			Source: v.Source, ModelProvider: v.ModelProvider,
		})
	case Compacted:
		return json.Marshal(compactedJSON{Type: "compacted", Message: v.Message})
	case TurnContext:
		return json.Marshal(turnContextJSON{
			Type: "turn_context", CWD: v.CWD, ApprovalMode: v.ApprovalMode, SandboxMode: v.SandboxMode,
			Model: v.Model, ReasoningEffort: v.ReasoningEffort, ReasoningSummary: v.ReasoningSummary,
		})
	case EventMsg:
		return json.Marshal(eventMsgJSON{Type: "event_msg", Kind: v.Kind, Detail: v.Detail})
	case wireevent.ResponseItem:
		itemType, payload := encodeResponseItem(v)
		if itemType == "" {
			return nil, fmt.Errorf("rollout: response item type %T is not on the persistence allow-list", item)
		}
		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		return json.Marshal(responseItemEnvelopeJSON{Type: "response_item", ItemType: itemType, Payload: payloadJSON})
	default:
		return nil, fmt.Errorf("rollout: item type %T is not on the persistence allow-list", item)
	}
}

// UnmarshalJSON parses a line in the shape produced by MarshalJSON. Lines
// with an unrecognized "type" are preserved verbatim as json.RawMessage
// rather than rejected, per §6's forward-compat requirement.
func (l *Line) UnmarshalJSON(data []byte) error {
	var wrapper struct {
		Timestamp time.Time       `json:"timestamp"`
		Item      json.RawMessage `json:"item"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return err
	}
	item, err := unmarshalItem(wrapper.Item)
	if err != nil {
		return err
	}
	l.Timestamp = wrapper.Timestamp
	l.Item = item
	return nil
}

func unmarshalItem(raw json.RawMessage) (any, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, err
	}

	switch head.Type {
	case "session_meta":
		var j sessionMetaJSON
		if err := json.Unmarshal(raw, &j); err != nil {
			return nil, err
		}
		return SessionMeta{
			ID: j.ID, Timestamp: j.Timestamp, CWD: j.CWD, Name: j.Name, Originator: j.Originator,
			CLIVersion: j.CLIVersion, Instructions: j.Instructions, Source: j.Source, ModelProvider: j.ModelProvider,
		}, nil
	case "compacted":
		var j compactedJSON
		if err := json.Unmarshal(raw, &j); err != nil {
			return nil, err
		}
		return Compacted{Message: j.Message}, nil
	case "turn_context":
		var j turnContextJSON
		if err := json.Unmarshal(raw, &j); err != nil {
			return nil, err
		}
		return TurnContext{
			CWD: j.CWD, ApprovalMode: j.ApprovalMode, SandboxMode: j.SandboxMode, Model: j.Model,
			ReasoningEffort: j.ReasoningEffort, ReasoningSummary: j.ReasoningSummary,
		}, nil
	case "event_msg":
		var j eventMsgJSON
		if err := json.Unmarshal(raw, &j); err != nil {
			return nil, err
		}
		return EventMsg{Kind: j.Kind, Detail: j.Detail}, nil
	case "response_item":
		var j responseItemEnvelopeJSON
		if err := json.Unmarshal(raw, &j); err != nil {
			return nil, err
		}
		var payload responseItemJSON
		if err := json.Unmarshal(j.Payload, &payload); err != nil {
			return nil, err
		}
		return decodeResponseItem(j.ItemType, payload)
	default:
		return json.RawMessage(append([]byte(nil), raw...)), nil
	}
}
