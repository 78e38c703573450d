// Package wireevent holds the provider-agnostic conversation data model:
// response items, wire events, prompts and token usage. Everything in this
// package is pure data — no I/O, no provider-specific parsing.
package wireevent

// ResponseItem is the sum type of everything that can appear in a
// conversation's history. Implementations are distinguished with a marker
// method, the same pattern internal/llmstream uses for ContentPart.
type ResponseItem interface {
	isResponseItem()
}

// ImageURL is a single image reference inside a UserMessage.
type ImageURL struct {
	URL string `json:"url"`
}

// UserMessage is free-form user input: a mix of text and image parts.
type UserMessage struct {
	Role  string // "user" or "system"; system messages reuse this variant.
	Text  []string
	Image []ImageURL
}

func (UserMessage) isResponseItem() {}

// AssistantMessage is the model's visible reply text.
type AssistantMessage struct {
	ID      string // provider response/item id, may be empty for locally-built items.
	Content []string
}

func (AssistantMessage) isResponseItem() {}

// Reasoning holds a model's hidden chain-of-thought summary (and, for
// providers that expose it, the raw encrypted content needed to resume).
type Reasoning struct {
	ID         string
	Summary    []string
	RawContent []string // raw reasoning text, only present when the provider returns it (encrypted_content goes in Encrypted).
	Encrypted  string    // opaque blob some providers require echoed back unmodified.
}

func (Reasoning) isResponseItem() {}

// FunctionCall is a request from the model to invoke a named function.
type FunctionCall struct {
	ID            string // provider item id, may be empty.
	CallID        string
	Name          string
	ArgumentsJSON string
}

func (FunctionCall) isResponseItem() {}

// FunctionCallOutput is the result fed back to the model for a FunctionCall.
type FunctionCallOutput struct {
	CallID   string
	Output   string
	ImageURL string // optional
}

func (FunctionCallOutput) isResponseItem() {}

// CustomToolCall and CustomToolCallOutput model tool calls whose wire shape
// isn't the standard function-call envelope (e.g. the synthetic "compactor"
// call produced by auto-compaction, §4.5.1).
type CustomToolCall struct {
	ID     string
	CallID string
	Name   string
	Input  string
}

func (CustomToolCall) isResponseItem() {}

type CustomToolCallOutput struct {
	CallID string
	Output string
}

func (CustomToolCallOutput) isResponseItem() {}

// WebSearchCall records a provider-initiated web search (no execution here;
// this is a history/rollout item only).
type WebSearchCall struct {
	ID    string
	Query string
}

func (WebSearchCall) isResponseItem() {}

// LocalShellCall records a provider-proposed shell action (no execution
// here; shell execution is explicitly out of scope, §1 Non-goals).
type LocalShellCall struct {
	ID     string
	CallID string
	Action string
}

func (LocalShellCall) isResponseItem() {}

// GhostSnapshot is a history-only marker never sent to the model. Its
// interpretation is left to the implementer (spec §9 Open Questions); this
// implementation treats it as an opaque label preserved verbatim across
// compaction, see DESIGN.md.
type GhostSnapshot struct {
	Label string
}

func (GhostSnapshot) isResponseItem() {}

// InputItem is an alias: everything that can be *sent* to the model is also
// a ResponseItem (the history is the prompt input once trimmed/rebuilt).
type InputItem = ResponseItem
