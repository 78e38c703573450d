package wireevent

// ToolSpec is the minimal "what tools were offered this turn" surface
// carried on a Prompt (see SPEC_FULL.md's tool-registry supplement). Tool
// *execution* is out of scope; this only needs to be enough to build wire
// payloads (C4) and to let the Chat dialect decide anchoring.
type ToolSpec struct {
	Name             string
	Description      string
	ParametersSchema map[string]any
	Type             string // "function" (only function tools are emitted in the Chat dialect, §4.4).
}

// Reasoning configuration requested for a turn, mirroring the Responses
// payload's optional `reasoning` object.
type ReasoningParam struct {
	Effort  string // "minimal" | "low" | "medium" | "high", provider-dependent.
	Summary string // "auto" | "concise" | "detailed".
}

// TextControls mirrors the Responses payload's optional `text` object
// (verbosity and/or a JSON-schema output format).
type TextControls struct {
	Verbosity    string
	OutputSchema map[string]any // if non-nil, serialized as text.format.
}

// Prompt is immutable once constructed and cheaply clonable (a value copy of
// the slice header; callers that mutate Input must copy it first), per
// spec §3.
type Prompt struct {
	Model             string
	Input             []InputItem
	Tools             []ToolSpec
	OutputSchema      map[string]any
	PromptCacheKey    string
	PreviousResponseID string
	Instructions      string
	Reasoning         *ReasoningParam
	TextControls      *TextControls
	Store             bool
	AzureCompat       bool // every input item must carry a non-empty id, §4.4.
}

// Clone returns a value snapshot of p; mutating the returned Prompt's Input
// slice does not affect p (spec §3's "history.clone() is a value snapshot").
func (p Prompt) Clone() Prompt {
	cp := p
	cp.Input = append([]InputItem(nil), p.Input...)
	cp.Tools = append([]ToolSpec(nil), p.Tools...)
	return cp
}

// HasReasoningItem reports whether p.Input contains at least one Reasoning
// item, used by the Responses dialect to decide whether to request
// reasoning.encrypted_content (§4.4, testable property #2).
func (p Prompt) HasReasoningItem() bool {
	for _, item := range p.Input {
		if _, ok := item.(Reasoning); ok {
			return true
		}
	}
	return false
}
