// Package payload implements C4: pure functions from a wireevent.Prompt and
// model metadata to a JSON request body, for both wire dialects (spec §4.4).
// Grounded on the teacher's internal/llmstream/open_ai_responses.go request
// construction and on original_source/codex-rs/core/src/wire_payload.rs for
// the exact field list and Azure/anchoring rules the spec names. The
// Responses-dialect item/message serialization is a hand-rolled map builder
// (the Azure workaround requires a uniform "id" field across every item
// variant, which the SDK's union param types don't expose); the function
// tool list reuses the SDK's own request vocabulary, per DOMAIN STACK.
package payload

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/responses"

	"github.com/codalotl/relaycore/internal/wireevent"
)

// BuildResponses builds the Responses-dialect request body.
func BuildResponses(p wireevent.Prompt, model string) map[string]any {
	body := map[string]any{
		"model":              model,
		"instructions":       p.Instructions,
		"input":              serializeInputItems(p.Input, p.AzureCompat),
		"tool_choice":        "auto",
		"parallel_tool_calls": true,
		"store":              p.Store,
		"stream":             true,
	}
	if len(p.Tools) > 0 {
		body["tools"] = toolsAsFunctionSpecs(p.Tools)
	}
	if p.PromptCacheKey != "" {
		body["prompt_cache_key"] = p.PromptCacheKey
	}
	if p.PreviousResponseID != "" {
		body["previous_response_id"] = p.PreviousResponseID
	}
	if p.Reasoning != nil {
		reasoning := map[string]any{}
		if p.Reasoning.Effort != "" {
			reasoning["effort"] = p.Reasoning.Effort
		}
		if p.Reasoning.Summary != "" {
			reasoning["summary"] = p.Reasoning.Summary
		}
		body["reasoning"] = reasoning
	}
	text := map[string]any{}
	if p.TextControls != nil && p.TextControls.Verbosity != "" {
		text["verbosity"] = p.TextControls.Verbosity
	}
	// p.OutputSchema is the field real call sites populate (session.go's
	// buildPrompt from UserTurn.FinalOutputSchema, compact.go's
	// buildCompactionPrompt); p.TextControls.OutputSchema is read too so a
	// caller that sets either one gets text.format (spec §4.4/§6).
	schema := p.OutputSchema
	if schema == nil && p.TextControls != nil {
		schema = p.TextControls.OutputSchema
	}
	if schema != nil {
		text["format"] = map[string]any{
			"type":   "json_schema",
			"name":   "output",
			"strict": true,
			"schema": schema,
		}
	}
	if len(text) > 0 {
		body["text"] = text
	}
	if p.HasReasoningItem() {
		body["include"] = []string{"reasoning.encrypted_content"}
	}
	return body
}

// toolsAsFunctionSpecs builds the "tools" array using the openai-go SDK's
// own FunctionToolParam/ToolUnionParam vocabulary (responses.ToolUnionParam),
// emitting every ToolSpec as a function tool (ToolSpec.Type is not
// consulted, unlike the Chat dialect's filter), then round-trips each through JSON so BuildResponses can stay a plain
// map[string]any builder.
func toolsAsFunctionSpecs(tools []wireevent.ToolSpec) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, tl := range tools {
		function := responses.FunctionToolParam{
			Name:       tl.Name,
			Parameters: tl.ParametersSchema,
			Strict:     param.NewOpt(true),
			Type:       "function",
		}
		if tl.Description != "" {
			function.Description = param.NewOpt(tl.Description)
		}
		union := responses.ToolUnionParam{OfFunction: &function}

		raw, err := json.Marshal(union)
		if err != nil {
			// The SDK's own param types always marshal; a failure here means a
			// non-JSON-able ParametersSchema was supplied by the caller.
			out = append(out, map[string]any{
				"type":        "function",
				"name":        tl.Name,
				"description": tl.Description,
				"parameters":  tl.ParametersSchema,
			})
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// serializeInputItems converts response items to their Responses-API wire
// shape. When azureCompat is set, every item is given a non-empty "id" —
// the Azure workaround named in spec §4.4 and tested by testable property
// #2 — synthesizing one with uuid when the item has none of its own.
func serializeInputItems(items []wireevent.ResponseItem, azureCompat bool) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if _, ok := item.(wireevent.GhostSnapshot); ok {
			continue // history-only marker, never sent to the model (spec §3).
		}
		m := serializeOneItem(item)
		if azureCompat {
			if id, _ := m["id"].(string); id == "" {
				m["id"] = uuid.NewString()
			}
		}
		out = append(out, m)
	}
	return out
}

func serializeOneItem(item wireevent.ResponseItem) map[string]any {
	switch v := item.(type) {
	case wireevent.UserMessage:
		content := make([]map[string]any, 0, len(v.Text)+len(v.Image))
		for _, t := range v.Text {
			content = append(content, map[string]any{"type": "input_text", "text": t})
		}
		for _, img := range v.Image {
			content = append(content, map[string]any{"type": "input_image", "url": img.URL})
		}
		role := v.Role
		if role == "" {
			role = "user"
		}
		return map[string]any{"type": "message", "role": role, "content": content}

	case wireevent.AssistantMessage:
		content := make([]map[string]any, 0, len(v.Content))
		for _, t := range v.Content {
			content = append(content, map[string]any{"type": "output_text", "text": t})
		}
		return map[string]any{"type": "message", "role": "assistant", "id": v.ID, "content": content}

	case wireevent.Reasoning:
		m := map[string]any{"type": "reasoning", "id": v.ID, "summary": v.Summary}
		if v.Encrypted != "" {
			m["encrypted_content"] = v.Encrypted
		}
		return m

	case wireevent.FunctionCall:
		return map[string]any{"type": "function_call", "id": v.ID, "call_id": v.CallID, "name": v.Name, "arguments": v.ArgumentsJSON}

	case wireevent.FunctionCallOutput:
		return map[string]any{"type": "function_call_output", "call_id": v.CallID, "output": v.Output}

	case wireevent.CustomToolCall:
		return map[string]any{"type": "custom_tool_call", "id": v.ID, "call_id": v.CallID, "name": v.Name, "input": v.Input}

	case wireevent.CustomToolCallOutput:
		return map[string]any{"type": "custom_tool_call_output", "call_id": v.CallID, "output": v.Output}

	case wireevent.WebSearchCall:
		return map[string]any{"type": "web_search_call", "id": v.ID, "query": v.Query}

	case wireevent.LocalShellCall:
		return map[string]any{"type": "local_shell_call", "id": v.ID, "call_id": v.CallID, "action": v.Action}

	default:
		return map[string]any{"type": "unknown"}
	}
}
