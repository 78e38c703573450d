package payload

import "github.com/codalotl/relaycore/internal/wireevent"

type chatMessage struct {
	Role         string
	Content      any // string or []map[string]any (image parts)
	ToolCalls    []map[string]any
	ToolCallID   string
	ReasoningText string
}

func (m *chatMessage) toJSON() map[string]any {
	out := map[string]any{"role": m.Role}
	if m.Content != nil {
		out["content"] = m.Content
	}
	if len(m.ToolCalls) > 0 {
		out["tool_calls"] = m.ToolCalls
	}
	if m.ToolCallID != "" {
		out["tool_call_id"] = m.ToolCallID
	}
	if m.ReasoningText != "" {
		out["reasoning"] = map[string]any{"text": m.ReasoningText}
	}
	return out
}

func isAssistantLike(item wireevent.ResponseItem) bool {
	switch item.(type) {
	case wireevent.AssistantMessage, wireevent.FunctionCall, wireevent.LocalShellCall:
		return true
	default:
		return false
	}
}

// BuildChat builds the Chat-Completions-dialect request body (spec §4.4).
func BuildChat(p wireevent.Prompt, model string) map[string]any {
	lastUserIdx := -1
	for i, item := range p.Input {
		if _, ok := item.(wireevent.UserMessage); ok {
			lastUserIdx = i
		}
	}

	// Pass 1: build a message skeleton for every non-Reasoning item, and
	// remember which output slot each input index landed in (so reasoning
	// anchoring in pass 2 can attach by index).
	slotForIndex := make(map[int]*chatMessage)
	var messages []*chatMessage

	if p.Instructions != "" {
		messages = append(messages, &chatMessage{Role: "system", Content: p.Instructions})
	}

	for i, item := range p.Input {
		switch v := item.(type) {
		case wireevent.Reasoning:
			continue // handled in pass 2

		case wireevent.UserMessage:
			role := v.Role
			if role == "" {
				role = "user"
			}
			var content any
			if len(v.Image) > 0 {
				parts := make([]map[string]any, 0, len(v.Text)+len(v.Image))
				for _, t := range v.Text {
					parts = append(parts, map[string]any{"type": "text", "text": t})
				}
				for _, img := range v.Image {
					parts = append(parts, map[string]any{"type": "image_url", "image_url": map[string]any{"url": img.URL}})
				}
				content = parts
			} else {
				content = joinTexts(v.Text)
			}
			msg := &chatMessage{Role: role, Content: content}
			slotForIndex[i] = msg
			messages = append(messages, msg)

		case wireevent.AssistantMessage:
			msg := &chatMessage{Role: "assistant", Content: joinTexts(v.Content)}
			slotForIndex[i] = msg
			messages = append(messages, msg)

		case wireevent.FunctionCall:
			msg := &chatMessage{Role: "assistant", ToolCalls: []map[string]any{{
				"id":   v.CallID,
				"type": "function",
				"function": map[string]any{
					"name":      v.Name,
					"arguments": v.ArgumentsJSON,
				},
			}}}
			slotForIndex[i] = msg
			messages = append(messages, msg)

		case wireevent.FunctionCallOutput:
			messages = append(messages, &chatMessage{Role: "tool", ToolCallID: v.CallID, Content: v.Output})

		case wireevent.CustomToolCall:
			msg := &chatMessage{Role: "assistant", ToolCalls: []map[string]any{{
				"id":   v.CallID,
				"type": "function",
				"function": map[string]any{
					"name":      v.Name,
					"arguments": v.Input,
				},
			}}}
			slotForIndex[i] = msg
			messages = append(messages, msg)

		case wireevent.CustomToolCallOutput:
			messages = append(messages, &chatMessage{Role: "tool", ToolCallID: v.CallID, Content: v.Output})

		case wireevent.LocalShellCall:
			msg := &chatMessage{Role: "assistant", Content: ""}
			slotForIndex[i] = msg
			messages = append(messages, msg)

		case wireevent.WebSearchCall, wireevent.GhostSnapshot:
			// not representable in the Chat dialect; omitted.
		}
	}

	// Pass 2: anchor Reasoning items per spec §4.4.
	for i, item := range p.Input {
		reasoning, ok := item.(wireevent.Reasoning)
		if !ok {
			continue
		}
		if i <= lastUserIdx {
			continue // "skip anchoring for items at or before the last user message"
		}
		text := joinTexts(reasoning.Summary)
		if text == "" {
			continue
		}

		// Preceding assistant-like item, scanning backward (not past lastUserIdx).
		var target *chatMessage
		for j := i - 1; j > lastUserIdx; j-- {
			if isAssistantLike(p.Input[j]) {
				if slot, ok := slotForIndex[j]; ok {
					target = slot
					break
				}
			}
		}
		if target == nil {
			for j := i + 1; j < len(p.Input); j++ {
				if isAssistantLike(p.Input[j]) {
					if slot, ok := slotForIndex[j]; ok {
						target = slot
						break
					}
				}
			}
		}
		if target != nil {
			if target.ReasoningText != "" {
				target.ReasoningText += "\n" + text
			} else {
				target.ReasoningText = text
			}
		}
	}

	// Dedupe consecutive identical assistant texts.
	deduped := make([]*chatMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == "assistant" && len(deduped) > 0 {
			prev := deduped[len(deduped)-1]
			if prev.Role == "assistant" && prev.Content == m.Content && len(m.ToolCalls) == 0 && len(prev.ToolCalls) == 0 {
				continue
			}
		}
		deduped = append(deduped, m)
	}

	out := make([]map[string]any, 0, len(deduped))
	for _, m := range deduped {
		out = append(out, m.toJSON())
	}

	body := map[string]any{
		"model":    model,
		"messages": out,
		"stream":   true,
	}
	if tools := functionOnlyTools(p.Tools); len(tools) > 0 {
		body["tools"] = tools
	}
	return body
}

func joinTexts(texts []string) string {
	out := ""
	for i, t := range texts {
		if i > 0 {
			out += "\n"
		}
		out += t
	}
	return out
}

// functionOnlyTools implements "only tools with type == 'function' are
// emitted" (spec §4.4).
func functionOnlyTools(tools []wireevent.ToolSpec) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, tl := range tools {
		if tl.Type != "" && tl.Type != "function" {
			continue
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tl.Name,
				"description": tl.Description,
				"parameters":  tl.ParametersSchema,
			},
		})
	}
	return out
}
