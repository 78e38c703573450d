package wiredecoder

import (
	"encoding/json"

	"github.com/codalotl/relaycore/internal/cerr"
	"github.com/codalotl/relaycore/internal/wireevent"
)

type itemJSON struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
		URL  string `json:"url"`
	} `json:"content"`
	Arguments  string   `json:"arguments"`
	Output     string   `json:"output"`
	Summary    []string `json:"summary"`
	Query      string   `json:"query"`
	Action     string   `json:"action"`
	Encrypted  string   `json:"encrypted_content"`
}

// decodeItem maps a Responses-API "item" JSON object to a wireevent.ResponseItem,
// per the variant table in spec §3.
func decodeItem(raw json.RawMessage) (wireevent.ResponseItem, error) {
	var it itemJSON
	if err := json.Unmarshal(raw, &it); err != nil {
		return nil, cerr.JSON(err)
	}

	switch it.Type {
	case "message":
		var texts []string
		for _, c := range it.Content {
			if c.Type == "output_text" || c.Type == "text" {
				texts = append(texts, c.Text)
			}
		}
		if it.Role == "user" || it.Role == "system" {
			var images []wireevent.ImageURL
			for _, c := range it.Content {
				if c.Type == "input_image" && c.URL != "" {
					images = append(images, wireevent.ImageURL{URL: c.URL})
				}
			}
			return wireevent.UserMessage{Role: it.Role, Text: texts, Image: images}, nil
		}
		return wireevent.AssistantMessage{ID: it.ID, Content: texts}, nil

	case "reasoning":
		return wireevent.Reasoning{ID: it.ID, Summary: it.Summary, Encrypted: it.Encrypted}, nil

	case "function_call":
		return wireevent.FunctionCall{ID: it.ID, CallID: it.CallID, Name: it.Name, ArgumentsJSON: it.Arguments}, nil

	case "function_call_output":
		return wireevent.FunctionCallOutput{CallID: it.CallID, Output: it.Output}, nil

	case "custom_tool_call":
		return wireevent.CustomToolCall{ID: it.ID, CallID: it.CallID, Name: it.Name, Input: it.Arguments}, nil

	case "custom_tool_call_output":
		return wireevent.CustomToolCallOutput{CallID: it.CallID, Output: it.Output}, nil

	case "web_search_call":
		return wireevent.WebSearchCall{ID: it.ID, Query: it.Query}, nil

	case "local_shell_call":
		return wireevent.LocalShellCall{ID: it.ID, CallID: it.CallID, Action: it.Action}, nil

	default:
		// Unknown item types are preserved as an assistant message with no
		// text rather than dropped, so history length invariants hold.
		return wireevent.AssistantMessage{ID: it.ID}, nil
	}
}
