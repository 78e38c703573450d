package payload

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codalotl/relaycore/internal/wireevent"
)

func TestChatDialectAnchorsReasoningToPrecedingAssistantMessage(t *testing.T) {
	p := wireevent.Prompt{
		Input: []wireevent.ResponseItem{
			wireevent.UserMessage{Text: []string{"hello"}},
			wireevent.AssistantMessage{ID: "a1", Content: []string{"first reply"}},
			wireevent.Reasoning{ID: "r1", Summary: []string{"thinking it through"}},
			wireevent.AssistantMessage{ID: "a2", Content: []string{"second reply"}},
		},
	}

	body := BuildChat(p, "gpt-test")
	messages := body["messages"].([]map[string]any)
	require.Len(t, messages, 3) // user, assistant(a1 w/ reasoning), assistant(a2)

	a1 := messages[1]
	require.Equal(t, "assistant", a1["role"])
	reasoning, ok := a1["reasoning"].(map[string]any)
	require.True(t, ok, "reasoning must be attached to the preceding assistant message")
	require.Equal(t, "thinking it through", reasoning["text"])

	a2 := messages[2]
	_, hasReasoning := a2["reasoning"]
	require.False(t, hasReasoning)
}

func TestResponsesDialectAzureIDsAlwaysPresent(t *testing.T) {
	p := wireevent.Prompt{
		AzureCompat: true,
		Input: []wireevent.ResponseItem{
			wireevent.UserMessage{Text: []string{"hi"}},
			wireevent.AssistantMessage{Content: []string{"ok"}},
		},
	}
	body := BuildResponses(p, "gpt-test")
	items := body["input"].([]map[string]any)
	for _, item := range items {
		id, _ := item["id"].(string)
		require.NotEmpty(t, id)
	}
}

func TestResponsesDialectIncludesReasoningEncryptedContentIffReasoningPresent(t *testing.T) {
	without := BuildResponses(wireevent.Prompt{Input: []wireevent.ResponseItem{wireevent.UserMessage{Text: []string{"hi"}}}}, "m")
	_, hasInclude := without["include"]
	require.False(t, hasInclude)

	with := BuildResponses(wireevent.Prompt{Input: []wireevent.ResponseItem{
		wireevent.UserMessage{Text: []string{"hi"}},
		wireevent.Reasoning{ID: "r1", Summary: []string{"x"}},
	}}, "m")
	include, ok := with["include"].([]string)
	require.True(t, ok)
	require.Contains(t, include, "reasoning.encrypted_content")
}

func TestResponsesDialectToolsUseSDKFunctionToolShape(t *testing.T) {
	p := wireevent.Prompt{
		Input: []wireevent.ResponseItem{wireevent.UserMessage{Text: []string{"hi"}}},
		Tools: []wireevent.ToolSpec{
			{Name: "read_file", Description: "reads a file", ParametersSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": map[string]any{"type": "string"}},
			}},
		},
	}
	body := BuildResponses(p, "m")
	tools := body["tools"].([]map[string]any)
	require.Len(t, tools, 1)
	require.Equal(t, "function", tools[0]["type"])
	require.Equal(t, "read_file", tools[0]["name"])
	require.Equal(t, "reads a file", tools[0]["description"])
	require.Equal(t, true, tools[0]["strict"])
	_, hasParams := tools[0]["parameters"]
	require.True(t, hasParams)
}

func TestChatDialectOnlyEmitsFunctionTools(t *testing.T) {
	p := wireevent.Prompt{
		Tools: []wireevent.ToolSpec{
			{Name: "read_file", Type: "function"},
			{Name: "web_search", Type: "hosted_tool"},
		},
	}
	body := BuildChat(p, "m")
	tools := body["tools"].([]map[string]any)
	require.Len(t, tools, 1)
}

func TestResponsesDialectNeverSendsGhostSnapshot(t *testing.T) {
	p := wireevent.Prompt{
		Input: []wireevent.ResponseItem{
			wireevent.UserMessage{Text: []string{"hi"}},
			wireevent.GhostSnapshot{},
			wireevent.AssistantMessage{Content: []string{"ok"}},
		},
	}
	body := BuildResponses(p, "m")
	items := body["input"].([]map[string]any)
	require.Len(t, items, 2, "GhostSnapshot is a history-only marker and must not reach the wire")
	for _, item := range items {
		require.NotEqual(t, "ghost_snapshot", item["type"])
	}
}

func TestResponsesDialectOutputSchemaReachesTextFormat(t *testing.T) {
	schema := map[string]any{"type": "object", "properties": map[string]any{"verdict": map[string]any{"type": "string"}}}
	p := wireevent.Prompt{
		Input:        []wireevent.ResponseItem{wireevent.UserMessage{Text: []string{"hi"}}},
		OutputSchema: schema,
	}
	body := BuildResponses(p, "m")
	text, ok := body["text"].(map[string]any)
	require.True(t, ok, "text.format must be populated when Prompt.OutputSchema is set")
	format, ok := text["format"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "json_schema", format["type"])
	require.Equal(t, schema, format["schema"])
}
