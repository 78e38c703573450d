package wiredecoder

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/codalotl/relaycore/internal/cerr"
	"github.com/codalotl/relaycore/internal/ssestream"
	"github.com/codalotl/relaycore/internal/wireevent"
)

// ChatAggregationMode controls whether ChatDecoder emits incremental deltas
// or aggregates a whole message before emitting it, per spec §4.2.
type ChatAggregationMode int

const (
	ChatAggregationStreaming ChatAggregationMode = iota
	ChatAggregationAggregatedOnly
)

// ChatDecoder decodes the Chat-Completions SSE event stream.
type ChatDecoder struct {
	Logger *slog.Logger
	Mode   ChatAggregationMode

	// accumulated state across frames for the in-progress assistant message.
	text       strings.Builder
	toolCalls  map[int]*partialToolCall
	emittedAny bool
}

type partialToolCall struct {
	id, name string
	args     strings.Builder
}

type chatChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		RetryAfter any    `json:"retry_after"`
	} `json:"error"`
}

// OnFrame implements ssestream.Decoder.
func (d *ChatDecoder) OnFrame(frame ssestream.Frame, tx chan<- ssestream.Result) error {
	if strings.TrimSpace(frame.Data) == "" {
		return nil
	}
	if d.toolCalls == nil {
		d.toolCalls = make(map[int]*partialToolCall)
	}

	var chunk chatChunk
	if err := json.Unmarshal([]byte(frame.Data), &chunk); err != nil {
		return cerr.JSON(err)
	}

	if chunk.Error != nil {
		if chunk.Error.Code == "context_length_exceeded" {
			return cerr.ContextWindowExceeded()
		}
		return cerr.Stream(chunk.Error.Message, parseRetryAfter(chunk.Error.RetryAfter))
	}

	if !d.emittedAny {
		tx <- ssestream.Result{Event: wireevent.Created{}}
		d.emittedAny = true
	}

	var finished bool
	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			d.text.WriteString(choice.Delta.Content)
			if d.Mode == ChatAggregationStreaming {
				tx <- ssestream.Result{Event: wireevent.OutputTextDelta{Delta: choice.Delta.Content}}
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			pt, ok := d.toolCalls[tc.Index]
			if !ok {
				pt = &partialToolCall{}
				d.toolCalls[tc.Index] = pt
			}
			if tc.ID != "" {
				pt.id = tc.ID
			}
			if tc.Function.Name != "" {
				pt.name = tc.Function.Name
			}
			pt.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != nil {
			finished = true
		}
	}

	if finished {
		if d.text.Len() > 0 {
			tx <- ssestream.Result{Event: wireevent.OutputItemDone{Item: wireevent.AssistantMessage{Content: []string{d.text.String()}}}}
		}
		for _, pt := range d.toolCalls {
			tx <- ssestream.Result{Event: wireevent.OutputItemDone{Item: wireevent.FunctionCall{
				CallID:        pt.id,
				Name:          pt.name,
				ArgumentsJSON: pt.args.String(),
			}}}
		}

		var usage *wireevent.TokenUsage
		if chunk.Usage != nil {
			usage = &wireevent.TokenUsage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
				TotalTokens:  chunk.Usage.TotalTokens,
			}
		}
		tx <- ssestream.Result{Event: wireevent.Completed{ResponseID: chunk.ID, TokenUsage: usage}}
	}

	return nil
}
