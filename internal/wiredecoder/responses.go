// Package wiredecoder implements C2: two wire-event decoders (Responses and
// Chat-completions) behind the common ssestream.Decoder contract (spec §4.2,
// §9 "dynamic dispatch over decoders/providers"). Grounded on the teacher's
// internal/llmstream/open_ai_responses.go for the JSON shapes it already
// normalizes, adapted to run over raw SSE frames instead of the
// openai-go/v3 SDK's streaming client, and on
// original_source/codex-rs/api-client/src/decode/responses.rs for the
// event-type dispatch table.
package wiredecoder

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/codalotl/relaycore/internal/cerr"
	"github.com/codalotl/relaycore/internal/ssestream"
	"github.com/codalotl/relaycore/internal/wireevent"
)

// ResponsesDecoder decodes the Responses-API SSE event stream.
type ResponsesDecoder struct {
	Logger *slog.Logger
}

type responsesEnvelope struct {
	Type     string          `json:"type"`
	Item     json.RawMessage `json:"item"`
	Delta    string          `json:"delta"`
	Response *struct {
		ID    string `json:"id"`
		Usage *struct {
			InputTokens        int64 `json:"input_tokens"`
			CachedInputTokens  int64 `json:"cached_input_tokens"`
			OutputTokens       int64 `json:"output_tokens"`
			ReasoningTokens    int64 `json:"reasoning_tokens"`
			TotalTokens        int64 `json:"total_tokens"`
		} `json:"usage"`
	} `json:"response"`
	Error *struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		RetryAfter any    `json:"retry_after"`
	} `json:"error"`
	RateLimits *rateLimitsJSON `json:"rate_limits"`
}

type rateLimitsJSON struct {
	Primary   *rateLimitWindowJSON `json:"primary"`
	Secondary *rateLimitWindowJSON `json:"secondary"`
}

type rateLimitWindowJSON struct {
	UsedPercent     float64 `json:"used_percent"`
	WindowSeconds   int64   `json:"window_seconds"`
	ResetsInSeconds int64   `json:"resets_in_seconds"`
}

// OnFrame implements ssestream.Decoder.
func (d *ResponsesDecoder) OnFrame(frame ssestream.Frame, tx chan<- ssestream.Result) error {
	if strings.TrimSpace(frame.Data) == "" {
		return nil
	}

	var env responsesEnvelope
	if err := json.Unmarshal([]byte(frame.Data), &env); err != nil {
		return cerr.JSON(err)
	}

	switch env.Type {
	case "response.created":
		tx <- ssestream.Result{Event: wireevent.Created{}}

	case "response.output_item.added":
		item, err := decodeItem(env.Item)
		if err != nil {
			return err
		}
		tx <- ssestream.Result{Event: wireevent.OutputItemAdded{Item: item}}

	case "response.output_item.done":
		item, err := decodeItem(env.Item)
		if err != nil {
			return err
		}
		tx <- ssestream.Result{Event: wireevent.OutputItemDone{Item: item}}

	case "response.output_text.delta":
		tx <- ssestream.Result{Event: wireevent.OutputTextDelta{Delta: env.Delta}}

	case "response.reasoning_summary_text.delta":
		tx <- ssestream.Result{Event: wireevent.ReasoningSummaryDelta{Delta: env.Delta}}

	case "response.reasoning_text.delta":
		tx <- ssestream.Result{Event: wireevent.ReasoningContentDelta{Delta: env.Delta}}

	case "response.reasoning_summary_part.added":
		tx <- ssestream.Result{Event: wireevent.ReasoningSummaryPartAdded{}}

	case "response.rate_limits.updated":
		if env.RateLimits != nil {
			tx <- ssestream.Result{Event: wireevent.RateLimits{Snapshot: toSnapshot(env.RateLimits)}}
		}

	case "response.completed":
		var usage *wireevent.TokenUsage
		var responseID string
		if env.Response != nil {
			responseID = env.Response.ID
			if env.Response.Usage != nil {
				u := env.Response.Usage
				usage = &wireevent.TokenUsage{
					InputTokens:           u.InputTokens,
					CachedInputTokens:     u.CachedInputTokens,
					OutputTokens:          u.OutputTokens,
					ReasoningOutputTokens: u.ReasoningTokens,
					TotalTokens:           u.TotalTokens,
				}
			}
		}
		tx <- ssestream.Result{Event: wireevent.Completed{ResponseID: responseID, TokenUsage: usage}}

	case "error":
		if env.Error != nil {
			if env.Error.Code == "context_length_exceeded" {
				return cerr.ContextWindowExceeded()
			}
			retryAfter := parseRetryAfter(env.Error.RetryAfter)
			return cerr.Stream(env.Error.Message, retryAfter)
		}
		return cerr.Stream("unknown stream error", nil)

	default:
		if d.Logger != nil {
			d.Logger.Debug("ignoring unknown response event type", "type", env.Type)
		}
	}

	return nil
}

func toSnapshot(r *rateLimitsJSON) wireevent.RateLimitSnapshot {
	toWindow := func(w *rateLimitWindowJSON) *wireevent.RateLimitWindow {
		if w == nil {
			return nil
		}
		return &wireevent.RateLimitWindow{
			UsedPercent:     w.UsedPercent,
			WindowSeconds:   w.WindowSeconds,
			ResetsInSeconds: w.ResetsInSeconds,
		}
	}
	return wireevent.RateLimitSnapshot{Primary: toWindow(r.Primary), Secondary: toWindow(r.Secondary)}
}

// parseRetryAfter accepts either an integer number of seconds or the
// pattern "<n>m" meaning minutes (spec §4.2), in whichever of the two
// locations the provider put it (spec §9 Open Questions — callers pass
// whichever field they found it in; this decoder checks the error object,
// the model client (§4.3) additionally checks the top-level field).
func parseRetryAfter(v any) *int64 {
	switch val := v.(type) {
	case float64:
		secs := int64(val)
		return &secs
	case string:
		s := strings.TrimSpace(val)
		if strings.HasSuffix(s, "m") {
			if n, err := strconv.ParseInt(strings.TrimSuffix(s, "m"), 10, 64); err == nil {
				secs := n * 60
				return &secs
			}
			return nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return &n
		}
	}
	return nil
}

// ParseRetryAfter is the exported form used by internal/modelclient to parse
// a top-level retry_after header/field using the same two-format rule.
func ParseRetryAfter(v any) *int64 {
	return parseRetryAfter(v)
}
