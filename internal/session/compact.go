package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/codalotl/relaycore/internal/cerr"
	"github.com/codalotl/relaycore/internal/q/cas"
	"github.com/codalotl/relaycore/internal/q/uni"
	"github.com/codalotl/relaycore/internal/rollout"
	"github.com/codalotl/relaycore/internal/signals"
	"github.com/codalotl/relaycore/internal/wireevent"
)

// compactCacheNamespace namespaces cached compaction summaries in the CAS
// store keyed off of the exact input transcript, so re-compacting the same
// history (e.g. a retried or replayed turn) skips the model round trip.
const compactCacheNamespace = "compact-summary-v1"

// compactionPromptTemplate is the fixed message pushed as the compaction
// turn's input (§4.5.1 step 1).
const compactionPromptTemplate = "The conversation above is approaching its context limit. " +
	"Summarize it now: capture the user's original intent in intent_user_message, and in summary " +
	"record everything a fresh assistant would need to keep working without the prior turns."

// autoCompact runs §4.5.1's procedure: push the compaction prompt, retry
// through context-window errors by trimming the oldest item, parse the
// schema-typed summary (or fall back), rebuild history, and persist a
// Compacted marker.
func (s *Session) autoCompact(ctx context.Context) (interrupted, shutdown bool, err error) {
	for {
		prompt := s.buildCompactionPrompt()

		if summary, ok := s.lookupCachedCompactSummary(prompt); ok {
			s.finishCompaction(summary)
			return false, false, nil
		}

		turnCtx, cancel := context.WithCancel(ctx)
		resultCh := make(chan turnOutcome, 1)
		go s.streamOnce(turnCtx, prompt, resultCh)

		outcome, gotInterrupted, gotShutdown := s.waitForOutcome(cancel, resultCh)
		cancel()
		if gotInterrupted {
			return true, false, nil
		}
		if gotShutdown {
			return false, true, nil
		}
		if outcome.err != nil {
			if cerr.IsKind(outcome.err, cerr.KindContextWindowExceeded) && s.popOldestHistoryItem() {
				continue
			}
			return false, false, outcome.err
		}

		summary := s.parseCompactSummaryOrFallback(outcome.agentText)
		s.storeCachedCompactSummary(prompt, summary)
		s.finishCompaction(summary)
		return false, false, nil
	}
}

// finishCompaction implements §4.5.1 step 4 onward: rebuild history around
// summary and persist a Compacted marker.
func (s *Session) finishCompaction(summary signals.CompactSummary) {
	s.mu.Lock()
	s.history = s.buildCompactedHistoryLocked(summary)
	s.mu.Unlock()

	if err := s.writer.Append(rollout.Compacted{Message: summary.Summary}); err != nil {
		s.Log("compacted marker append failed", "conversation_id", s.id, "err", err)
	}
}

// compactCacheHasher hashes prompt's input transcript, so two compactions
// over byte-identical history produce the same cache key.
func compactCacheHasher(prompt wireevent.Prompt) (cas.Hasher, error) {
	b, err := json.Marshal(prompt.Input)
	if err != nil {
		return nil, err
	}
	return cas.NewBytesHasher(b), nil
}

// lookupCachedCompactSummary reports a previously computed summary for this
// exact transcript, if s.compactCache is configured and has one. Cache
// errors are logged and treated as a miss rather than failing the turn.
func (s *Session) lookupCachedCompactSummary(prompt wireevent.Prompt) (signals.CompactSummary, bool) {
	if s.compactCache == nil {
		return signals.CompactSummary{}, false
	}
	hasher, err := compactCacheHasher(prompt)
	if err != nil {
		return signals.CompactSummary{}, false
	}
	var summary signals.CompactSummary
	found, _, err := s.compactCache.Retrieve(hasher, compactCacheNamespace, &summary)
	if err != nil {
		s.Log("compact cache retrieve failed", "conversation_id", s.id, "err", err)
		return signals.CompactSummary{}, false
	}
	return summary, found
}

// storeCachedCompactSummary saves summary for this transcript so a later
// identical compaction (e.g. after a replayed resume) can skip the model
// round trip. Failures are logged, not fatal: the cache is a pure
// accelerator.
func (s *Session) storeCachedCompactSummary(prompt wireevent.Prompt, summary signals.CompactSummary) {
	if s.compactCache == nil {
		return
	}
	hasher, err := compactCacheHasher(prompt)
	if err != nil {
		return
	}
	if err := s.compactCache.Store(hasher, compactCacheNamespace, summary, nil); err != nil {
		s.Log("compact cache store failed", "conversation_id", s.id, "err", err)
	}
}

func (s *Session) buildCompactionPrompt() wireevent.Prompt {
	s.mu.Lock()
	input := append([]wireevent.ResponseItem(nil), s.history...)
	s.mu.Unlock()

	input = append(input, wireevent.UserMessage{Role: "user", Text: []string{compactionPromptTemplate}})

	p := wireevent.Prompt{
		Model:          s.model,
		Input:          input,
		Tools:          s.tools,
		OutputSchema:   signals.AutoCompactSummarySchema,
		PromptCacheKey: s.promptCacheKey,
		Instructions:   s.instructions,
		Store:          true,
	}
	if s.reasoningEffort != "" || s.reasoningSummary != "" {
		p.Reasoning = &wireevent.ReasoningParam{Effort: s.reasoningEffort, Summary: s.reasoningSummary}
	}
	return p
}

// parseCompactSummaryOrFallback implements §4.5.1 step 3: parse the last
// assistant message as the schema-typed object; if absent/invalid, fall
// back to the raw text as the summary and the first user message as the
// intent.
func (s *Session) parseCompactSummaryOrFallback(lastAssistantText string) signals.CompactSummary {
	if lastAssistantText != "" {
		if parsed, err := signals.ParseCompactSummary(lastAssistantText); err == nil {
			return parsed
		}
	}
	s.mu.Lock()
	history := s.history
	s.mu.Unlock()
	var intent string
	for _, item := range history {
		if um, ok := item.(wireevent.UserMessage); ok {
			intent = strings.Join(um.Text, " ")
			break
		}
	}
	return signals.CompactSummary{IntentUserMessage: intent, Summary: lastAssistantText}
}

// buildCompactedHistoryLocked implements §4.5.1 step 4. Callers must hold
// s.mu.
func (s *Session) buildCompactedHistoryLocked(summary signals.CompactSummary) []wireevent.ResponseItem {
	var ghosts []wireevent.ResponseItem
	var recentUsers []wireevent.ResponseItem
	for _, item := range s.history {
		if _, ok := item.(wireevent.GhostSnapshot); ok {
			ghosts = append(ghosts, item)
		}
	}
	for i := len(s.history) - 1; i >= 0 && len(recentUsers) < defaultRecentUserMessages; i-- {
		if um, ok := s.history[i].(wireevent.UserMessage); ok {
			recentUsers = append([]wireevent.ResponseItem{truncateUserMessage(um, s.compactMessageByteBudget)}, recentUsers...)
		}
	}

	out := make([]wireevent.ResponseItem, 0, len(s.initialContext)+len(recentUsers)+2+len(ghosts))
	out = append(out, s.initialContext...)
	out = append(out, recentUsers...)

	callID := "compactor-" + ulid.Make().String()
	out = append(out, wireevent.CustomToolCall{ID: callID, CallID: callID, Name: "compactor", Input: ""})
	out = append(out, wireevent.CustomToolCallOutput{CallID: callID, Output: summary.Summary})
	out = append(out, ghosts...)
	return out
}

func truncateUserMessage(um wireevent.UserMessage, byteBudget int) wireevent.ResponseItem {
	text := make([]string, len(um.Text))
	for i, t := range um.Text {
		text[i] = truncateMiddle(t, byteBudget)
	}
	return wireevent.UserMessage{Role: um.Role, Text: text, Image: um.Image}
}

// truncateMiddle shortens s to at most maxBytes by cutting a run out of its
// middle at grapheme-cluster boundaries (never splitting a cluster), per
// §4.5.1 step 4's "each oversized message truncated at its middle"
// (DOMAIN STACK: clipperhouse/uax29/v2 + mattn/go-runewidth via internal/q/uni).
// When maxBytes leaves no room beyond the marker, the result keeps about one
// byte at each end plus the marker, and so is longer than maxBytes.
func truncateMiddle(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}

	const markerFormat = " …[%d tokens truncated]… "
	reserve := len(fmt.Sprintf(markerFormat, 999999999))
	avail := maxBytes - reserve
	if avail < 2 {
		avail = 2
	}
	headBudget := avail / 2
	tailBudget := avail - headBudget

	headEnd := graphemeBoundaryAtOrBefore(s, headBudget)
	tailStart := graphemeBoundaryAtOrAfter(s, len(s)-tailBudget)
	if tailStart < headEnd {
		tailStart = headEnd
	}

	removedBytes := tailStart - headEnd
	tokensApprox := removedBytes / 4
	marker := fmt.Sprintf(markerFormat, tokensApprox)
	return s[:headEnd] + marker + s[tailStart:]
}

func graphemeBoundaryAtOrBefore(s string, pos int) int {
	it := uni.NewGraphemeIterator(s, nil)
	last := 0
	for it.Next() {
		if it.End() > pos {
			break
		}
		last = it.End()
	}
	return last
}

func graphemeBoundaryAtOrAfter(s string, pos int) int {
	if pos <= 0 {
		return 0
	}
	it := uni.NewGraphemeIterator(s, nil)
	for it.Next() {
		if it.Start() >= pos {
			return it.Start()
		}
	}
	return len(s)
}
