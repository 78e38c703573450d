// Package session implements the conversation core (C5, spec §4.5): a
// single-conversation event loop that turns UserTurn ops into model
// requests, records response items into history and the rollout, and
// auto-compacts (§4.5.1) when the model reports the context filling up.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/codalotl/relaycore/internal/cerr"
	"github.com/codalotl/relaycore/internal/q/cas"
	"github.com/codalotl/relaycore/internal/q/health"
	"github.com/codalotl/relaycore/internal/rollout"
	"github.com/codalotl/relaycore/internal/ssestream"
	"github.com/codalotl/relaycore/internal/wireevent"
)

// ModelStreamer is the subset of *modelclient.Client a Session depends on
// (spec §4.3's stream(prompt) contract), accepted as an interface so tests
// can substitute a scripted stub.
type ModelStreamer interface {
	Stream(ctx context.Context, prompt wireevent.Prompt) (<-chan ssestream.Result, error)
}

// UserTurn is the convenience wrapper named in §4.5: items become the
// turn's UserMessage input, the rest are per-turn defaults.
type UserTurn struct {
	Items             []wireevent.ResponseItem
	CWD               string
	ApprovalMode      string
	SandboxMode       string
	Model             string
	ReasoningEffort   string
	ReasoningSummary  string
	FinalOutputSchema map[string]any
}

// Interrupt aborts the session's current turn, if any.
type Interrupt struct{}

// Shutdown ends the session's event loop after any in-flight turn settles.
type Shutdown struct{}

type pendingTurn struct {
	submissionID string
	turn         UserTurn
}

type opEnvelope struct {
	submissionID string
	userTurn     *UserTurn
	interrupt    bool
	shutdown     bool
	setName      *string
	reply        chan error
}

// turnOutcome is what one streamOnce attempt produced.
type turnOutcome struct {
	items      []wireevent.ResponseItem
	usage      wireevent.TokenUsage
	responseID string
	agentText  string
	err        error
}

// Config configures a new Session.
type Config struct {
	ConversationID string
	Client         ModelStreamer
	Writer         *rollout.Writer

	// CompactCache, if set, memoizes auto-compact summaries by a hash of
	// the exact input transcript (internal/q/cas), so replaying or
	// retrying a compaction over unchanged history skips the model call.
	CompactCache *cas.DB

	Model            string
	Instructions     string
	Tools            []wireevent.ToolSpec
	ReasoningEffort  string
	ReasoningSummary string
	PromptCacheKey   string
	SupportsChaining bool

	// ContextWindowTokens, if set, derives AutoCompactTokenLimit as 90% of
	// it when AutoCompactTokenLimit is left at zero (§4.5 step 5).
	ContextWindowTokens   int64
	AutoCompactTokenLimit int64
	// CompactMessageByteBudget bounds each retained recent user message
	// during compaction (§4.5.1 step 4); 0 selects a 8000-byte default
	// (~2000 tokens at the spec's 4-bytes-per-token approximation).
	CompactMessageByteBudget int

	Logger *slog.Logger

	// History and InitialContext seed a resumed session (rollout.Resume's
	// initial_history). InitialContext defaults to the first UserTurn-shaped
	// prefix of History when left nil.
	History        []wireevent.ResponseItem
	InitialContext []wireevent.ResponseItem
}

const defaultCompactMessageByteBudget = 8000
const defaultRecentUserMessages = 5

// Session is one conversation's event loop (C5).
type Session struct {
	health.Ctx

	id           string
	client       ModelStreamer
	writer       *rollout.Writer
	compactCache *cas.DB

	model            string
	instructions     string
	tools            []wireevent.ToolSpec
	reasoningEffort  string
	reasoningSummary string
	promptCacheKey   string
	supportsChaining bool

	contextWindowTokens      int64
	autoCompactTokenLimit    int64
	compactMessageByteBudget int

	ops    chan opEnvelope
	events chan Event

	mu sync.Mutex
	history        []wireevent.ResponseItem
	initialContext []wireevent.ResponseItem
	// tokenTotals accumulates usage across every turn, for billing/reporting.
	tokenTotals wireevent.TokenUsage
	// lastContextTokens is the most recent turn's reported TotalTokens, the
	// provider's view of how full the context window currently is; this
	// (not the cumulative tokenTotals) is what auto-compact's trigger
	// compares against (§4.5 step 5).
	lastContextTokens int64
	previousRespID    string
	pendingTurns      []pendingTurn
}

// New constructs a Session. Call Run in its own goroutine to start the
// event loop, and Submit/NextEvent from any goroutine to drive it.
func New(cfg Config) *Session {
	ctx := health.NewCtx(cfg.Logger)
	byteBudget := cfg.CompactMessageByteBudget
	if byteBudget <= 0 {
		byteBudget = defaultCompactMessageByteBudget
	}
	s := &Session{
		Ctx:                      ctx,
		id:                       cfg.ConversationID,
		client:                   cfg.Client,
		writer:                   cfg.Writer,
		compactCache:             cfg.CompactCache,
		model:                    cfg.Model,
		instructions:             cfg.Instructions,
		tools:                    cfg.Tools,
		reasoningEffort:          cfg.ReasoningEffort,
		reasoningSummary:         cfg.ReasoningSummary,
		promptCacheKey:           cfg.PromptCacheKey,
		supportsChaining:         cfg.SupportsChaining,
		contextWindowTokens:      cfg.ContextWindowTokens,
		autoCompactTokenLimit:    cfg.AutoCompactTokenLimit,
		compactMessageByteBudget: byteBudget,
		history:                  append([]wireevent.ResponseItem(nil), cfg.History...),
		ops:                      make(chan opEnvelope, 32),
		events:                   make(chan Event, 64),
	}
	if len(cfg.InitialContext) > 0 {
		s.initialContext = append([]wireevent.ResponseItem(nil), cfg.InitialContext...)
	} else {
		n := 0
		for n < len(cfg.History) {
			if _, ok := cfg.History[n].(wireevent.UserMessage); !ok {
				break
			}
			n++
		}
		s.recordInitialContextIfNeeded(cfg.History[:n])
	}
	return s
}

// ID returns the conversation id.
func (s *Session) ID() string { return s.id }

// Submit enqueues op and returns its submission id (spec §4.5:
// submit(op) -> submission_id).
func (s *Session) Submit(op any) (string, error) {
	id := ulid.Make().String()
	env := opEnvelope{submissionID: id}
	switch v := op.(type) {
	case UserTurn:
		env.userTurn = &v
	case Interrupt:
		env.interrupt = true
	case Shutdown:
		env.shutdown = true
	default:
		return "", cerr.UnsupportedOperation("session: unsupported op type")
	}
	s.ops <- env
	return id, nil
}

// SubmitUserTurn is a typed convenience wrapper over Submit.
func (s *Session) SubmitUserTurn(ut UserTurn) (string, error) { return s.Submit(ut) }

// SubmitInterrupt is a typed convenience wrapper over Submit.
func (s *Session) SubmitInterrupt() (string, error) { return s.Submit(Interrupt{}) }

// SubmitShutdown is a typed convenience wrapper over Submit.
func (s *Session) SubmitShutdown() (string, error) { return s.Submit(Shutdown{}) }

// SetSessionName rewrites the rollout's SessionMeta.Name, funneled through
// the event loop per §5's "writes from multiple external actors are
// funneled through the session task via ops."
func (s *Session) SetSessionName(name string) error {
	reply := make(chan error, 1)
	s.ops <- opEnvelope{submissionID: ulid.Make().String(), setName: &name, reply: reply}
	return <-reply
}

// NextEvent returns the next event, or (nil, ctx.Err()) if ctx ends first,
// or (nil, nil) once the event stream has closed (spec §4.5: next_event()
// -> Event).
func (s *Session) NextEvent(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return nil, nil
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HistorySnapshot returns a clone of the current history (§5: "external
// readers use cloned snapshots").
func (s *Session) HistorySnapshot() []wireevent.ResponseItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wireevent.ResponseItem(nil), s.history...)
}

// TokenTotals returns a clone of the session's accumulated token usage.
func (s *Session) TokenTotals() wireevent.TokenUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenTotals
}

func (s *Session) emit(ev Event) { s.events <- ev }

// Run drives the event loop until ctx ends or a Shutdown op is processed.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.events)
	for {
		if len(s.pendingTurns) > 0 {
			pt := s.pendingTurns[0]
			s.pendingTurns = s.pendingTurns[1:]
			if stop := s.runTurn(ctx, pt.submissionID, pt.turn); stop {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-s.ops:
			if !ok {
				return nil
			}
			switch {
			case env.userTurn != nil:
				if stop := s.runTurn(ctx, env.submissionID, *env.userTurn); stop {
					return nil
				}
			case env.interrupt:
				// No turn in flight; Interrupt with nothing to abort is a no-op.
			case env.shutdown:
				s.emit(ShutdownComplete{})
				return nil
			case env.setName != nil:
				err := s.writer.SetSessionName(*env.setName)
				if env.reply != nil {
					env.reply <- err
				}
			}
		}
	}
}

// runTurn executes one UserTurn to completion, including the context-window
// pop-and-retry loop and any auto-compaction pass, and reports whether the
// event loop should stop (a Shutdown op arrived mid-turn).
func (s *Session) runTurn(ctx context.Context, submissionID string, ut UserTurn) (stop bool) {
	s.recordInitialContextIfNeeded(ut.Items)
	s.appendHistory(ut.Items...)
	s.persist(ut.Items...)
	s.emit(TaskStarted{SubmissionID: submissionID})

	for {
		if s.shouldAutoCompact() {
			interrupted, shutdown, err := s.autoCompact(ctx)
			if interrupted || shutdown || err != nil {
				switch {
				case interrupted:
					s.emit(ErrorEvent{Err: cerr.Interrupted()})
				case err != nil:
					s.emit(ErrorEvent{Err: err})
				}
				s.emit(TaskComplete{SubmissionID: submissionID, TokenUsage: s.TokenTotals()})
				if shutdown {
					s.emit(ShutdownComplete{})
				}
				return shutdown
			}
		}

		prompt := s.buildPrompt(ut)
		turnCtx, cancel := context.WithCancel(ctx)
		resultCh := make(chan turnOutcome, 1)
		go s.streamOnce(turnCtx, prompt, resultCh)

		outcome, interrupted, shutdown := s.waitForOutcome(cancel, resultCh)
		cancel()

		if interrupted {
			s.emit(ErrorEvent{Err: cerr.Interrupted()})
			s.emit(TaskComplete{SubmissionID: submissionID, TokenUsage: s.TokenTotals()})
			return false
		}
		if shutdown {
			s.emit(TaskComplete{SubmissionID: submissionID, TokenUsage: s.TokenTotals()})
			s.emit(ShutdownComplete{})
			return true
		}

		if outcome.err != nil {
			if cerr.IsKind(outcome.err, cerr.KindContextWindowExceeded) {
				if s.popOldestHistoryItem() {
					continue
				}
			}
			s.emit(ErrorEvent{Err: outcome.err})
			s.emit(TaskComplete{SubmissionID: submissionID, TokenUsage: s.TokenTotals()})
			return false
		}

		s.finishTurn(submissionID, outcome)
		return false
	}
}

// waitForOutcome selects between the in-flight stream's result and any op
// that arrives while it is running: Interrupt/Shutdown abort the stream
// immediately, set_session_name is serviced inline, and a UserTurn op is
// queued to run after the current one finishes (spec §5: explicit selects
// between next submission, next model event, and cancellation signal).
func (s *Session) waitForOutcome(cancel context.CancelFunc, resultCh <-chan turnOutcome) (outcome turnOutcome, interrupted bool, shutdown bool) {
	for {
		select {
		case outcome = <-resultCh:
			return outcome, false, false
		case env := <-s.ops:
			switch {
			case env.interrupt:
				cancel()
				<-resultCh
				return turnOutcome{}, true, false
			case env.shutdown:
				cancel()
				<-resultCh
				return turnOutcome{}, false, true
			case env.setName != nil:
				err := s.writer.SetSessionName(*env.setName)
				if env.reply != nil {
					env.reply <- err
				}
			case env.userTurn != nil:
				s.pendingTurns = append(s.pendingTurns, pendingTurn{env.submissionID, *env.userTurn})
			}
		}
	}
}

// streamOnce runs a single model request to completion (or until ctx is
// canceled) and reports the outcome on out exactly once.
func (s *Session) streamOnce(ctx context.Context, prompt wireevent.Prompt, out chan<- turnOutcome) {
	tx, err := s.client.Stream(ctx, prompt)
	if err != nil {
		out <- turnOutcome{err: err}
		return
	}

	var items []wireevent.ResponseItem
	var usage wireevent.TokenUsage
	var agentText string
	var responseID string

	for res := range tx {
		if res.Err != nil {
			out <- turnOutcome{err: res.Err}
			return
		}
		switch ev := res.Event.(type) {
		case wireevent.OutputItemDone:
			items = append(items, ev.Item)
			s.emit(ItemEvent{Item: ev.Item})
			if am, ok := ev.Item.(wireevent.AssistantMessage); ok {
				agentText = strings.Join(am.Content, "")
			}
		case wireevent.Completed:
			responseID = ev.ResponseID
			if ev.TokenUsage != nil {
				usage = *ev.TokenUsage
			}
		}
	}
	out <- turnOutcome{items: items, usage: usage, responseID: responseID, agentText: agentText}
}

func (s *Session) finishTurn(submissionID string, outcome turnOutcome) {
	s.appendHistory(outcome.items...)
	s.persist(outcome.items...)

	s.mu.Lock()
	s.tokenTotals = s.tokenTotals.Add(outcome.usage)
	if outcome.usage.TotalTokens > 0 {
		s.lastContextTokens = outcome.usage.TotalTokens
	}
	if outcome.responseID != "" {
		s.previousRespID = outcome.responseID
	}
	totals := s.tokenTotals
	s.mu.Unlock()

	if outcome.agentText != "" {
		s.emit(AgentMessage{SubmissionID: submissionID, Text: outcome.agentText})
	}
	s.emit(TaskComplete{SubmissionID: submissionID, TokenUsage: totals})
}

func (s *Session) appendHistory(items ...wireevent.ResponseItem) {
	if len(items) == 0 {
		return
	}
	s.mu.Lock()
	s.history = append(s.history, items...)
	s.mu.Unlock()
}

func (s *Session) persist(items ...wireevent.ResponseItem) {
	var toPersist []wireevent.ResponseItem
	for _, it := range items {
		if rollout.Persistable(it) {
			toPersist = append(toPersist, it)
		}
	}
	if len(toPersist) == 0 {
		return
	}
	args := make([]any, len(toPersist))
	for i, it := range toPersist {
		args[i] = it
	}
	if err := s.writer.Append(args...); err != nil {
		s.Log("rollout append failed", "conversation_id", s.id, "err", err)
	}
}

// popOldestHistoryItem removes the oldest history item and reports whether
// it did so (false when at most one item remains, per §4.5 step 4: "if
// only one item remains, declare full context and surface the error").
func (s *Session) popOldestHistoryItem() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) <= 1 {
		return false
	}
	s.history = s.history[1:]
	return true
}

func (s *Session) recordInitialContextIfNeeded(items []wireevent.ResponseItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialContext != nil || len(items) == 0 {
		return
	}
	s.initialContext = append([]wireevent.ResponseItem(nil), items...)
}

func (s *Session) autoCompactTokenLimitValue() int64 {
	if s.autoCompactTokenLimit > 0 {
		return s.autoCompactTokenLimit
	}
	if s.contextWindowTokens > 0 {
		return s.contextWindowTokens * 9 / 10
	}
	return 0 // 0 disables auto-compaction when no budget is configured.
}

func (s *Session) shouldAutoCompact() bool {
	limit := s.autoCompactTokenLimitValue()
	if limit <= 0 {
		return false
	}
	s.mu.Lock()
	total := s.lastContextTokens
	s.mu.Unlock()
	return total >= limit
}

func (s *Session) buildPrompt(ut UserTurn) wireevent.Prompt {
	model := s.model
	if ut.Model != "" {
		model = ut.Model
	}
	effort := s.reasoningEffort
	if ut.ReasoningEffort != "" {
		effort = ut.ReasoningEffort
	}
	summary := s.reasoningSummary
	if ut.ReasoningSummary != "" {
		summary = ut.ReasoningSummary
	}

	s.mu.Lock()
	input := append([]wireevent.ResponseItem(nil), s.history...)
	prevRespID := s.previousRespID
	s.mu.Unlock()

	p := wireevent.Prompt{
		Model:          model,
		Input:          input,
		Tools:          s.tools,
		OutputSchema:   ut.FinalOutputSchema,
		PromptCacheKey: s.promptCacheKey,
		Instructions:   s.instructions,
		Store:          true,
	}
	if effort != "" || summary != "" {
		p.Reasoning = &wireevent.ReasoningParam{Effort: effort, Summary: summary}
	}
	if s.supportsChaining && prevRespID != "" {
		p.PreviousResponseID = prevRespID
	}
	return p
}
