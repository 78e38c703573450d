// Package manager implements the conversation manager (C11, spec §4.11
// mention in §2's component table, fleshed out by SPEC_FULL.md): spawning,
// resuming, and forking conversations, each backed by a rollout.Store file
// and a session.Session event loop, with optional registration against a
// cross-session hub.Hub.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/codalotl/relaycore/internal/hub"
	"github.com/codalotl/relaycore/internal/q/cas"
	"github.com/codalotl/relaycore/internal/q/health"
	"github.com/codalotl/relaycore/internal/rollout"
	"github.com/codalotl/relaycore/internal/session"
	"github.com/codalotl/relaycore/internal/wireevent"
)

// Config configures a Manager. Client and Store are required; Hub is
// optional (a Manager with a nil Hub simply never registers the sessions it
// spawns).
type Config struct {
	Store  *rollout.Store
	Client session.ModelStreamer
	Hub    *hub.Hub
	Logger *slog.Logger

	// Defaults applied to every spawned session unless overridden by
	// SpawnOptions.
	Model                    string
	Instructions             string
	Tools                    []wireevent.ToolSpec
	ReasoningEffort          string
	ReasoningSummary         string
	SupportsChaining         bool
	ContextWindowTokens      int64
	AutoCompactTokenLimit    int64
	CompactMessageByteBudget int

	Originator    string
	CLIVersion    string
	Source        string
	ModelProvider string
}

// Manager is the conversation manager (C11).
type Manager struct {
	health.Ctx

	cfg Config

	// compactCache memoizes auto-compact summaries by transcript hash,
	// rooted under cfg.Store's CASDir so every conversation shares one
	// cache directory (internal/q/cas).
	compactCache *cas.DB

	mu      sync.Mutex
	handles map[string]*Handle
}

// New constructs a Manager from cfg.
func New(cfg Config) *Manager {
	m := &Manager{Ctx: health.NewCtx(cfg.Logger), cfg: cfg, handles: make(map[string]*Handle)}
	if cfg.Store != nil {
		m.compactCache = &cas.DB{AbsRoot: cfg.Store.CASDir()}
	}
	return m
}

// SpawnOptions customizes one spawned/resumed/forked conversation, falling
// back to the Manager's Config defaults for any zero-valued field.
type SpawnOptions struct {
	// ConversationID, if empty, is generated as a uuid v4 (spec §3,
	// SPEC_FULL.md's identifier choice).
	ConversationID string
	RoleKey        *hub.RoleKey
	RegisterWithHub bool

	CWD              string
	ApprovalMode     string
	SandboxMode      string
	Model            string
	Instructions     string
	Tools            []wireevent.ToolSpec
	ReasoningEffort  string
	ReasoningSummary string
	PromptCacheKey   string

	// History/InitialContext seed the session directly, used by Fork; left
	// nil for a fresh Spawn.
	History        []wireevent.ResponseItem
	InitialContext []wireevent.ResponseItem
}

// Handle bundles a running session.Session with the goroutine driving its
// event loop and the means to stop it.
type Handle struct {
	Session *session.Session

	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

// Wait blocks until the session's event loop ends (Run returning), then
// reports the error it returned, if any.
func (h *Handle) Wait() error {
	<-h.done
	return h.runErr
}

// Stop submits a Shutdown op, then waits for the event loop to end.
func (h *Handle) Stop() error {
	_, _ = h.Session.SubmitShutdown()
	return h.Wait()
}

func (m *Manager) newConversationID() string {
	return uuid.NewString()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (m *Manager) sessionConfig(conversationID string, opts SpawnOptions, writer *rollout.Writer) session.Config {
	tools := opts.Tools
	if tools == nil {
		tools = m.cfg.Tools
	}
	return session.Config{
		ConversationID:           conversationID,
		Client:                   m.cfg.Client,
		Writer:                   writer,
		CompactCache:             m.compactCache,
		Model:                    firstNonEmpty(opts.Model, m.cfg.Model),
		Instructions:             firstNonEmpty(opts.Instructions, m.cfg.Instructions),
		Tools:                    tools,
		ReasoningEffort:          firstNonEmpty(opts.ReasoningEffort, m.cfg.ReasoningEffort),
		ReasoningSummary:         firstNonEmpty(opts.ReasoningSummary, m.cfg.ReasoningSummary),
		PromptCacheKey:           opts.PromptCacheKey,
		SupportsChaining:         m.cfg.SupportsChaining,
		ContextWindowTokens:      m.cfg.ContextWindowTokens,
		AutoCompactTokenLimit:    m.cfg.AutoCompactTokenLimit,
		CompactMessageByteBudget: m.cfg.CompactMessageByteBudget,
		Logger:                   m.cfg.Logger,
		History:                  opts.History,
		InitialContext:           opts.InitialContext,
	}
}

func (m *Manager) hubDefaults(opts SpawnOptions) hub.Defaults {
	return hub.Defaults{
		CWD:              opts.CWD,
		ApprovalMode:     opts.ApprovalMode,
		SandboxMode:      opts.SandboxMode,
		Model:            firstNonEmpty(opts.Model, m.cfg.Model),
		ReasoningEffort:  firstNonEmpty(opts.ReasoningEffort, m.cfg.ReasoningEffort),
		ReasoningSummary: firstNonEmpty(opts.ReasoningSummary, m.cfg.ReasoningSummary),
	}
}

func (m *Manager) startAndTrack(conversationID string, s *session.Session) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{Session: s, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.runErr = s.Run(ctx)
	}()

	m.mu.Lock()
	m.handles[conversationID] = h
	m.mu.Unlock()
	return h
}

// Get returns the handle for a previously spawned/resumed/forked
// conversation id, if still tracked by this manager.
func (m *Manager) Get(conversationID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[conversationID]
	return h, ok
}

// Forget drops conversationID from the manager's tracking table without
// stopping it (used once a handle has fully shut down).
func (m *Manager) Forget(conversationID string) {
	m.mu.Lock()
	delete(m.handles, conversationID)
	m.mu.Unlock()
}

// Spawn creates a brand-new rollout file and session for opts, starts its
// event loop, and optionally registers it with the hub (spec §4.11 "Spawn").
func (m *Manager) Spawn(opts SpawnOptions) (*Handle, error) {
	conversationID := opts.ConversationID
	if conversationID == "" {
		conversationID = m.newConversationID()
	}

	writer, err := m.cfg.Store.Create(conversationID, rollout.SessionMeta{
		CWD:           opts.CWD,
		Originator:    m.cfg.Originator,
		CLIVersion:    m.cfg.CLIVersion,
		Instructions:  firstNonEmpty(opts.Instructions, m.cfg.Instructions),
		Source:        m.cfg.Source,
		ModelProvider: m.cfg.ModelProvider,
	})
	if err != nil {
		return nil, fmt.Errorf("manager: spawn %s: create rollout: %w", conversationID, err)
	}

	s := session.New(m.sessionConfig(conversationID, opts, writer))
	if err := m.maybeRegister(s, opts); err != nil {
		return nil, err
	}
	return m.startAndTrack(conversationID, s), nil
}

// Resume reopens conversationID's rollout file, replays its persisted
// history into a new Session, reattaches a writer, and starts the event
// loop (spec §4.9 Resume, §4.11 "Spawn/resume").
func (m *Manager) Resume(conversationID string, opts SpawnOptions) (*Handle, error) {
	path := m.cfg.Store.Path(conversationID)
	resumedID, _, history, err := rollout.Resume(path)
	if err != nil {
		return nil, fmt.Errorf("manager: resume %s: %w", conversationID, err)
	}

	writer, err := m.cfg.Store.OpenWriter(conversationID)
	if err != nil {
		return nil, fmt.Errorf("manager: resume %s: open writer: %w", conversationID, err)
	}

	opts.ConversationID = resumedID
	opts.History = history
	s := session.New(m.sessionConfig(resumedID, opts, writer))
	if err := m.maybeRegister(s, opts); err != nil {
		return nil, err
	}
	return m.startAndTrack(resumedID, s), nil
}

// Fork spawns a brand-new conversation (new id, new rollout file) seeded
// with source's current history snapshot (the new session derives its
// initial context from that snapshot, see session.Config), for cases
// like the verifier pool's replacement policy that need a fresh session
// carrying the same starting context (spec §4.11 "fork", §4.7's verifier
// replacement policy).
func (m *Manager) Fork(source *session.Session, opts SpawnOptions) (*Handle, error) {
	opts.History = source.HistorySnapshot()
	return m.Spawn(opts)
}

func (m *Manager) maybeRegister(s *session.Session, opts SpawnOptions) error {
	if m.cfg.Hub == nil || !opts.RegisterWithHub {
		return nil
	}
	if err := m.cfg.Hub.Register(s, m.hubDefaults(opts), opts.RoleKey); err != nil {
		return fmt.Errorf("manager: register with hub: %w", err)
	}
	return nil
}
