package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codalotl/relaycore/internal/hub"
	"github.com/codalotl/relaycore/internal/rollout"
	"github.com/codalotl/relaycore/internal/session"
	"github.com/codalotl/relaycore/internal/ssestream"
	"github.com/codalotl/relaycore/internal/wireevent"
)

type scriptedStreamer struct {
	reply func(wireevent.Prompt) []ssestream.Result
}

func (s *scriptedStreamer) Stream(ctx context.Context, prompt wireevent.Prompt) (<-chan ssestream.Result, error) {
	results := s.reply(prompt)
	ch := make(chan ssestream.Result, len(results)+1)
	for _, r := range results {
		ch <- r
	}
	close(ch)
	return ch, nil
}

func assistantReply(text string) func(wireevent.Prompt) []ssestream.Result {
	return func(wireevent.Prompt) []ssestream.Result {
		usage := wireevent.TokenUsage{TotalTokens: 10}
		return []ssestream.Result{
			{Event: wireevent.OutputItemDone{Item: wireevent.AssistantMessage{ID: "a1", Content: []string{text}}}},
			{Event: wireevent.Completed{ResponseID: "resp1", TokenUsage: &usage}},
		}
	}
}

func drainToTaskComplete(t *testing.T, h *Handle) []session.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var events []session.Event
	for {
		ev, err := h.Session.NextEvent(ctx)
		require.NoError(t, err)
		require.NotNil(t, ev)
		events = append(events, ev)
		if _, ok := ev.(session.TaskComplete); ok {
			return events
		}
	}
}

func newTestManager(t *testing.T, reply func(wireevent.Prompt) []ssestream.Result, withHub bool) (*Manager, *hub.Hub) {
	t.Helper()
	store, err := rollout.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var h *hub.Hub
	if withHub {
		h = hub.New(nil)
	}

	m := New(Config{
		Store:      store,
		Client:     &scriptedStreamer{reply: reply},
		Hub:        h,
		Model:      "gpt-test",
		Originator: "test",
		CLIVersion: "0.0.0",
		Source:     "test",
	})
	return m, h
}

func TestSpawnCreatesRolloutAndRunsTurn(t *testing.T) {
	m, _ := newTestManager(t, assistantReply("hi there"), false)

	h, err := m.Spawn(SpawnOptions{CWD: "/work"})
	require.NoError(t, err)
	t.Cleanup(func() { h.Stop() })

	_, err = h.Session.SubmitUserTurn(session.UserTurn{Items: []wireevent.ResponseItem{wireevent.UserMessage{Role: "user", Text: []string{"hello"}}}})
	require.NoError(t, err)

	events := drainToTaskComplete(t, h)
	var sawAgentMessage bool
	for _, ev := range events {
		if am, ok := ev.(session.AgentMessage); ok {
			require.Equal(t, "hi there", am.Text)
			sawAgentMessage = true
		}
	}
	require.True(t, sawAgentMessage)

	entries, err := m.cfg.Store.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSpawnRegistersWithHubWhenRequested(t *testing.T) {
	m, h := newTestManager(t, assistantReply("ack"), true)

	key := hub.RoleKey{RunID: "run-1", Role: "solver"}
	handle, err := m.Spawn(SpawnOptions{RegisterWithHub: true, RoleKey: &key})
	require.NoError(t, err)
	t.Cleanup(func() { handle.Stop() })

	require.True(t, h.IsRegistered(handle.Session.ID()))
}

func TestResumeReplaysHistory(t *testing.T) {
	m, _ := newTestManager(t, assistantReply("second reply"), false)

	first, err := m.Spawn(SpawnOptions{ConversationID: "conv-fixed"})
	require.NoError(t, err)
	_, err = first.Session.SubmitUserTurn(session.UserTurn{Items: []wireevent.ResponseItem{wireevent.UserMessage{Role: "user", Text: []string{"first message"}}}})
	require.NoError(t, err)
	drainToTaskComplete(t, first)
	require.NoError(t, first.Stop())
	m.Forget("conv-fixed")

	resumed, err := m.Resume("conv-fixed", SpawnOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { resumed.Stop() })

	snapshot := resumed.Session.HistorySnapshot()
	require.NotEmpty(t, snapshot)
	found := false
	for _, item := range snapshot {
		if um, ok := item.(wireevent.UserMessage); ok && len(um.Text) > 0 && um.Text[0] == "first message" {
			found = true
		}
	}
	require.True(t, found, "resumed history should contain the original user message")
}

func TestForkSeedsNewConversationFromSourceHistory(t *testing.T) {
	m, _ := newTestManager(t, assistantReply("forked reply"), false)

	source, err := m.Spawn(SpawnOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { source.Stop() })
	_, err = source.Session.SubmitUserTurn(session.UserTurn{Items: []wireevent.ResponseItem{wireevent.UserMessage{Role: "user", Text: []string{"objective"}}}})
	require.NoError(t, err)
	drainToTaskComplete(t, source)

	forked, err := m.Fork(source.Session, SpawnOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { forked.Stop() })

	require.NotEqual(t, source.Session.ID(), forked.Session.ID())
	require.NotEmpty(t, forked.Session.HistorySnapshot())
}
