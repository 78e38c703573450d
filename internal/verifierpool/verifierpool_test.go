package verifierpool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codalotl/relaycore/internal/hub"
	"github.com/codalotl/relaycore/internal/runstore"
	"github.com/codalotl/relaycore/internal/session"
)

type scriptedConversation struct {
	id       string
	events   chan session.Event
	submitID string
	reply    string
	noReply  bool
}

func newScriptedConversation(id, submitID, reply string) *scriptedConversation {
	c := &scriptedConversation{id: id, submitID: submitID, reply: reply, events: make(chan session.Event, 4)}
	return c
}

func (c *scriptedConversation) ID() string { return c.id }

func (c *scriptedConversation) SubmitUserTurn(session.UserTurn) (string, error) {
	if c.noReply {
		return c.submitID, nil
	}
	// Deliver the scripted reply asynchronously, as a real session would.
	go func() {
		c.events <- session.AgentMessage{SubmissionID: c.submitID, Text: c.reply}
	}()
	return c.submitID, nil
}

func (c *scriptedConversation) NextEvent(ctx context.Context) (session.Event, error) {
	select {
	case ev, ok := <-c.events:
		if !ok {
			return nil, nil
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newRunDir(t *testing.T) *runstore.Dir {
	t.Helper()
	d, err := runstore.Create(t.TempDir(), "run-1")
	require.NoError(t, err)
	return d
}

func TestCollectRoundUnanimousPass(t *testing.T) {
	h := hub.New(nil)
	runID := "run-1"
	roles := []string{"verifier-alpha", "verifier-beta"}
	for i, role := range roles {
		conv := newScriptedConversation(role, "sub-1", `{"verdict":"pass","reasons":[],"suggestions":[]}`)
		require.NoError(t, h.Register(conv, hub.Defaults{}, &hub.RoleKey{RunID: runID, Role: role}))
		_ = i
	}

	dir := newRunDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir.Root, "claim.json"), []byte(`{"ok":true}`), 0o644))

	pool := New(h, runID, roles, time.Second, dir)
	agg, err := pool.CollectRound(Request{ClaimPath: "claim.json", Objective: "ship it"})
	require.NoError(t, err)
	require.Equal(t, "pass", string(agg.Overall))
	require.Len(t, agg.PassingRoles, 2)
}

func TestCollectRoundAnyFailMakesOverallFail(t *testing.T) {
	h := hub.New(nil)
	runID := "run-1"

	passConv := newScriptedConversation("verifier-alpha", "sub-1", `{"verdict":"pass","reasons":[],"suggestions":[]}`)
	require.NoError(t, h.Register(passConv, hub.Defaults{}, &hub.RoleKey{RunID: runID, Role: "verifier-alpha"}))

	failConv := newScriptedConversation("verifier-beta", "sub-1", `{"verdict":"fail","reasons":["missing tests"],"suggestions":["add tests"]}`)
	require.NoError(t, h.Register(failConv, hub.Defaults{}, &hub.RoleKey{RunID: runID, Role: "verifier-beta"}))

	dir := newRunDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir.Root, "claim.json"), []byte(`{"ok":true}`), 0o644))

	pool := New(h, runID, []string{"verifier-alpha", "verifier-beta"}, time.Second, dir)
	agg, err := pool.CollectRound(Request{ClaimPath: "claim.json", Objective: "ship it"})
	require.NoError(t, err)
	require.Equal(t, "fail", string(agg.Overall))
	require.Len(t, agg.PassingRoles, 1)
	require.Equal(t, "verifier-alpha", agg.PassingRoles[0])
}

func TestCollectRoundTimeoutCountsAsFail(t *testing.T) {
	h := hub.New(nil)
	runID := "run-1"
	// No reply is ever delivered, forcing AwaitFirstAssistant to time out.
	conv := newScriptedConversation("verifier-alpha", "sub-1", "")
	conv.noReply = true
	require.NoError(t, h.Register(conv, hub.Defaults{}, &hub.RoleKey{RunID: runID, Role: "verifier-alpha"}))

	dir := newRunDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir.Root, "claim.json"), []byte(`{}`), 0o644))

	pool := New(h, runID, []string{"verifier-alpha"}, 30*time.Millisecond, dir)
	agg, err := pool.CollectRound(Request{ClaimPath: "claim.json"})
	require.NoError(t, err)
	require.Equal(t, "fail", string(agg.Overall))
	require.True(t, agg.PerRole[0].TimedOut)
}

func TestClaimPathCannotEscapeRunDirectory(t *testing.T) {
	dir := newRunDir(t)
	_, err := dir.Resolve("../../etc/passwd")
	require.Error(t, err)
}
