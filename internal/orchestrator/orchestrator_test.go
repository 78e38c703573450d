package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codalotl/relaycore/internal/hub"
	"github.com/codalotl/relaycore/internal/manager"
	"github.com/codalotl/relaycore/internal/rollout"
	"github.com/codalotl/relaycore/internal/ssestream"
	"github.com/codalotl/relaycore/internal/wireevent"
)

// scriptedRoleStreamer picks the next reply for a turn by the instructions
// string attached to its prompt, which every role in these tests sets to a
// distinct marker. Replies are consumed in order; once a role's script is
// exhausted, its last reply repeats (a replaced verifier session's later
// rounds just keep answering the way its predecessor did).
type scriptedRoleStreamer struct {
	mu      sync.Mutex
	calls   map[string]int
	scripts map[string][]func(wireevent.Prompt) []ssestream.Result
}

func newScriptedRoleStreamer() *scriptedRoleStreamer {
	return &scriptedRoleStreamer{calls: make(map[string]int), scripts: make(map[string][]func(wireevent.Prompt) []ssestream.Result)}
}

func (s *scriptedRoleStreamer) on(instructions string, replies ...func(wireevent.Prompt) []ssestream.Result) {
	s.scripts[instructions] = replies
}

func (s *scriptedRoleStreamer) Stream(ctx context.Context, prompt wireevent.Prompt) (<-chan ssestream.Result, error) {
	s.mu.Lock()
	script := s.scripts[prompt.Instructions]
	idx := s.calls[prompt.Instructions]
	var fn func(wireevent.Prompt) []ssestream.Result
	if len(script) > 0 {
		if idx < len(script) {
			fn = script[idx]
		} else {
			fn = script[len(script)-1]
		}
		s.calls[prompt.Instructions] = idx + 1
	}
	s.mu.Unlock()

	var results []ssestream.Result
	if fn != nil {
		results = fn(prompt)
	}
	ch := make(chan ssestream.Result, len(results)+1)
	for _, r := range results {
		ch <- r
	}
	close(ch)
	return ch, nil
}

func jsonReply(text string) func(wireevent.Prompt) []ssestream.Result {
	return func(wireevent.Prompt) []ssestream.Result {
		usage := wireevent.TokenUsage{TotalTokens: 10}
		return []ssestream.Result{
			{Event: wireevent.OutputItemDone{Item: wireevent.AssistantMessage{ID: "a1", Content: []string{text}}}},
			{Event: wireevent.Completed{ResponseID: "resp1", TokenUsage: &usage}},
		}
	}
}

func newOrchestratorTestManager(t *testing.T, streamer *scriptedRoleStreamer) (*manager.Manager, *hub.Hub) {
	t.Helper()
	store, err := rollout.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := hub.New(nil)
	m := manager.New(manager.Config{
		Store:      store,
		Client:     streamer,
		Hub:        h,
		Model:      "gpt-test",
		Originator: "test",
		CLIVersion: "0.0.0",
		Source:     "test",
	})
	return m, h
}

// TestDriveEndToEndScriptedRun exercises the Solver -> verifier pool ->
// Solver -> final_delivery -> verifier pool happy path (testable property #4):
// a verification_request round passes, the passing verifiers are replaced,
// and a subsequent final_delivery round passes against the replacements,
// producing a RunOutcome.
func TestDriveEndToEndScriptedRun(t *testing.T) {
	const (
		solverInstr   = "solver-instructions"
		directorInstr = "director-instructions"
		alphaInstr    = "verifier-alpha-instructions"
		betaInstr     = "verifier-beta-instructions"
	)

	streamer := newScriptedRoleStreamer()
	streamer.on(solverInstr,
		jsonReply(`{"type":"verification_request","prompt":null,"claim_path":"claim.txt","notes":null,"deliverable_path":null,"summary":null}`),
		jsonReply(`{"type":"final_delivery","prompt":null,"claim_path":null,"notes":null,"deliverable_path":"out.md","summary":"Done"}`),
	)
	streamer.on(alphaInstr, jsonReply(`{"verdict":"pass","reasons":[],"suggestions":[]}`))
	streamer.on(betaInstr, jsonReply(`{"verdict":"pass","reasons":[],"suggestions":[]}`))

	mgr, h := newOrchestratorTestManager(t, streamer)

	cfg := RunConfig{
		RunID:     "run-happy",
		Objective: "ship the feature",
		Solver:    RoleConfig{Instructions: solverInstr},
		Director:  RoleConfig{Instructions: directorInstr},
		Verifiers: []RoleConfig{
			{Role: "verifier-alpha", Instructions: alphaInstr},
			{Role: "verifier-beta", Instructions: betaInstr},
		},
		VerifierTimeout: 2 * time.Second,
	}

	storeParent := t.TempDir()
	run, err := SpawnRun(mgr, h, storeParent, cfg)
	require.NoError(t, err)
	defer run.Teardown()

	require.NoError(t, os.WriteFile(filepath.Join(run.Dir().Root, "claim.txt"), []byte("the claim"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(run.Dir().Root, "out.md"), []byte("# Done\n\nShipped.\n"), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outcome, err := run.Drive(ctx)
	require.NoError(t, err)
	require.Equal(t, "run-happy", outcome.RunID)
	require.Equal(t, filepath.Join(run.Dir().Root, "out.md"), outcome.DeliverablePath)
	require.NotNil(t, outcome.Summary)
	require.Equal(t, "Done", *outcome.Summary)
}

// TestSpawnRunCleansUpOnDuplicateVerifierRole exercises testable property
// #5: two verifier configs sharing a role name make SpawnRun fail, and the
// run directory it created is removed rather than left behind.
func TestSpawnRunCleansUpOnDuplicateVerifierRole(t *testing.T) {
	streamer := newScriptedRoleStreamer()
	mgr, h := newOrchestratorTestManager(t, streamer)

	cfg := RunConfig{
		RunID:     "run-dup",
		Objective: "ship it",
		Verifiers: []RoleConfig{
			{Role: "verifier-x"},
			{Role: "verifier-x"},
		},
	}

	storeParent := t.TempDir()
	run, err := SpawnRun(mgr, h, storeParent, cfg)
	require.Error(t, err)
	require.Nil(t, run)

	_, statErr := os.Stat(filepath.Join(storeParent, "run-dup"))
	require.True(t, os.IsNotExist(statErr))
}
