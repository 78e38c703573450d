package rollout

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codalotl/relaycore/internal/wireevent"
)

func TestLineRoundTripsResponseItems(t *testing.T) {
	items := []wireevent.ResponseItem{
		wireevent.UserMessage{Role: "user", Text: []string{"hello"}},
		wireevent.AssistantMessage{ID: "a1", Content: []string{"hi there"}},
		wireevent.Reasoning{ID: "r1", Summary: []string{"thinking"}, Encrypted: "blob"},
		wireevent.FunctionCall{ID: "f1", CallID: "call_1", Name: "do_thing", ArgumentsJSON: `{"x":1}`},
		wireevent.FunctionCallOutput{CallID: "call_1", Output: "ok"},
		wireevent.CustomToolCall{ID: "c1", CallID: "call_2", Name: "compactor", Input: ""},
		wireevent.CustomToolCallOutput{CallID: "call_2", Output: "summary"},
		wireevent.WebSearchCall{ID: "w1", Query: "golang sqlite"},
		wireevent.LocalShellCall{ID: "s1", CallID: "call_3", Action: "ls"},
	}

	for _, it := range items {
		line := Line{Timestamp: time.Now().UTC(), Item: it}
		b, err := json.Marshal(line)
		require.NoError(t, err)

		var decoded Line
		require.NoError(t, json.Unmarshal(b, &decoded))
		require.Equal(t, it, decoded.Item)
	}
}

func TestLinePreservesUnknownTypeForForwardCompat(t *testing.T) {
	raw := []byte(`{"timestamp":"2024-01-01T00:00:00Z","item":{"type":"future_thing","foo":"bar"}}`)
	var line Line
	require.NoError(t, json.Unmarshal(raw, &line))

	rm, ok := line.Item.(json.RawMessage)
	require.True(t, ok)

	// Re-marshaling preserves the original bytes verbatim.
	b, err := json.Marshal(Line{Timestamp: line.Timestamp, Item: rm})
	require.NoError(t, err)
	require.Contains(t, string(b), `"future_thing"`)
}

func TestStoreCreateAppendAndResume(t *testing.T) {
	root := t.TempDir()
	store, err := Open(root)
	require.NoError(t, err)
	defer store.Close()

	w, err := store.Create("conv-1", SessionMeta{CWD: "/work", Originator: "test", CLIVersion: "0.0.0", Source: "test"})
	require.NoError(t, err)

	require.NoError(t, w.Append(
		wireevent.UserMessage{Role: "user", Text: []string{"hi"}},
		wireevent.AssistantMessage{ID: "a1", Content: []string{"hello back"}},
	))

	id, meta, history, err := Resume(store.Path("conv-1"))
	require.NoError(t, err)
	require.Equal(t, "conv-1", id)
	require.Equal(t, "/work", meta.CWD)
	require.Len(t, history, 2)
}

func TestStoreSetSessionNameIsAtomic(t *testing.T) {
	root := t.TempDir()
	store, err := Open(root)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Create("conv-1", SessionMeta{CWD: "/work", Originator: "test", CLIVersion: "0.0.0", Source: "test"})
	require.NoError(t, err)

	require.NoError(t, store.SetSessionName("conv-1", "my session"))

	_, meta, _, err := Resume(store.Path("conv-1"))
	require.NoError(t, err)
	require.Equal(t, "my session", meta.Name)

	entry, ok, err := store.Lookup("conv-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "my session", entry.Name)

	// No stray temp files should remain in the store root.
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, hasTempPrefix(e.Name()), "stray temp file left behind: %s", e.Name())
	}
}

func hasTempPrefix(name string) bool {
	const prefix = ".rollout-tmp-"
	return len(name) > len(prefix) && name[:len(prefix)] == prefix
}

func TestStoreRebuildsIndexWhenMissing(t *testing.T) {
	root := t.TempDir()
	store, err := Open(root)
	require.NoError(t, err)

	_, err = store.Create("conv-1", SessionMeta{CWD: "/work", Name: "alpha", Originator: "test", CLIVersion: "0.0.0", Source: "test"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	require.NoError(t, os.Remove(filepath.Join(root, "index.db")))

	store2, err := Open(root)
	require.NoError(t, err)
	defer store2.Close()

	entry, ok, err := store2.Lookup("conv-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alpha", entry.Name)
}
