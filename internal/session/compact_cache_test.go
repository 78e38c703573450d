package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codalotl/relaycore/internal/q/cas"
	"github.com/codalotl/relaycore/internal/signals"
	"github.com/codalotl/relaycore/internal/wireevent"
)

func TestCompactCacheRoundTrip(t *testing.T) {
	s := New(Config{
		ConversationID: "conv-cache",
		Client:         &scriptedStreamer{},
		Writer:         newTestWriter(t),
		CompactCache:   &cas.DB{AbsRoot: t.TempDir()},
		History:        []wireevent.ResponseItem{wireevent.UserMessage{Role: "user", Text: []string{"hello"}}},
	})

	prompt := s.buildCompactionPrompt()

	_, ok := s.lookupCachedCompactSummary(prompt)
	require.False(t, ok, "cache must start empty")

	summary := signals.CompactSummary{IntentUserMessage: "hello", Summary: "greeted the user"}
	s.storeCachedCompactSummary(prompt, summary)

	got, ok := s.lookupCachedCompactSummary(prompt)
	require.True(t, ok)
	require.Equal(t, summary, got)
}

func TestCompactCacheMissesOnDifferentTranscript(t *testing.T) {
	cacheDir := t.TempDir()
	s1 := New(Config{
		ConversationID: "conv-a",
		Client:         &scriptedStreamer{},
		Writer:         newTestWriter(t),
		CompactCache:   &cas.DB{AbsRoot: cacheDir},
		History:        []wireevent.ResponseItem{wireevent.UserMessage{Role: "user", Text: []string{"hello"}}},
	})
	s1.storeCachedCompactSummary(s1.buildCompactionPrompt(), signals.CompactSummary{Summary: "s1"})

	s2 := New(Config{
		ConversationID: "conv-b",
		Client:         &scriptedStreamer{},
		Writer:         newTestWriter(t),
		CompactCache:   &cas.DB{AbsRoot: cacheDir},
		History:        []wireevent.ResponseItem{wireevent.UserMessage{Role: "user", Text: []string{"goodbye"}}},
	})
	_, ok := s2.lookupCachedCompactSummary(s2.buildCompactionPrompt())
	require.False(t, ok, "different transcript must not hit the other conversation's cache entry")
}

func TestCompactCacheNilIsNoOp(t *testing.T) {
	s := New(Config{
		ConversationID: "conv-nocache",
		Client:         &scriptedStreamer{},
		Writer:         newTestWriter(t),
		History:        []wireevent.ResponseItem{wireevent.UserMessage{Role: "user", Text: []string{"hi"}}},
	})
	prompt := s.buildCompactionPrompt()
	s.storeCachedCompactSummary(prompt, signals.CompactSummary{Summary: "ignored"})
	_, ok := s.lookupCachedCompactSummary(prompt)
	require.False(t, ok)
}
