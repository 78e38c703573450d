package wiredecoder

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codalotl/relaycore/internal/cerr"
	"github.com/codalotl/relaycore/internal/ssestream"
	"github.com/codalotl/relaycore/internal/wireevent"
)

func TestResponsesDecoderInlineExample(t *testing.T) {
	body := "event: response.output_item.done\n" +
		`data: {"type":"response.output_item.done","item":{"type":"message","role":"assistant","id":"msg-1","content":[{"type":"output_text","text":"hi"}]}}` + "\n\n" +
		"event: response.completed\n" +
		`data: {"type":"response.completed","response":{"id":"resp-inline","usage":{"input_tokens":0,"output_tokens":0,"total_tokens":0}}}` + "\n\n"

	dec := &ResponsesDecoder{}
	tx := make(chan ssestream.Result, 8)
	ssestream.Process(context.Background(), strings.NewReader(body), time.Second, dec, tx)

	var events []wireevent.WireEvent
	for r := range tx {
		require.NoError(t, r.Err)
		events = append(events, r.Event)
	}
	require.Len(t, events, 2)

	done, ok := events[0].(wireevent.OutputItemDone)
	require.True(t, ok)
	msg, ok := done.Item.(wireevent.AssistantMessage)
	require.True(t, ok)
	require.Equal(t, []string{"hi"}, msg.Content)

	completed, ok := events[1].(wireevent.Completed)
	require.True(t, ok)
	require.Equal(t, "resp-inline", completed.ResponseID)
}

func TestResponsesDecoderContextWindowExceeded(t *testing.T) {
	body := `data: {"type":"error","error":{"code":"context_length_exceeded","message":"too long"}}` + "\n\n"
	dec := &ResponsesDecoder{}
	tx := make(chan ssestream.Result, 8)
	ssestream.Process(context.Background(), strings.NewReader(body), time.Second, dec, tx)

	r := <-tx
	require.True(t, cerr.IsKind(r.Err, cerr.KindContextWindowExceeded))
}

func TestParseRetryAfterBothFormats(t *testing.T) {
	secs := ParseRetryAfter(float64(30))
	require.NotNil(t, secs)
	require.EqualValues(t, 30, *secs)

	mins := ParseRetryAfter("2m")
	require.NotNil(t, mins)
	require.EqualValues(t, 120, *mins)
}

func TestResponsesDecoderIgnoresUnknownEventType(t *testing.T) {
	body := `data: {"type":"response.some_future_event"}` + "\n\n" +
		`data: {"type":"response.completed","response":{"id":"r1"}}` + "\n\n"
	dec := &ResponsesDecoder{}
	tx := make(chan ssestream.Result, 8)
	ssestream.Process(context.Background(), strings.NewReader(body), time.Second, dec, tx)

	var events []wireevent.WireEvent
	for r := range tx {
		require.NoError(t, r.Err)
		events = append(events, r.Event)
	}
	require.Len(t, events, 1)
}
