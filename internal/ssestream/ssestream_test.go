package ssestream

import (
	"context"
	"io"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codalotl/relaycore/internal/cerr"
	"github.com/codalotl/relaycore/internal/wireevent"
)

// recordingDecoder records every frame it sees, in order, and never fails.
type recordingDecoder struct {
	frames []Frame
}

func (d *recordingDecoder) OnFrame(frame Frame, tx chan<- Result) error {
	d.frames = append(d.frames, frame)
	tx <- Result{Event: wireevent.Created{}}
	return nil
}

func collect(t *testing.T, body string, maxIdle time.Duration) (*recordingDecoder, []Result) {
	t.Helper()
	dec := &recordingDecoder{}
	tx := make(chan Result, 64)
	Process(context.Background(), strings.NewReader(body), maxIdle, dec, tx)
	var results []Result
	for r := range tx {
		results = append(results, r)
	}
	return dec, results
}

func TestTwoEventsInOneChunk(t *testing.T) {
	body := "event: response.output_item.done\n" +
		"data: {\"type\":\"response.output_item.done\",\"item\":{}}\n\n" +
		"event: response.completed\n" +
		"data: {\"type\":\"response.completed\",\"response\":{\"id\":\"resp-inline\"}}\n\n"

	dec, results := collect(t, body, time.Second)
	require.Len(t, dec.frames, 2)
	require.Equal(t, "response.output_item.done", dec.frames[0].Event)
	require.Equal(t, "response.completed", dec.frames[1].Event)
	require.Len(t, results, 2)
}

func TestDoneFrameTerminatesCleanly(t *testing.T) {
	body := "event: response.output_item.done\ndata: {}\n\ndata: [DONE]\n\n"
	dec, results := collect(t, body, time.Second)
	require.Len(t, dec.frames, 1, "the [DONE] frame must not reach the decoder")
	for _, r := range results {
		require.NoError(t, r.Err)
	}
}

// failingDecoder returns a fixed error from every OnFrame call.
type failingDecoder struct {
	err error
}

func (d *failingDecoder) OnFrame(frame Frame, tx chan<- Result) error {
	return d.err
}

func TestTrailingUnterminatedFrameErrorSurfacesAtEOF(t *testing.T) {
	// No trailing "\n\n": the frame is only flushed because the reader hits
	// EOF (§4.1 step 5), not because drainFrames found a blank-line delimiter.
	body := "event: response.failed\ndata: {\"type\":\"error\",\"error\":{\"code\":\"context_length_exceeded\"}}"
	wantErr := cerr.ContextWindowExceeded()
	dec := &failingDecoder{err: wantErr}
	tx := make(chan Result, 8)
	Process(context.Background(), strings.NewReader(body), time.Second, dec, tx)

	var results []Result
	for r := range tx {
		results = append(results, r)
	}
	require.Len(t, results, 1)
	require.ErrorIs(t, results[0].Err, wantErr)
}

func TestCRLFNormalization(t *testing.T) {
	body := "event: response.completed\r\ndata: {}\r\n\r\n"
	dec, _ := collect(t, body, time.Second)
	require.Len(t, dec.frames, 1)
	require.Equal(t, "response.completed", dec.frames[0].Event)
}

func TestIdleTimeoutFires(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	dec := &recordingDecoder{}
	tx := make(chan Result, 8)
	done := make(chan struct{})
	go func() {
		Process(context.Background(), pr, 20*time.Millisecond, dec, tx)
		close(done)
	}()

	select {
	case r, ok := <-tx:
		require.True(t, ok)
		require.Error(t, r.Err)
		require.Contains(t, r.Err.Error(), "idle timeout")
	case <-time.After(2 * time.Second):
		t.Fatal("expected idle timeout result")
	}
	<-done
}

// TestChunkingInvariance implements testable property #1: for any chunking
// of a valid SSE bytestream, the emitted frame sequence is identical.
func TestChunkingInvariance(t *testing.T) {
	full := "event: a\ndata: 1\n\n" +
		"event: b\ndata: 2\nfoo\n\n" +
		"event: c\ndata: café 日本語 \U0001F600\n\n"

	baseline, _ := collect(t, full, time.Second)

	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 20; trial++ {
		chunks := randomSplit(rng, []byte(full))
		dec := &recordingDecoder{}
		tx := make(chan Result, 64)
		r, w := io.Pipe()
		go func() {
			for _, c := range chunks {
				_, _ = w.Write(c)
			}
			w.Close()
		}()
		Process(context.Background(), r, time.Second, dec, tx)
		for range tx {
		}
		require.Equal(t, baseline.frames, dec.frames, "trial %d chunking %v", trial, chunkLens(chunks))
	}
}

// TestMultiByteUTF8SplitAcrossChunkBoundary pins down the exact scenario from
// testable property #1: a multi-byte rune straddling a chunk boundary must
// decode cleanly rather than being flagged as invalid UTF-8 for that
// particular chunking.
func TestMultiByteUTF8SplitAcrossChunkBoundary(t *testing.T) {
	body := []byte("event: a\ndata: caf\xc3\xa9 \xe6\x97\xa5\xe6\x9c\xac\xe8\xaa\x9e\n\n")

	for cut := 1; cut < len(body); cut++ {
		dec := &recordingDecoder{}
		tx := make(chan Result, 64)
		r, w := io.Pipe()
		first, second := body[:cut], body[cut:]
		go func() {
			_, _ = w.Write(first)
			_, _ = w.Write(second)
			w.Close()
		}()
		Process(context.Background(), r, time.Second, dec, tx)
		for res := range tx {
			require.NoError(t, res.Err, "cut at byte %d", cut)
		}
		require.Len(t, dec.frames, 1, "cut at byte %d", cut)
		require.Equal(t, "caf\xc3\xa9 \xe6\x97\xa5\xe6\x9c\xac\xe8\xaa\x9e", dec.frames[0].Data, "cut at byte %d", cut)
	}
}

func TestValidUTF8AllowingTrailingIncompleteRune(t *testing.T) {
	require.True(t, validUTF8AllowingTrailingIncompleteRune([]byte("hello")))
	require.True(t, validUTF8AllowingTrailingIncompleteRune([]byte("caf\xc3\xa9")))

	// Truncated 2/3/4-byte sequences at the very end: tolerated.
	require.True(t, validUTF8AllowingTrailingIncompleteRune([]byte("caf\xc3")))
	require.True(t, validUTF8AllowingTrailingIncompleteRune([]byte("x\xe6\x97")))
	require.True(t, validUTF8AllowingTrailingIncompleteRune([]byte("x\xf0\x9f\x98")))

	// Genuinely invalid bytes, wherever they occur, are still rejected.
	require.False(t, validUTF8AllowingTrailingIncompleteRune([]byte{0xff, 0xfe}))
	require.False(t, validUTF8AllowingTrailingIncompleteRune([]byte("ab\xc3\x28cd")))
}

func randomSplit(rng *rand.Rand, b []byte) [][]byte {
	if len(b) == 0 {
		return nil
	}
	n := rng.Intn(len(b)) + 1
	var chunks [][]byte
	rest := b
	for i := 0; i < n && len(rest) > 0; i++ {
		size := 1
		if len(rest) > 1 {
			size = rng.Intn(len(rest)) + 1
		}
		chunks = append(chunks, rest[:size])
		rest = rest[size:]
	}
	if len(rest) > 0 {
		chunks = append(chunks, rest)
	}
	return chunks
}

func chunkLens(chunks [][]byte) []int {
	lens := make([]int, len(chunks))
	for i, c := range chunks {
		lens[i] = len(c)
	}
	return lens
}
