// Package ssestream implements the wire-protocol-agnostic Server-Sent-Events
// framer (C1, spec §4.1). It lifts a byte stream into discrete SSE frames
// and hands each one to a Decoder, with idle-timeout detection and
// back-pressured delivery onto a result channel.
//
// This is a from-scratch port of the algorithm in
// codex-rs/api-client/src/client/sse.rs — the teacher repo
// (internal/llmstream) delegates raw SSE parsing to the openai-go/v3 SDK's
// streaming client, which does not give this module the idle-timeout /
// partial-frame-buffering control the spec requires, so this package is
// grounded directly on the original Rust implementation instead, written in
// the teacher's goroutine+channel idiom.
package ssestream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"
	"unicode/utf8"

	"github.com/codalotl/relaycore/internal/cerr"
	"github.com/codalotl/relaycore/internal/wireevent"
)

// Frame is one parsed SSE frame: an optional event name and its joined data
// payload (multiple `data:` lines joined by '\n').
type Frame struct {
	Event string
	Data  string
}

// Decoder turns one Frame into zero or more WireEvents, per §4.2. Returning
// an error is fatal: it is forwarded on tx and stops the framer loop.
type Decoder interface {
	OnFrame(frame Frame, tx chan<- Result) error
}

// Result is one item delivered on the Process output channel: either a
// decoded WireEvent or a terminal error.
type Result struct {
	Event wireevent.WireEvent
	Err   error
}

const readBufSize = 32 * 1024

// Process reads body until EOF, a `[DONE]` frame, a decode error, or
// max_idle elapses between chunks, sending results on tx. It always closes
// tx before returning. Process blocks the calling goroutine; callers
// typically run it in its own goroutine (C3 spawns it per stream).
func Process(ctx context.Context, body io.Reader, maxIdle time.Duration, decoder Decoder, tx chan<- Result) {
	defer close(tx)

	type chunk struct {
		data []byte
		err  error
	}
	chunkCh := make(chan chunk)
	go func() {
		buf := make([]byte, readBufSize)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				cp := make([]byte, n)
				copy(cp, buf[:n])
				select {
				case chunkCh <- chunk{data: cp}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				select {
				case chunkCh <- chunk{err: err}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	var pending bytes.Buffer
	timer := time.NewTimer(maxIdle)
	defer timer.Stop()

	sendResult := func(r Result) bool {
		select {
		case tx <- r:
			return true
		case <-ctx.Done():
			return false
		}
	}

	drainFrames := func() (done bool, fatal bool) {
		for {
			buf := pending.Bytes()
			idx := bytes.Index(buf, []byte("\n\n"))
			if idx < 0 {
				return false, false
			}
			frameBytes := buf[:idx]
			rest := append([]byte(nil), buf[idx+2:]...)
			pending.Reset()
			pending.Write(rest)

			if len(frameBytes) == 0 {
				continue // keep-alive
			}
			frame, isDone := parseFrame(frameBytes)
			if isDone {
				return true, false
			}
			if err := decoder.OnFrame(frame, tx); err != nil {
				sendResult(Result{Err: err})
				return false, true
			}
		}
	}

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(maxIdle)

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			sendResult(Result{Err: cerr.Stream("stream idle timeout fired before Completed event", nil)})
			return
		case c := <-chunkCh:
			if c.err != nil {
				if errors.Is(c.err, io.EOF) {
					// Flush: any remaining fragment is a final frame (§4.1 step 5).
					if rest := bytes.TrimSpace(pending.Bytes()); len(rest) > 0 {
						frame, isDone := parseFrame(pending.Bytes())
						if !isDone {
							if err := decoder.OnFrame(frame, tx); err != nil {
								sendResult(Result{Err: err})
							}
						}
					}
					return
				}
				sendResult(Result{Err: cerr.ConnectionFailed(c.err)})
				return
			}

			normalized := normalizeLineEndings(c.data)
			pending.Write(normalized)

			// Validate the accumulated buffer, not the raw chunk in isolation
			// (§4.1 step 1): a chunk boundary can legally land in the middle
			// of a multi-byte rune, which would make that lone chunk invalid
			// UTF-8 even though the full stream is well-formed.
			if !validUTF8AllowingTrailingIncompleteRune(pending.Bytes()) {
				sendResult(Result{Err: cerr.Fatal("invalid utf-8 in SSE stream")})
				return
			}

			done, fatal := drainFrames()
			if fatal {
				return
			}
			if done {
				return
			}
		}
	}
}

// validUTF8AllowingTrailingIncompleteRune reports whether b is valid UTF-8,
// tolerating one incomplete (truncated) multi-byte sequence at the very end
// of b — the rest of that rune may simply not have arrived yet in a later
// chunk. Any other invalid encoding, wherever it occurs, is rejected.
func validUTF8AllowingTrailingIncompleteRune(b []byte) bool {
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		if r != utf8.RuneError || size > 1 {
			i += size
			continue
		}
		// size <= 1 here; size == 0 can't happen since i < len(b).
		if i+utf8.UTFMax > len(b) && looksLikeTruncatedRune(b[i:]) {
			return true
		}
		return false
	}
	return true
}

// looksLikeTruncatedRune reports whether tail could be the start of a valid
// multi-byte UTF-8 sequence that was cut short (not yet a full rune, and not
// outright invalid so far).
func looksLikeTruncatedRune(tail []byte) bool {
	if len(tail) == 0 || len(tail) >= utf8.UTFMax {
		return false
	}
	lead := tail[0]
	var want int
	switch {
	case lead&0x80 == 0x00:
		return false // ASCII decodes on its own; DecodeRune wouldn't have errored.
	case lead&0xE0 == 0xC0:
		want = 2
	case lead&0xF0 == 0xE0:
		want = 3
	case lead&0xF8 == 0xF0:
		want = 4
	default:
		return false // not a valid lead byte.
	}
	if len(tail) >= want {
		return false // already a full sequence; DecodeRune would have succeeded or it's genuinely invalid.
	}
	for _, c := range tail[1:] {
		if c&0xC0 != 0x80 {
			return false // invalid continuation byte.
		}
	}
	return true
}

// normalizeLineEndings converts "\r\n" -> "\n" and lone "\r" -> "\n".
func normalizeLineEndings(b []byte) []byte {
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	b = bytes.ReplaceAll(b, []byte("\r"), []byte("\n"))
	return b
}

// parseFrame parses one frame's lines per §4.1 step 3. isDone reports that
// the frame's joined data equaled exactly "[DONE]".
func parseFrame(raw []byte) (frame Frame, isDone bool) {
	lines := bytes.Split(raw, []byte("\n"))
	var data bytes.Buffer
	sawData := false

	for _, lineBytes := range lines {
		line := string(lineBytes)
		switch {
		case len(line) >= 6 && line[:6] == "event:":
			name := trimLeadingSpace(line[6:])
			if name != "" {
				frame.Event = name
			}
		case len(line) >= 5 && line[:5] == "data:":
			payload := line[5:]
			if len(payload) > 0 && payload[0] == ' ' {
				payload = payload[1:]
			}
			if sawData {
				data.WriteByte('\n')
			}
			data.WriteString(payload)
			sawData = true
		default:
			if sawData {
				data.WriteByte('\n')
				data.WriteString(trimLeadingSpace(line))
			}
			// Lines before the first data: line with no recognized prefix
			// (and not an event: line) are ignored, e.g. ": comment" or blank.
		}
	}

	frame.Data = data.String()
	return frame, frame.Data == "[DONE]"
}

func trimLeadingSpace(s string) string {
	i := 0
	for i < len(s) && s[i] == ' ' {
		i++
	}
	return s[i:]
}
