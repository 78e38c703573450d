package modelclient

import (
	"context"

	"github.com/codalotl/relaycore/internal/cerr"
	"github.com/codalotl/relaycore/internal/ssestream"
	"github.com/codalotl/relaycore/internal/wireevent"
)

// StreamWithReconnect implements spec §4.3 step 7: "if the stream dies
// mid-response, reconnect up to stream_max_retries, resending the same
// request. If the provider supports responses API chaining and a
// previous_response_id is known, resume from there instead of resending the
// whole prompt." It returns a single merged channel that looks like one
// continuous stream to the caller (C5's session event loop).
func (c *Client) StreamWithReconnect(ctx context.Context, prompt wireevent.Prompt) (<-chan ssestream.Result, error) {
	out := make(chan ssestream.Result, streamChannelCapacity)

	go func() {
		defer close(out)

		current := prompt
		maxRetries := c.Provider.streamMaxRetries()
		sawCompleted := false

		for attempt := 0; ; attempt++ {
			rx, err := c.Stream(ctx, current)
			if err != nil {
				out <- ssestream.Result{Err: err}
				return
			}

			var terminalErr error
			for r := range rx {
				if r.Err != nil {
					terminalErr = r.Err
					break
				}
				if _, ok := r.Event.(wireevent.Completed); ok {
					sawCompleted = true
				}
				out <- r
			}

			if terminalErr == nil || sawCompleted {
				return // clean end, or the terminal event already arrived before the drop.
			}
			if !cerr.Retryable(cerr.KindOf(terminalErr)) || attempt >= maxRetries {
				out <- ssestream.Result{Err: terminalErr}
				return
			}

			// A stream that dies mid-response never reaches its own
			// wireevent.Completed, so it never learns a response id to chain
			// from. "previous_response_id is known" (spec §4.3 step 7) refers
			// to one already carried on the prompt from an earlier,
			// fully-completed turn -- current.PreviousResponseID -- not one
			// harvested from this broken attempt.
			if c.Provider.SupportsChaining && current.PreviousResponseID != "" {
				current.Input = nil
			}
		}
	}()

	return out, nil
}
