package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/codalotl/relaycore/internal/cerr"
	"github.com/codalotl/relaycore/internal/otelevents"
	"github.com/codalotl/relaycore/internal/payload"
	"github.com/codalotl/relaycore/internal/q/health"
	"github.com/codalotl/relaycore/internal/simplelogger"
	"github.com/codalotl/relaycore/internal/ssestream"
	"github.com/codalotl/relaycore/internal/wiredecoder"
	"github.com/codalotl/relaycore/internal/wireevent"
)

const defaultMaxIdle = 60 * time.Second
const defaultBackoffCap = 10 * time.Second
const streamChannelCapacity = 1600 // matches the teacher's wrap_stream mpsc buffer size.

// Client is the model client (C3): it resolves auth, builds the wire
// payload, POSTs with retries, and hands the response body to the SSE
// framer, returning a bounded-capacity channel of decoded wire events.
type Client struct {
	health.Ctx

	HTTP     *http.Client
	Provider Provider
	Auth     AuthProvider
	Otel     *otelevents.Manager
	MaxIdle  time.Duration

	breaker *gobreaker.CircuitBreaker[*http.Response]
}

// New constructs a Client with a circuit breaker scoped to this provider
// (DOMAIN STACK: gobreaker/v2). The breaker wraps each POST and opens after
// 5 consecutive transport-level failures; HTTP error statuses come back as
// responses and do not count. While it is open, postWithRetries returns a
// RetryLimit error at once instead of running the retry ladder.
func New(httpClient *http.Client, provider Provider, auth AuthProvider, otelMgr *otelevents.Manager, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if otelMgr == nil {
		otelMgr = otelevents.New()
	}
	c := &Client{
		Ctx:      health.NewCtx(logger),
		HTTP:     httpClient,
		Provider: provider,
		Auth:     auth,
		Otel:     otelMgr,
		MaxIdle:  defaultMaxIdle,
	}
	st := gobreaker.Settings{
		Name:    "modelclient:" + provider.Name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	c.breaker = gobreaker.NewCircuitBreaker[*http.Response](st)
	return c
}

// Stream implements spec §4.3's stream(prompt) contract. The returned
// channel is closed when the stream ends (cleanly or with a terminal error
// as its last item).
func (c *Client) Stream(ctx context.Context, prompt wireevent.Prompt) (<-chan ssestream.Result, error) {
	prompt = prompt.Clone()
	if prompt.PromptCacheKey == "" {
		// populate_prompt in the original client always sets a cache key
		// from the conversation id; callers that want this must set it
		// before calling Stream, since Client has no conversation identity
		// of its own (that belongs to C5's session).
	}

	resp, err := c.postWithRetries(ctx, prompt)
	if err != nil {
		return nil, err
	}

	tx := make(chan ssestream.Result, streamChannelCapacity)
	decoder := c.newDecoder()
	go func() {
		defer resp.Body.Close()
		ssestream.Process(ctx, resp.Body, c.maxIdle(), decoder, tx)
	}()
	return tx, nil
}

func (c *Client) maxIdle() time.Duration {
	if c.MaxIdle > 0 {
		return c.MaxIdle
	}
	return defaultMaxIdle
}

func (c *Client) newDecoder() ssestream.Decoder {
	if c.Provider.WireAPI == WireAPIChat {
		return &wiredecoder.ChatDecoder{Logger: c.Logger, Mode: wiredecoder.ChatAggregationAggregatedOnly}
	}
	return &wiredecoder.ResponsesDecoder{Logger: c.Logger}
}

// postWithRetries implements spec §4.3 steps 1-5: resolve auth, build the
// URL and payload, POST with a bounded number of retries honoring
// Retry-After on 429/5xx.
func (c *Client) postWithRetries(ctx context.Context, prompt wireevent.Prompt) (*http.Response, error) {
	auth, err := c.resolveAuth(ctx)
	if err != nil {
		return nil, err
	}

	body := c.buildPayload(prompt)
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, cerr.JSON(err)
	}

	url := c.requestURL()
	maxRetries := c.Provider.requestMaxRetries()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		simplelogger.Log("modelclient: POST %s (provider=%s attempt=%d/%d) body=%s", url, c.Provider.Name, attempt, maxRetries, raw)

		reqCtx, span := c.Otel.StartModelRequest(ctx, c.Provider.Name, prompt.Model, attempt)
		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			return c.doRequest(reqCtx, url, raw, auth)
		})
		span.End()

		if err == nil {
			simplelogger.Log("modelclient: response status=%d (provider=%s attempt=%d)", resp.StatusCode, c.Provider.Name, attempt)
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return resp, nil
			}
			retryable := resp.StatusCode == 408 || resp.StatusCode == 429 || resp.StatusCode >= 500
			statusErr := c.statusError(resp)
			resp.Body.Close()
			if !retryable || attempt == maxRetries {
				if attempt == maxRetries {
					return nil, cerr.RetryLimit(resp.StatusCode, requestIDFromHeaders(resp.Header))
				}
				return nil, statusErr
			}
			lastErr = statusErr
			c.sleepBeforeRetry(ctx, resp.Header, attempt)
			continue
		}

		simplelogger.Log("modelclient: request error (provider=%s attempt=%d): %v", c.Provider.Name, attempt, err)
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil, cerr.RetryLimit(0, "")
		}
		lastErr = cerr.ConnectionFailed(err)
		if attempt == maxRetries {
			return nil, cerr.RetryLimit(0, "")
		}
		c.sleepBeforeRetry(ctx, nil, attempt)
	}
	return nil, lastErr
}

func (c *Client) doRequest(ctx context.Context, url string, body []byte, auth AuthContext) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if auth.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+auth.BearerToken)
	}
	if c.Provider.ChatGPTMode {
		req.Header.Set("OpenAI-Beta", "codex-2")
		if auth.AccountID != "" {
			req.Header.Set("OpenAI-Organization", auth.AccountID)
		}
	}
	for k, v := range c.Provider.StaticHeaders {
		req.Header.Set(k, v)
	}
	return c.HTTP.Do(req)
}

func (c *Client) requestURL() string {
	base := strings.TrimRight(c.Provider.BaseURL, "/")
	if c.Provider.WireAPI == WireAPIChat {
		return base + "/chat/completions"
	}
	return base + "/responses"
}

func (c *Client) buildPayload(prompt wireevent.Prompt) map[string]any {
	if c.Provider.WireAPI == WireAPIChat {
		return payload.BuildChat(prompt, prompt.Model)
	}
	return payload.BuildResponses(prompt, prompt.Model)
}

// resolveAuth materializes the effective AuthContext: prefer an explicit
// bearer token -> else env_key from the provider -> else an injected auth
// provider (spec §4.3 step 1).
func (c *Client) resolveAuth(ctx context.Context) (AuthContext, error) {
	if c.Provider.BearerToken != "" {
		return AuthContext{BearerToken: c.Provider.BearerToken}, nil
	}
	if c.Provider.EnvKey != "" {
		if tok := envLookup(c.Provider.EnvKey); tok != "" {
			return AuthContext{BearerToken: tok}, nil
		}
	}
	if c.Auth != nil {
		return c.Auth.AuthContext(ctx)
	}
	if c.Provider.EnvKey != "" {
		return AuthContext{}, cerr.MissingEnvVar(c.Provider.EnvKey, "set "+c.Provider.EnvKey+" or configure an auth provider")
	}
	return AuthContext{}, nil
}

func (c *Client) statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return cerr.UnexpectedStatus(resp.StatusCode, string(b), requestIDFromHeaders(resp.Header))
}

func (c *Client) sleepBeforeRetry(ctx context.Context, headers http.Header, attempt int) {
	var retryAfter *int64
	if headers != nil {
		if v := headers.Get("Retry-After"); v != "" {
			retryAfter = wiredecoder.ParseRetryAfter(v)
			if retryAfter == nil {
				if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
					retryAfter = &secs
				}
			}
		}
	}
	delay := retryAfterOrBackoff(retryAfter, attempt, defaultBackoffCap)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func requestIDFromHeaders(h http.Header) string {
	if h == nil {
		return ""
	}
	return h.Get("x-request-id")
}

// lookupEnvFunc is a var so tests can stub environment lookups without
// mutating process-wide environment variables.
var lookupEnvFunc = os.Getenv

func envLookup(name string) string {
	return lookupEnvFunc(name)
}
