// Package modelclient implements C3: provider/auth/URL/header handling,
// reconnection, idle timeout, backoff and retry around the SSE framer and
// wire decoders. Grounded on original_source/codex-rs/core/src/client.rs
// for the stream()/stream_via_responses()/stream_via_chat() shape, and on
// the teacher's internal/llmstream.go for the retry/backoff table and
// goroutine-based async-send idiom.
package modelclient

import "context"

// WireAPI selects which dialect a provider speaks, per spec §4.3/§4.4.
type WireAPI string

const (
	WireAPIResponses WireAPI = "responses"
	WireAPIChat      WireAPI = "chat"
)

// Provider is the subset of provider configuration the client needs. Full
// provider configuration (discovery, per-provider defaults, etc.) is
// explicitly out of scope (spec §1) — this is deliberately minimal.
type Provider struct {
	Name              string
	BaseURL           string
	WireAPI           WireAPI
	BearerToken       string // pre-supplied bearer token; takes precedence over EnvKey and Auth.
	EnvKey            string // env var name holding a bearer token, if any.
	StaticHeaders     map[string]string
	RequestMaxRetries int // default 4, capped at 100.
	StreamMaxRetries  int // default 5, capped at 100.
	ChatGPTMode       bool
	SupportsChaining  bool // provider supports Responses API chaining via previous_response_id.
}

func (p Provider) requestMaxRetries() int {
	return clampRetries(p.RequestMaxRetries, 4)
}

func (p Provider) streamMaxRetries() int {
	return clampRetries(p.StreamMaxRetries, 5)
}

func clampRetries(v, dflt int) int {
	if v <= 0 {
		v = dflt
	}
	if v > 100 {
		v = 100
	}
	return v
}

// AuthContext is the effective auth state for one request.
type AuthContext struct {
	BearerToken string
	AccountID   string
}

// AuthProvider resolves an AuthContext, e.g. from stored ChatGPT-mode
// credentials. Auth storage and the OAuth flow are out of scope (spec §1);
// this is just the seam the client calls through.
type AuthProvider interface {
	AuthContext(ctx context.Context) (AuthContext, error)
}
