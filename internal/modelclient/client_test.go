package modelclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codalotl/relaycore/internal/cerr"
	"github.com/codalotl/relaycore/internal/wireevent"
)

func testPrompt() wireevent.Prompt {
	return wireevent.Prompt{
		Model: "gpt-test",
		Input: []wireevent.InputItem{wireevent.UserMessage{Role: "user", Text: []string{"hi"}}},
	}
}

func sseBody(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	fmt.Fprint(w, "event: response.created\ndata: {\"type\":\"response.created\"}\n\n")
	fmt.Fprint(w, "event: response.completed\ndata: {\"type\":\"response.completed\",\"response\":{\"id\":\"resp-1\"}}\n\n")
}

func TestResolveAuthPrefersExplicitBearerTokenOverEnvKeyAndProvider(t *testing.T) {
	restore := stubEnv(map[string]string{"TEST_API_KEY": "env-token"})
	defer restore()

	c := New(http.DefaultClient, Provider{Name: "p", BearerToken: "explicit-token", EnvKey: "TEST_API_KEY"}, stubAuthProvider{token: "injected-token"}, nil, nil)
	auth, err := c.resolveAuth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "explicit-token", auth.BearerToken)
}

func TestResolveAuthPrefersEnvKeyOverInjectedProvider(t *testing.T) {
	restore := stubEnv(map[string]string{"TEST_API_KEY": "env-token"})
	defer restore()

	c := New(http.DefaultClient, Provider{Name: "p", EnvKey: "TEST_API_KEY"}, stubAuthProvider{token: "injected-token"}, nil, nil)
	auth, err := c.resolveAuth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "env-token", auth.BearerToken)
}

func TestResolveAuthFallsBackToInjectedProvider(t *testing.T) {
	restore := stubEnv(map[string]string{"TEST_API_KEY": ""})
	defer restore()

	c := New(http.DefaultClient, Provider{Name: "p", EnvKey: "TEST_API_KEY"}, stubAuthProvider{token: "injected-token"}, nil, nil)
	auth, err := c.resolveAuth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "injected-token", auth.BearerToken)
}

func TestResolveAuthMissingEnvVarAndNoProvider(t *testing.T) {
	restore := stubEnv(map[string]string{"TEST_API_KEY": ""})
	defer restore()

	c := New(http.DefaultClient, Provider{Name: "p", EnvKey: "TEST_API_KEY"}, nil, nil, nil)
	_, err := c.resolveAuth(context.Background())
	require.Error(t, err)
	assert.True(t, cerr.IsKind(err, cerr.KindMissingEnvVar))
}

func TestStreamSucceedsOnFirstTry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseBody(w)
	}))
	defer srv.Close()

	c := New(http.DefaultClient, Provider{Name: "p", BaseURL: srv.URL, WireAPI: WireAPIResponses}, nil, nil, nil)
	rx, err := c.Stream(context.Background(), testPrompt())
	require.NoError(t, err)

	var events []wireevent.WireEvent
	for r := range rx {
		require.NoError(t, r.Err)
		events = append(events, r.Event)
	}
	require.Len(t, events, 2)
	_, ok := events[0].(wireevent.Created)
	assert.True(t, ok)
	completed, ok := events[1].(wireevent.Completed)
	require.True(t, ok)
	assert.Equal(t, "resp-1", completed.ResponseID)
}

func TestPostWithRetriesRetriesOn429ThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		sseBody(w)
	}))
	defer srv.Close()

	c := New(http.DefaultClient, Provider{Name: "p", BaseURL: srv.URL, WireAPI: WireAPIResponses}, nil, nil, nil)
	rx, err := c.Stream(context.Background(), testPrompt())
	require.NoError(t, err)
	for r := range rx {
		require.NoError(t, r.Err)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestPostWithRetriesExhaustsAndReturnsRetryLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(http.DefaultClient, Provider{Name: "p", BaseURL: srv.URL, WireAPI: WireAPIResponses, RequestMaxRetries: 2}, nil, nil, nil)
	_, err := c.Stream(context.Background(), testPrompt())
	require.Error(t, err)
	assert.True(t, cerr.IsKind(err, cerr.KindRetryLimit))
}

func TestPostWithRetriesNonRetryableStatusFailsImmediately(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(http.DefaultClient, Provider{Name: "p", BaseURL: srv.URL, WireAPI: WireAPIResponses, RequestMaxRetries: 3}, nil, nil, nil)
	_, err := c.Stream(context.Background(), testPrompt())
	require.Error(t, err)
	assert.True(t, cerr.IsKind(err, cerr.KindUnexpectedStatus))
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestBackoffDelayRespectsCap(t *testing.T) {
	cap := 2 * time.Second
	d0 := backoffDelay(0, cap)
	d5 := backoffDelay(5, cap)
	assert.LessOrEqual(t, d0, cap)
	assert.LessOrEqual(t, d5, cap)
}

func TestRetryAfterOrBackoffHonorsExplicitRetryAfter(t *testing.T) {
	ra := int64(7)
	d := retryAfterOrBackoff(&ra, 0, 10*time.Second)
	assert.Equal(t, 7*time.Second, d)
}

func TestRequestURLDispatchesByWireAPI(t *testing.T) {
	chat := &Client{Provider: Provider{BaseURL: "https://x.test/v1/", WireAPI: WireAPIChat}}
	resp := &Client{Provider: Provider{BaseURL: "https://x.test/v1/", WireAPI: WireAPIResponses}}
	assert.Equal(t, "https://x.test/v1/chat/completions", chat.requestURL())
	assert.Equal(t, "https://x.test/v1/responses", resp.requestURL())
}

type stubAuthProvider struct{ token string }

func (s stubAuthProvider) AuthContext(context.Context) (AuthContext, error) {
	return AuthContext{BearerToken: s.token}, nil
}

func stubEnv(values map[string]string) func() {
	prev := lookupEnvFunc
	lookupEnvFunc = func(name string) string { return values[name] }
	return func() { lookupEnvFunc = prev }
}
