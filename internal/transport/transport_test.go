package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/comigor/sqlchat-go/internal/config"
	"github.com/comigor/sqlchat-go/internal/storage"
)

// mockTokens mirrors Tokens in transport.go
type mockTokens struct {
	access    string
	refreshTo string
	refreshOK bool
	refreshes int
	cleared   int
	// stall makes Refresh wait for ctx and fail the way a slow exchange does
	stall bool
}

func (m *mockTokens) Token() *oauth2.Token {
	if m.access == "" {
		return nil
	}
	return &oauth2.Token{AccessToken: m.access, TokenType: "Bearer"}
}

func (m *mockTokens) Refresh(ctx context.Context) bool {
	m.refreshes++
	if m.stall {
		<-ctx.Done()
		return false
	}
	if m.refreshOK {
		m.access = m.refreshTo
	}
	return m.refreshOK
}

func (m *mockTokens) Clear() error {
	m.cleared++
	m.access = ""
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func newClient(t *testing.T, h http.HandlerFunc, tokens *mockTokens, opts ...Option) (*Client, *storage.Store) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	kv := storage.NewMemory()
	cfg := config.APIConfig{BaseURL: srv.URL, MaxAttempts: 10, BackoffBase: time.Millisecond, Timeout: 5 * time.Second}
	return New(cfg, tokens, kv, append([]Option{WithSleep(noSleep)}, opts...)...), kv
}

func TestRequest_JSONAndBearer(t *testing.T) {
	tokens := &mockTokens{access: "tok"}
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write([]byte(`{"max_chats":10}`))
	}, tokens)

	res, err := c.Get(context.Background(), "/api/core/usage/")
	require.NoError(t, err)
	require.True(t, res.IsJSON())
	v, err := res.Value()
	require.NoError(t, err)
	require.Equal(t, map[string]any{"max_chats": float64(10)}, v)
}

func TestRequest_TextBodyWithoutToken(t *testing.T) {
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("pong"))
	}, &mockTokens{})

	res, err := c.Get(context.Background(), "/ping")
	require.NoError(t, err)
	v, err := res.Value()
	require.NoError(t, err)
	require.Equal(t, "pong", v)
}

// A 401 followed by a successful refresh and a 200 gives exactly one refresh and the result.
func TestRequest_AuthRetryOnce(t *testing.T) {
	var calls atomic.Int32
	tokens := &mockTokens{access: "old", refreshTo: "new", refreshOK: true}
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer new" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}, tokens)

	res, err := c.Get(context.Background(), "/api/core/chats/")
	require.NoError(t, err)
	var body struct{ OK bool }
	require.NoError(t, res.Decode(&body))
	require.True(t, body.OK)
	require.Equal(t, 1, tokens.refreshes)
	require.EqualValues(t, 2, calls.Load())
	require.False(t, c.LoggedOut())
}

// A 401 followed by refresh failure gives exactly one logout and no panic.
func TestRequest_AuthRefreshFailureLogsOut(t *testing.T) {
	tokens := &mockTokens{access: "old"}
	var hooks int
	c, kv := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}, tokens, WithLogoutHook(func() { hooks++ }))
	require.NoError(t, kv.Set(storage.KeyMessages, "[]"))
	require.NoError(t, kv.Set(storage.KeyUsername, "ada"))

	var err error
	require.NotPanics(t, func() {
		_, err = c.Get(context.Background(), "/api/core/usage/")
	})
	require.ErrorIs(t, err, ErrLoggedOut)
	require.Equal(t, 1, tokens.refreshes)
	require.Equal(t, 1, tokens.cleared)
	require.Equal(t, 1, hooks)
	_, ok := kv.Get(storage.KeyMessages)
	require.False(t, ok)
	_, ok = kv.Get(storage.KeyUsername)
	require.False(t, ok)

	// a second failing call does not repeat the acknowledgment
	_, err = c.Get(context.Background(), "/api/core/usage/")
	require.ErrorIs(t, err, ErrLoggedOut)
	require.Equal(t, 1, hooks)
}

// A refresh that outlasts the caller's deadline is a cancellation, not an
// auth failure: credentials and the local log stay.
func TestRequest_RefreshCutShortByContext(t *testing.T) {
	tokens := &mockTokens{access: "old", refreshTo: "new", stall: true}
	var hooks int
	c, kv := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, tokens, WithLogoutHook(func() { hooks++ }))
	require.NoError(t, kv.Set(storage.KeyMessages, "[]"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, "/api/core/usage/")

	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, ErrLoggedOut)
	require.False(t, c.LoggedOut())
	require.Equal(t, 0, hooks)
	require.Equal(t, 0, tokens.cleared)
	require.Equal(t, "old", tokens.access)
	_, ok := kv.Get(storage.KeyMessages)
	require.True(t, ok)
}

func TestRequest_RetryAfterRefreshStillUnauthorized(t *testing.T) {
	tokens := &mockTokens{access: "old", refreshTo: "new", refreshOK: true}
	var hooks int
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, tokens, WithLogoutHook(func() { hooks++ }))

	_, err := c.Get(context.Background(), "/x")
	require.ErrorIs(t, err, ErrLoggedOut)
	require.Equal(t, 1, tokens.refreshes)
	require.Equal(t, 1, hooks)
}

func TestRequest_ServerErrorBackoff(t *testing.T) {
	var calls atomic.Int32
	var waits []time.Duration
	tokens := &mockTokens{}
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}, tokens, WithSleep(func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}))

	res, err := c.Get(context.Background(), "/x")
	require.NoError(t, err)
	require.Equal(t, "ok", string(res.Body))
	require.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, waits)
}

func TestRequest_ServerErrorExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("down"))
	}, &mockTokens{})

	_, err := c.Get(context.Background(), "/x")
	require.Error(t, err)
	require.True(t, IsStatus(err, http.StatusServiceUnavailable))
	require.Equal(t, "down", err.Error())
	require.EqualValues(t, 10, calls.Load())
}

func TestRequest_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}, &mockTokens{})

	_, err := c.Get(context.Background(), "/x")
	require.True(t, IsStatus(err, http.StatusNotFound))
	require.Equal(t, "HTTP 404", err.Error())
	require.EqualValues(t, 1, calls.Load())
}

func TestRequest_PostSendsJSON(t *testing.T) {
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}, &mockTokens{})

	_, err := c.Post(context.Background(), "/api/core/chats/", map[string]any{"messages": []any{}})
	require.NoError(t, err)
}

func TestRequest_CancelledContext(t *testing.T) {
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {}, &mockTokens{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Get(ctx, "/x")
	require.True(t, errors.Is(err, context.Canceled))
}

func TestAuthorize(t *testing.T) {
	c := New(config.APIConfig{}, &mockTokens{access: "abc"}, storage.NewMemory())
	req, _ := http.NewRequest(http.MethodPost, "http://x", nil)
	c.Authorize(req)
	require.Equal(t, "Bearer abc", req.Header.Get("Authorization"))
}
