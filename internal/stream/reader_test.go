package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comigor/sqlchat-go/internal/transport"
)

// mockAuth mirrors Auth in reader.go
type mockAuth struct {
	mu        sync.Mutex
	token     string
	refreshTo string
	refreshOK bool
	attempts  int
	refreshes int
	logouts   int
	backoffs  []int
}

func (m *mockAuth) Authorize(req *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}
}

func (m *mockAuth) Refresh(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes++
	if m.refreshOK {
		m.token = m.refreshTo
	}
	return m.refreshOK
}

func (m *mockAuth) Logout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logouts++
}

func (m *mockAuth) Backoff(_ context.Context, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backoffs = append(m.backoffs, attempt)
	return nil
}

func (m *mockAuth) MaxAttempts() int {
	if m.attempts == 0 {
		return 10
	}
	return m.attempts
}

// recorder collects callbacks in arrival order.
type recorder struct {
	mu    sync.Mutex
	calls []string
	errs  []error
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnEvent: func(e Event) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.calls = append(r.calls, "event:"+string(e.Output))
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.calls = append(r.calls, "error")
			r.errs = append(r.errs, err)
		},
		OnDone: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.calls = append(r.calls, "done")
		},
	}
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func streamServer(t *testing.T, h http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv.URL
}

func writeBody(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, body)
	}
}

func run(t *testing.T, url string, auth Auth, opts ...Option) *recorder {
	t.Helper()
	rec := &recorder{}
	h := NewReader(url, auth, opts...).Open(context.Background(), map[string]any{"query": "q"}, rec.handlers())
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish")
	}
	return rec
}

func TestOpen_SendsPayloadAndHeaders(t *testing.T) {
	url := streamServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "q", body["query"])
		io.WriteString(w, "data: {\"output\":\"hi\"}\n\n")
	})

	rec := run(t, url, &mockAuth{token: "tok"})
	require.Equal(t, []string{`event:"hi"`, "done"}, rec.got())
}

// A malformed frame between valid ones gives one OnError and does not end the stream.
func TestOpen_MalformedFrameContinues(t *testing.T) {
	url := streamServer(t, writeBody(
		"data: {oops\n\n" +
			"data: {\"output\":\"a\"}\n\n" +
			"data: {\"output\":\"b\"}\n\n"))

	rec := run(t, url, &mockAuth{})
	require.Equal(t, []string{"error", `event:"a"`, `event:"b"`, "done"}, rec.got())
	require.ErrorIs(t, rec.errs[0], ErrMalformedFrame)
}

// The finished marker ends the stream even though the server keeps the body open.
func TestOpen_FinishedStopsReading(t *testing.T) {
	url := streamServer(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"output\":\"a\"}\n\ndata: {\"status\":\"finished\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	rec := run(t, url, &mockAuth{})
	require.Equal(t, []string{`event:"a"`, "done"}, rec.got())
}

func TestOpen_CRLFAndComments(t *testing.T) {
	url := streamServer(t, writeBody(
		": ping\r\n\r\n" +
			"data: {\"output\":\"a\"}\r\n\r\n" +
			"event: message\r\ndata: {\"output\":\"b\"}\r\n\r\n"))

	rec := run(t, url, &mockAuth{})
	require.Equal(t, []string{`event:"a"`, `event:"b"`, "done"}, rec.got())
}

func TestOpen_FramesSplitAcrossReads(t *testing.T) {
	url := streamServer(t, writeBody("data: {\"output\":\"abc\"}\n\ndata: {\"output\":\"def\"}\n\n"))

	rec := run(t, url, &mockAuth{}, WithChunkSize(3))
	require.Equal(t, []string{`event:"abc"`, `event:"def"`, "done"}, rec.got())
}

func TestOpen_TrailingFrameFlushed(t *testing.T) {
	url := streamServer(t, writeBody("data: {\"output\":\"a\"}\n\ndata: {\"output\":\"b\"}\ndata: {\"output\":\"c\"}"))

	rec := run(t, url, &mockAuth{})
	require.Equal(t, []string{`event:"a"`, `event:"c"`, "done"}, rec.got())
}

func TestOpen_TrailingMalformedSwallowed(t *testing.T) {
	url := streamServer(t, writeBody("data: {\"output\":\"a\"}\n\ndata: {broken"))

	rec := run(t, url, &mockAuth{})
	require.Equal(t, []string{`event:"a"`, "done"}, rec.got())
}

func TestOpen_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	url := streamServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		io.WriteString(w, "data: {\"output\":\"ok\"}\n\n")
	})
	auth := &mockAuth{}

	rec := run(t, url, auth)
	require.Equal(t, []string{`event:"ok"`, "done"}, rec.got())
	require.Equal(t, []int{1, 2}, auth.backoffs)
}

func TestOpen_ServerErrorsExhaustAttempts(t *testing.T) {
	var calls atomic.Int32
	url := streamServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	rec := run(t, url, &mockAuth{attempts: 3})
	require.Equal(t, []string{"error", "done"}, rec.got())
	require.True(t, transport.IsStatus(rec.errs[0], http.StatusInternalServerError))
	require.Equal(t, "HTTP 500", rec.errs[0].Error())
	require.EqualValues(t, 3, calls.Load())
}

func TestOpen_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	url := streamServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	rec := run(t, url, &mockAuth{})
	require.Equal(t, []string{"error", "done"}, rec.got())
	require.Equal(t, "HTTP 400", rec.errs[0].Error())
	require.EqualValues(t, 1, calls.Load())
}

func TestOpen_RefreshesOnUnauthorized(t *testing.T) {
	url := streamServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer new" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, "data: {\"output\":\"ok\"}\n\n")
	})
	auth := &mockAuth{token: "old", refreshTo: "new", refreshOK: true}

	rec := run(t, url, auth)
	require.Equal(t, []string{`event:"ok"`, "done"}, rec.got())
	require.Equal(t, 1, auth.refreshes)
	require.Zero(t, auth.logouts)
}

// Refresh failure logs out and ends the stream without any callback.
func TestOpen_RefreshFailureLogsOut(t *testing.T) {
	url := streamServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	auth := &mockAuth{token: "old"}

	rec := run(t, url, auth)
	require.Empty(t, rec.got())
	require.Equal(t, 1, auth.refreshes)
	require.Equal(t, 1, auth.logouts)
}

// After Cancel no callback of any kind is delivered.
func TestHandle_CancelSilencesCallbacks(t *testing.T) {
	release := make(chan struct{})
	url := streamServer(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"output\":\"first\"}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		io.WriteString(w, "data: {\"output\":\"second\"}\n\n")
	})

	rec := &recorder{}
	first := make(chan struct{})
	hs := rec.handlers()
	onEvent := hs.OnEvent
	hs.OnEvent = func(e Event) {
		onEvent(e)
		close(first)
	}
	h := NewReader(url, &mockAuth{}).Open(context.Background(), nil, hs)

	<-first
	h.Cancel()
	close(release)
	h.Wait()

	require.True(t, h.Cancelled())
	require.Equal(t, []string{`event:"first"`}, rec.got())
}

func TestHandle_CancelFromCallback(t *testing.T) {
	url := streamServer(t, writeBody("data: {\"output\":\"a\"}\n\ndata: {\"output\":\"b\"}\n\n"))

	rec := &recorder{}
	var h *Handle
	ready := make(chan struct{})
	hs := rec.handlers()
	onEvent := hs.OnEvent
	hs.OnEvent = func(e Event) {
		onEvent(e)
		<-ready
		h.Cancel()
	}
	h = NewReader(url, &mockAuth{}).Open(context.Background(), nil, hs)
	close(ready)

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("cancel from callback blocked")
	}
	require.Equal(t, []string{`event:"a"`}, rec.got())
}

func TestEvents(t *testing.T) {
	url := streamServer(t, writeBody("data: {\"output\":1}\n\ndata: bad\n\ndata: {\"output\":2}\n\ndata: {\"status\":\"finished\"}\n\n"))

	var outputs []string
	var errs int
	for evt, err := range NewReader(url, &mockAuth{}).Events(context.Background(), nil) {
		if err != nil {
			errs++
			continue
		}
		outputs = append(outputs, string(evt.Output))
	}
	require.Equal(t, []string{"1", "2"}, outputs)
	require.Equal(t, 1, errs)
}

func TestEvents_BreakCancels(t *testing.T) {
	url := streamServer(t, func(w http.ResponseWriter, r *http.Request) {
		for i := 0; ; i++ {
			if _, err := fmt.Fprintf(w, "data: {\"output\":%d}\n\n", i); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(time.Millisecond):
			}
		}
	})

	var seen []string
	for evt := range NewReader(url, &mockAuth{}).Events(context.Background(), nil) {
		seen = append(seen, string(evt.Output))
		if len(seen) == 2 {
			break
		}
	}
	require.Equal(t, []string{"0", "1"}, seen)
}

func TestNewReader_Defaults(t *testing.T) {
	r := NewReader("http://x", &mockAuth{}, WithChunkSize(0))
	require.Equal(t, defaultChunkSize, r.chunkSize)
	require.Zero(t, r.client.Timeout)
	require.True(t, strings.HasPrefix(r.url, "http://"))
}
