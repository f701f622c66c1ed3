// Package stream opens the agent-pipeline stream: a single POST whose
// response body is an unbounded sequence of data-prefixed text frames.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/comigor/sqlchat-go/internal/logger"
	"github.com/comigor/sqlchat-go/internal/transport"
)

// ErrNoBody is reported when a successful response carries no readable body.
var ErrNoBody = errors.New("no readable stream from response")

const defaultChunkSize = 4096

var log = logger.With("stream")

// Auth is the slice of the transport client the reader needs: credentials,
// refresh, the shared backoff policy and the global logout.
type Auth interface {
	Authorize(req *http.Request)
	Refresh(ctx context.Context) bool
	Logout()
	Backoff(ctx context.Context, attempt int) error
	MaxAttempts() int
}

// Handlers receive stream callbacks. All callbacks for one stream run on the
// same goroutine, in wire order; OnDone fires at most once and last.
type Handlers struct {
	OnEvent func(Event)
	OnError func(error)
	OnDone  func()
}

// Option configures a Reader.
type Option func(*Reader)

// WithHTTPClient replaces the HTTP client. It must not set a total timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Reader) { r.client = c }
}

// WithChunkSize sets the body read size.
func WithChunkSize(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.chunkSize = n
		}
	}
}

// Reader opens streams against one endpoint.
type Reader struct {
	url       string
	auth      Auth
	client    *http.Client
	chunkSize int
}

// NewReader creates a reader posting to url.
func NewReader(url string, auth Auth, opts ...Option) *Reader {
	r := &Reader{
		url:       url,
		auth:      auth,
		client:    &http.Client{},
		chunkSize: defaultChunkSize,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handle controls one open stream.
type Handle struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}

	mu       sync.Mutex
	finished bool
}

// Cancel aborts the in-flight request. Once Cancel returns no further
// callback is dispatched, but one that was already being dispatched on the
// stream goroutine may still run to completion. Cancellation is not reported
// as an error. Cancel may be called from inside a callback.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
	h.cancel()
}

// Cancelled reports whether Cancel was called.
func (h *Handle) Cancelled() bool {
	return h.cancelled.Load()
}

// Done is closed when the stream goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the stream goroutine has exited.
func (h *Handle) Wait() {
	<-h.done
}

func (h *Handle) emit(fn func()) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished || h.cancelled.Load() {
		return false
	}
	fn()
	return true
}

func (h *Handle) event(hs Handlers, evt Event) bool {
	return h.emit(func() {
		if hs.OnEvent != nil {
			hs.OnEvent(evt)
		}
	})
}

func (h *Handle) error(hs Handlers, err error) bool {
	return h.emit(func() {
		if hs.OnError != nil {
			hs.OnError(err)
		}
	})
}

func (h *Handle) finish(hs Handlers) {
	h.emit(func() {
		h.finished = true
		if hs.OnDone != nil {
			hs.OnDone()
		}
	})
}

func (h *Handle) fail(hs Handlers, err error) {
	h.error(hs, err)
	h.finish(hs)
}

// Open starts a stream for payload and returns immediately. Callbacks run on
// a goroutine owned by the stream.
func (r *Reader) Open(ctx context.Context, payload any, hs Handlers) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		defer cancel()

		body, err := json.Marshal(payload)
		if err != nil {
			h.fail(hs, fmt.Errorf("encoding payload: %w", err))
			return
		}

		resp, ok := r.connect(ctx, h, body, hs)
		if !ok {
			return
		}
		defer resp.Body.Close()
		r.consume(ctx, h, resp.Body, hs)
	}()

	return h
}

// connect runs the bounded connection attempt loop. It returns false when the
// stream already ended (failure reported, logout, or cancellation).
func (r *Reader) connect(ctx context.Context, h *Handle, body []byte, hs Handlers) (*http.Response, bool) {
	attempts := max(r.auth.MaxAttempts(), 1)
	lastStatus := 0

	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
		if err != nil {
			h.fail(hs, err)
			return nil, false
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		r.auth.Authorize(req)

		resp, err := r.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false
			}
			log.Debug("stream connect failed", "attempt", attempt, "error", err)
			if attempt < attempts {
				if r.auth.Backoff(ctx, attempt) != nil {
					return nil, false
				}
				continue
			}
			h.fail(hs, err)
			return nil, false
		}

		code := resp.StatusCode
		if code >= 200 && code < 300 {
			if resp.Body == nil || resp.Body == http.NoBody {
				h.fail(hs, ErrNoBody)
				return nil, false
			}
			return resp, true
		}
		drain(resp)
		lastStatus = code

		if transport.IsAuthStatus(code) {
			if r.auth.Refresh(ctx) {
				continue
			}
			if ctx.Err() != nil {
				return nil, false
			}
			r.auth.Logout()
			return nil, false
		}

		if code >= http.StatusInternalServerError && attempt < attempts {
			log.Debug("stream server error, retrying", "status", code, "attempt", attempt)
			if r.auth.Backoff(ctx, attempt) != nil {
				return nil, false
			}
			continue
		}

		h.fail(hs, &transport.StatusError{Code: code})
		return nil, false
	}

	h.fail(hs, &transport.StatusError{Code: lastStatus})
	return nil, false
}

func (r *Reader) consume(ctx context.Context, h *Handle, body io.Reader, hs Handlers) {
	var dec frameDecoder
	buf := make([]byte, r.chunkSize)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, frame := range dec.Feed(buf[:n]) {
				if stop := r.dispatch(h, frame, hs); stop {
					return
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil || h.Cancelled() {
				return
			}
			h.fail(hs, fmt.Errorf("reading stream: %w", err))
			return
		}
	}

	// the server closed without a blank line after the last frame
	if line, ok := lastDataLine(dec.Rest()); ok {
		if evt, err := DecodeEvent([]byte(line)); err == nil {
			if evt.Finished() {
				h.finish(hs)
				return
			}
			h.event(hs, evt)
		}
	}
	h.finish(hs)
}

// dispatch handles one complete frame and reports whether the stream ended.
func (r *Reader) dispatch(h *Handle, frame string, hs Handlers) bool {
	for _, line := range dataLines(frame) {
		if h.Cancelled() {
			return true
		}
		evt, err := DecodeEvent([]byte(line))
		if err != nil {
			log.Warn("malformed stream frame", "error", err)
			h.error(hs, err)
			continue
		}
		if evt.Finished() {
			h.finish(hs)
			return true
		}
		h.event(hs, evt)
	}
	return h.Cancelled()
}

// Events exposes a stream as an iterator. Breaking out of the loop cancels the
// stream. Transport-level errors are yielded with a zero Event.
func (r *Reader) Events(ctx context.Context, payload any) iter.Seq2[Event, error] {
	type item struct {
		evt Event
		err error
	}
	return func(yield func(Event, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		ch := make(chan item)
		send := func(it item) {
			select {
			case ch <- it:
			case <-ctx.Done():
			}
		}
		h := r.Open(ctx, payload, Handlers{
			OnEvent: func(e Event) { send(item{evt: e}) },
			OnError: func(err error) { send(item{err: err}) },
		})
		defer h.Cancel()

		for {
			select {
			case it := <-ch:
				if !yield(it.evt, it.err) {
					return
				}
			case <-h.Done():
				return
			}
		}
	}
}

func drain(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
