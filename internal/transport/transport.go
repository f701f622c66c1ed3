// Package transport performs authenticated requests against the REST backend
// with retry/backoff and a single transparent token refresh. It is the only
// place that performs the global logout.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"

	"github.com/comigor/sqlchat-go/internal/config"
	"github.com/comigor/sqlchat-go/internal/logger"
	"github.com/comigor/sqlchat-go/internal/storage"
)

// ErrLoggedOut is returned once authentication could not be recovered and the
// global logout ran. Callers treat it as a silent, terminal abort.
var ErrLoggedOut = errors.New("session ended")

// StatusError reports a non-success HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return e.Body
	}
	return fmt.Sprintf("HTTP %d", e.Code)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// IsAuthStatus reports whether code is one that triggers a refresh.
func IsAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// Tokens is the token store as seen by the transport.
type Tokens interface {
	Token() *oauth2.Token
	Refresh(ctx context.Context) bool
	Clear() error
}

// Result is a successful response.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsJSON reports whether the response content type is JSON.
func (r *Result) IsJSON() bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && (mt == "application/json" || mt == "application/problem+json")
}

// Decode unmarshals a JSON body into v.
func (r *Result) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Value returns the decoded JSON body for JSON responses and the raw text otherwise.
func (r *Result) Value() (any, error) {
	if !r.IsJSON() {
		return string(r.Body), nil
	}
	var v any
	if err := r.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// Option configures a Client.
type Option func(*Client)

// WithLogoutHook registers fn to run after credentials are cleared on logout.
// The CLI uses it to show the acknowledgment and leave the session.
func WithLogoutHook(fn func()) Option {
	return func(c *Client) { c.logoutHooks = append(c.logoutHooks, fn) }
}

// WithSleep replaces the backoff sleep; tests use it to avoid real delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// Client is the authenticated transport client.
type Client struct {
	http        *resty.Client
	tokens      Tokens
	kv          storage.KV
	baseURL     string
	maxAttempts int
	backoffBase time.Duration
	sleep       func(ctx context.Context, d time.Duration) error

	logoutOnce  sync.Once
	loggedOut   atomic.Bool
	logoutHooks []func()
}

// New creates a transport client for cfg.BaseURL.
func New(cfg config.APIConfig, tokens Tokens, kv storage.KV, opts ...Option) *Client {
	c := &Client{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(cfg.Timeout),
		tokens:      tokens,
		kv:          kv,
		baseURL:     cfg.BaseURL,
		maxAttempts: max(cfg.MaxAttempts, 1),
		backoffBase: cfg.BackoffBase,
		sleep:       sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the backend root.
func (c *Client) BaseURL() string { return c.baseURL }

// MaxAttempts returns the bounded attempt count shared with the stream reader.
func (c *Client) MaxAttempts() int { return c.maxAttempts }

// LoggedOut reports whether the global logout already ran.
func (c *Client) LoggedOut() bool { return c.loggedOut.Load() }

// Get issues an authenticated GET.
func (c *Client) Get(ctx context.Context, path string) (*Result, error) {
	return c.Request(ctx, http.MethodGet, path, nil)
}

// Post issues an authenticated POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (*Result, error) {
	return c.Request(ctx, http.MethodPost, path, body)
}

// Delete issues an authenticated DELETE.
func (c *Client) Delete(ctx context.Context, path string) (*Result, error) {
	return c.Request(ctx, http.MethodDelete, path, nil)
}

// Request performs method against path. A 401/403 triggers one refresh and one
// retry; if either fails the global logout runs and ErrLoggedOut is returned.
// A refresh cut short by ctx returns ctx's error and leaves the session alone.
// 5xx responses and network errors are retried with backoff up to MaxAttempts.
func (c *Client) Request(ctx context.Context, method, path string, body any) (*Result, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resp, err := c.do(ctx, method, path, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("%s %s: %w", method, path, err)
			if attempt < c.maxAttempts {
				if err := c.Backoff(ctx, attempt); err != nil {
					return nil, err
				}
				continue
			}
			return nil, lastErr
		}

		code := resp.StatusCode()
		switch {
		case IsAuthStatus(code):
			return c.retryAuthorized(ctx, method, path, body)
		case code >= http.StatusInternalServerError:
			lastErr = statusError(resp)
			logger.L.Debug("server error, retrying", "path", path, "status", code, "attempt", attempt)
			if attempt < c.maxAttempts {
				if err := c.Backoff(ctx, attempt); err != nil {
					return nil, err
				}
				continue
			}
			return nil, lastErr
		case !resp.IsSuccess():
			return nil, statusError(resp)
		}
		return toResult(resp), nil
	}
	if lastErr == nil {
		lastErr = errors.New("request failed after retries")
	}
	return nil, lastErr
}

func (c *Client) retryAuthorized(ctx context.Context, method, path string, body any) (*Result, error) {
	if !c.tokens.Refresh(ctx) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.Logout()
		return nil, ErrLoggedOut
	}
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if IsAuthStatus(resp.StatusCode()) {
		c.Logout()
		return nil, ErrLoggedOut
	}
	if !resp.IsSuccess() {
		return nil, statusError(resp)
	}
	return toResult(resp), nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*resty.Response, error) {
	req := c.http.R().SetContext(ctx)
	if tok := c.tokens.Token(); tok != nil {
		req.SetAuthToken(tok.AccessToken)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	return req.Execute(method, path)
}

// Authorize attaches the current access credential to an outgoing request.
func (c *Client) Authorize(req *http.Request) {
	if tok := c.tokens.Token(); tok != nil {
		tok.SetAuthHeader(req)
	}
}

// Refresh delegates to the token store.
func (c *Client) Refresh(ctx context.Context) bool {
	return c.tokens.Refresh(ctx)
}

// Backoff waits backoffBase * attempt, or until ctx is done.
func (c *Client) Backoff(ctx context.Context, attempt int) error {
	return c.sleep(ctx, c.backoffBase*time.Duration(attempt))
}

// Logout clears all local credential and session state, then runs the logout
// hooks. It runs at most once per client.
func (c *Client) Logout() {
	c.logoutOnce.Do(func() {
		c.loggedOut.Store(true)
		if err := c.tokens.Clear(); err != nil {
			logger.L.Warn("clearing credentials failed", "error", err)
		}
		if err := c.kv.Delete(
			storage.KeyLegacyAccess,
			storage.KeyLegacyRefresh,
			storage.KeyUsername,
			storage.KeyMessages,
		); err != nil {
			logger.L.Warn("clearing session state failed", "error", err)
		}
		logger.L.Info("logged out")
		for _, h := range c.logoutHooks {
			h()
		}
	})
}

func toResult(resp *resty.Response) *Result {
	return &Result{StatusCode: resp.StatusCode(), Header: resp.Header(), Body: resp.Body()}
}

func statusError(resp *resty.Response) error {
	return &StatusError{Code: resp.StatusCode(), Body: resp.String()}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
