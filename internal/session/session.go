// Package session holds the access/refresh credential pair and exchanges the
// refresh credential for a new access credential on demand.
package session

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/comigor/sqlchat-go/internal/config"
	"github.com/comigor/sqlchat-go/internal/logger"
	"github.com/comigor/sqlchat-go/internal/storage"
)

const defaultRefreshTimeout = 30 * time.Second

// Store is the token store. Credentials live in the local persisted state so
// they survive restarts.
type Store struct {
	kv          storage.KV
	client      *resty.Client
	refreshPath string
	timeout     time.Duration

	group     singleflight.Group
	refreshes atomic.Int64
}

// New creates a token store that refreshes against cfg.BaseURL + cfg.RefreshPath.
func New(kv storage.KV, cfg config.APIConfig) *Store {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")

	s := &Store{
		kv:          kv,
		client:      client,
		refreshPath: cfg.RefreshPath,
		timeout:     defaultRefreshTimeout,
	}
	if cfg.Timeout > 0 {
		s.timeout = cfg.Timeout
	}
	return s
}

// AccessToken returns the cached access credential, if any.
func (s *Store) AccessToken() (string, bool) {
	return s.get(storage.KeyAccessToken)
}

// RefreshToken returns the cached refresh credential, if any.
func (s *Store) RefreshToken() (string, bool) {
	return s.get(storage.KeyRefreshToken)
}

func (s *Store) get(key string) (string, bool) {
	v, ok := s.kv.Get(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Token returns the credential pair as an oauth2 token, or nil when no access
// credential is cached. Expiry is read from the access token's exp claim when
// it is a JWT; the signature is not verified.
func (s *Store) Token() *oauth2.Token {
	access, ok := s.AccessToken()
	if !ok {
		return nil
	}
	refresh, _ := s.RefreshToken()
	return &oauth2.Token{
		AccessToken:  access,
		TokenType:    "Bearer",
		RefreshToken: refresh,
		Expiry:       expiryOf(access),
	}
}

// SetTokens stores a freshly issued credential pair (e.g. after login).
func (s *Store) SetTokens(access, refresh string) error {
	if err := s.kv.Set(storage.KeyAccessToken, access); err != nil {
		return err
	}
	if refresh == "" {
		return nil
	}
	return s.kv.Set(storage.KeyRefreshToken, refresh)
}

// Clear drops both credentials. Only the transport's global logout calls it.
func (s *Store) Clear() error {
	return s.kv.Delete(storage.KeyAccessToken, storage.KeyRefreshToken)
}

// Refresh exchanges the refresh credential for a new access credential with a
// single network call. It returns false, leaving prior state untouched, when
// the refresh credential is missing or the exchange fails. Concurrent callers
// share one in-flight exchange. A caller whose ctx ends first gets false while
// the exchange carries on for the others.
func (s *Store) Refresh(ctx context.Context) bool {
	refresh, ok := s.RefreshToken()
	if !ok {
		return false
	}

	// the shared exchange does not inherit any caller's cancellation
	ch := s.group.DoChan(refresh, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.exchange(ctx, refresh), nil
	})
	select {
	case res := <-ch:
		return res.Val.(bool)
	case <-ctx.Done():
		return false
	}
}

// Refreshes reports how many network refresh exchanges were attempted.
func (s *Store) Refreshes() int {
	return int(s.refreshes.Load())
}

func (s *Store) exchange(ctx context.Context, refresh string) bool {
	s.refreshes.Add(1)

	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"refresh": refresh}).
		Post(s.refreshPath)
	if err != nil {
		logger.L.Warn("refresh failed", "error", err)
		return false
	}
	if !resp.IsSuccess() {
		logger.L.Warn("refresh rejected", "status", resp.StatusCode())
		return false
	}

	var data struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
	}
	if err := json.Unmarshal(resp.Body(), &data); err != nil || data.Access == "" {
		logger.L.Warn("refresh response without access token", "error", err)
		return false
	}

	if err := s.kv.Set(storage.KeyAccessToken, data.Access); err != nil {
		logger.L.Warn("persisting refreshed token failed", "error", err)
	}
	// rotating backends also hand out a new refresh credential
	if data.Refresh != "" {
		_ = s.kv.Set(storage.KeyRefreshToken, data.Refresh)
	}
	logger.L.Debug("access token refreshed")
	return true
}

func expiryOf(access string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(access, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
