// Package agents wraps the agent-pipeline endpoints that are not the stream
// itself: the cached last result and its invalidation. It also defines the
// stream request and the tunable parameters sent with it.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/comigor/sqlchat-go/internal/config"
	"github.com/comigor/sqlchat-go/internal/storage"
	"github.com/comigor/sqlchat-go/internal/transport"
)

var errLastResultNotJSON = errors.New("last result is not JSON")

// Params are the pipeline overrides attached to every stream request.
type Params struct {
	Model          string `json:"model"`
	TopK           int    `json:"top_k"`
	IncludeReasons bool   `json:"include_reasons"`
	IncludeProcess bool   `json:"include_process"`
}

// DefaultParams returns the configured defaults.
func DefaultParams(cfg config.AgentConfig) Params {
	return Params{
		Model:          cfg.Model,
		TopK:           cfg.TopK,
		IncludeReasons: cfg.IncludeReasons,
		IncludeProcess: cfg.IncludeProcess,
	}
}

// LoadParams reads stored parameters, falling back to def per field.
func LoadParams(kv storage.KV, def Params) Params {
	p := def
	if v, ok := kv.Get(storage.KeyModel); ok && strings.TrimSpace(v) != "" {
		p.Model = v
	}
	if v, ok := kv.Get(storage.KeyTopK); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.TopK = n
		}
	}
	if v, ok := kv.Get(storage.KeyIncludeReasons); ok {
		p.IncludeReasons = v != "false"
	}
	if v, ok := kv.Get(storage.KeyIncludeProcess); ok {
		p.IncludeProcess = v != "false"
	}
	return p
}

// SaveParams stores p in kv.
func SaveParams(kv storage.KV, p Params) error {
	for k, v := range map[string]string{
		storage.KeyModel:          p.Model,
		storage.KeyTopK:           strconv.Itoa(p.TopK),
		storage.KeyIncludeReasons: strconv.FormatBool(p.IncludeReasons),
		storage.KeyIncludeProcess: strconv.FormatBool(p.IncludeProcess),
	} {
		if err := kv.Set(k, v); err != nil {
			return fmt.Errorf("saving %s: %w", k, err)
		}
	}
	return nil
}

// Request is the stream request body.
type Request struct {
	Query string `json:"query"`
	Params
}

// API is the transport used by Client.
type API interface {
	Get(ctx context.Context, path string) (*transport.Result, error)
	Delete(ctx context.Context, path string) (*transport.Result, error)
}

// Client talks to the agents endpoints.
type Client struct {
	api        API
	agentsPath string
	cachePath  string
}

// New returns a Client for the paths in cfg.
func New(api API, cfg config.APIConfig) *Client {
	return &Client{api: api, agentsPath: cfg.AgentsPath, cachePath: cfg.CachePath}
}

// LastResult fetches the cached result of the last pipeline run. A missing
// result is reported as found == false with a nil error.
func (c *Client) LastResult(ctx context.Context) (raw json.RawMessage, found bool, err error) {
	res, err := c.api.Get(ctx, c.agentsPath)
	if transport.IsStatus(err, http.StatusNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("fetching last result: %w", err)
	}
	if !json.Valid(res.Body) {
		return nil, false, errLastResultNotJSON
	}
	return json.RawMessage(res.Body), true, nil
}

// ClearCache invalidates the server-side cached result.
func (c *Client) ClearCache(ctx context.Context) error {
	if _, err := c.api.Delete(ctx, c.cachePath); err != nil {
		return fmt.Errorf("clearing agents cache: %w", err)
	}
	return nil
}
