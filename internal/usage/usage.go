// Package usage keeps the process-wide usage snapshot: what the server
// reports about daily chat quota plus any token counters seen mid-stream.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/sqlchat-go/internal/bus"
	"github.com/comigor/sqlchat-go/internal/logger"
	"github.com/comigor/sqlchat-go/internal/storage"
	"github.com/comigor/sqlchat-go/internal/transport"
)

// Snapshot is the cached usage state, persisted as JSON under usage_cache.
type Snapshot struct {
	MaxChats          int           `json:"max_chats"`
	ChatsUsedToday    int           `json:"chats_used_today"`
	SecondsUntilReset int           `json:"seconds_until_reset"`
	Tokens            *openai.Usage `json:"tokens,omitempty"`
}

// Remaining returns how many chats are left today.
func (s Snapshot) Remaining() int {
	return max(s.MaxChats-s.ChatsUsedToday, 0)
}

// ResetIn returns the time until the daily quota resets.
func (s Snapshot) ResetIn() time.Duration {
	return time.Duration(s.SecondsUntilReset) * time.Second
}

// Getter fetches the usage endpoint.
type Getter interface {
	Get(ctx context.Context, path string) (*transport.Result, error)
}

// Tracker owns the snapshot. It is created at startup from the cached value
// and updated from stream events and the usage endpoint.
type Tracker struct {
	kv    storage.KV
	api   Getter
	path  string
	topic *bus.Topic[Snapshot]

	mu      sync.RWMutex
	current Snapshot
}

// NewTracker loads the cached snapshot from kv.
func NewTracker(kv storage.KV, api Getter, path string) *Tracker {
	t := &Tracker{
		kv:    kv,
		api:   api,
		path:  path,
		topic: bus.NewTopic[Snapshot]("usage"),
	}
	storage.GetJSON(kv, storage.KeyUsage, &t.current)
	return t
}

// Current returns the latest snapshot.
func (t *Tracker) Current() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Subscribe registers h for every update.
func (t *Tracker) Subscribe(h bus.Handler[Snapshot]) (unsubscribe func()) {
	return t.topic.Subscribe(h)
}

// Update replaces the snapshot, persists it and notifies subscribers.
func (t *Tracker) Update(s Snapshot) {
	t.mu.Lock()
	t.current = s
	t.mu.Unlock()

	if err := storage.SetJSON(t.kv, storage.KeyUsage, s); err != nil {
		logger.L.Debug("persisting usage failed", "error", err)
	}
	t.topic.Publish(s)
}

// Observe merges a usage payload carried by a stream event. Quota fields
// overwrite the current values when present; token counters are kept
// separately.
func (t *Tracker) Observe(raw json.RawMessage) {
	next := t.Current()
	if err := json.Unmarshal(raw, &next); err != nil {
		logger.L.Debug("ignoring undecodable usage payload", "error", err)
		return
	}
	var tokens openai.Usage
	if err := json.Unmarshal(raw, &tokens); err == nil && tokens.TotalTokens > 0 {
		next.Tokens = &tokens
	}
	t.Update(next)
}

// Refresh fetches the usage endpoint and updates the snapshot.
func (t *Tracker) Refresh(ctx context.Context) error {
	res, err := t.api.Get(ctx, t.path)
	if err != nil {
		return fmt.Errorf("fetching usage: %w", err)
	}
	var next Snapshot
	if err := res.Decode(&next); err != nil {
		return fmt.Errorf("decoding usage: %w", err)
	}
	if next.Tokens == nil {
		next.Tokens = t.Current().Tokens
	}
	t.Update(next)
	return nil
}
