// Package history persists the conversation log: locally in the key/value
// store and remotely through the chats endpoint.
// Local values that fail to decode are treated as absent.
package history

import (
	"context"
	"fmt"

	"github.com/comigor/sqlchat-go/internal/logger"
	"github.com/comigor/sqlchat-go/internal/storage"
	"github.com/comigor/sqlchat-go/internal/transport"
)

// LoadLocal returns the cached log, or nil when it is missing or corrupt.
func LoadLocal(kv storage.KV) []Message {
	var msgs []Message
	if !storage.GetJSON(kv, storage.KeyMessages, &msgs) {
		return nil
	}
	return msgs
}

// SaveLocal writes the log to the local cache.
func SaveLocal(kv storage.KV, msgs []Message) error {
	if msgs == nil {
		msgs = []Message{}
	}
	return storage.SetJSON(kv, storage.KeyMessages, msgs)
}

// API is the transport used for the chats endpoint.
type API interface {
	Get(ctx context.Context, path string) (*transport.Result, error)
	Post(ctx context.Context, path string, body any) (*transport.Result, error)
}

// Remote reads and writes the server-side copy of the log.
type Remote struct {
	api  API
	path string
}

// NewRemote returns a Remote for the chats endpoint at path.
func NewRemote(api API, path string) *Remote {
	return &Remote{api: api, path: path}
}

type chatsBody struct {
	Messages []Message `json:"messages"`
}

// Save uploads the full log.
func (r *Remote) Save(ctx context.Context, msgs []Message) error {
	if msgs == nil {
		msgs = []Message{}
	}
	if _, err := r.api.Post(ctx, r.path, chatsBody{Messages: msgs}); err != nil {
		return fmt.Errorf("saving chats: %w", err)
	}
	logger.L.Debug("chats saved", "count", len(msgs))
	return nil
}

// Load downloads the log saved on the server.
func (r *Remote) Load(ctx context.Context) ([]Message, error) {
	res, err := r.api.Get(ctx, r.path)
	if err != nil {
		return nil, fmt.Errorf("loading chats: %w", err)
	}
	var body chatsBody
	if err := res.Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding chats: %w", err)
	}
	return body.Messages, nil
}
