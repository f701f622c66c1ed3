package usage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/sqlchat-go/internal/storage"
	"github.com/comigor/sqlchat-go/internal/transport"
)

type mockGetter struct {
	body string
	err  error
}

func (m *mockGetter) Get(context.Context, string) (*transport.Result, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &transport.Result{StatusCode: 200, Body: []byte(m.body)}, nil
}

func TestNewTracker_LoadsCache(t *testing.T) {
	kv := storage.NewMemory()
	require.NoError(t, kv.Set(storage.KeyUsage, `{"max_chats":20,"chats_used_today":5,"seconds_until_reset":60}`))

	s := NewTracker(kv, &mockGetter{}, "/u").Current()
	require.Equal(t, 20, s.MaxChats)
	require.Equal(t, 15, s.Remaining())
	require.Equal(t, time.Minute, s.ResetIn())
}

func TestNewTracker_CorruptCacheIgnored(t *testing.T) {
	kv := storage.NewMemory()
	require.NoError(t, kv.Set(storage.KeyUsage, `nope`))
	require.Equal(t, Snapshot{}, NewTracker(kv, &mockGetter{}, "/u").Current())
}

func TestRefresh_PersistsAndPublishes(t *testing.T) {
	kv := storage.NewMemory()
	tr := NewTracker(kv, &mockGetter{body: `{"max_chats":10,"chats_used_today":3,"seconds_until_reset":100}`}, "/u")
	var got []Snapshot
	unsub := tr.Subscribe(func(s Snapshot) { got = append(got, s) })
	defer unsub()

	require.NoError(t, tr.Refresh(context.Background()))

	want := Snapshot{MaxChats: 10, ChatsUsedToday: 3, SecondsUntilReset: 100}
	require.Equal(t, []Snapshot{want}, got)
	var cached Snapshot
	require.True(t, storage.GetJSON(kv, storage.KeyUsage, &cached))
	require.Equal(t, want, cached)
}

func TestRefresh_Error(t *testing.T) {
	tr := NewTracker(storage.NewMemory(), &mockGetter{err: transport.ErrLoggedOut}, "/u")
	err := tr.Refresh(context.Background())
	require.True(t, errors.Is(err, transport.ErrLoggedOut))
}

func TestObserve_MergesTokens(t *testing.T) {
	tr := NewTracker(storage.NewMemory(), &mockGetter{}, "/u")
	tr.Update(Snapshot{MaxChats: 10, ChatsUsedToday: 1})

	tr.Observe(json.RawMessage(`{"chats_used_today":2}`))
	require.Equal(t, 2, tr.Current().ChatsUsedToday)
	require.Nil(t, tr.Current().Tokens)

	tr.Observe(json.RawMessage(`{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}`))
	s := tr.Current()
	require.Equal(t, 10, s.MaxChats)
	require.NotNil(t, s.Tokens)
	require.Equal(t, 10, s.Tokens.TotalTokens)

	tr.Observe(json.RawMessage(`"garbage"`))
	require.Equal(t, s, tr.Current())
}
