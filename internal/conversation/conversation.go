// Package conversation holds the ordered chat log and runs question/answer
// turns against the agent stream.
//
// Stream callbacks arrive on the stream's goroutine. Every mutation of the log
// happens under one mutex, and a callback only touches the log while its turn
// is the active one and still open, so output from a cancelled or replaced
// stream is dropped.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/comigor/sqlchat-go/internal/agents"
	"github.com/comigor/sqlchat-go/internal/bus"
	"github.com/comigor/sqlchat-go/internal/history"
	"github.com/comigor/sqlchat-go/internal/interpret"
	"github.com/comigor/sqlchat-go/internal/logger"
	"github.com/comigor/sqlchat-go/internal/storage"
	"github.com/comigor/sqlchat-go/internal/stream"
)

var (
	ErrNotFound    = errors.New("message not found")
	ErrNotUserText = errors.New("message was not written by the user")
	ErrEmptyText   = errors.New("message text is empty")
)

const backgroundTimeout = 30 * time.Second

// Stream is an open agent stream.
type Stream interface {
	Cancel()
	Done() <-chan struct{}
}

// Streamer opens agent streams.
type Streamer interface {
	Open(ctx context.Context, req agents.Request, h stream.Handlers) Stream
}

// FromReader adapts a stream reader.
func FromReader(r *stream.Reader) Streamer {
	return readerStreamer{r}
}

type readerStreamer struct{ r *stream.Reader }

func (s readerStreamer) Open(ctx context.Context, req agents.Request, h stream.Handlers) Stream {
	return s.r.Open(ctx, req, h)
}

// Remote is the server-side copy of the log.
type Remote interface {
	Save(ctx context.Context, msgs []history.Message) error
	Load(ctx context.Context) ([]history.Message, error)
}

// CacheClearer invalidates the server-side cached result.
type CacheClearer interface {
	ClearCache(ctx context.Context) error
}

// Usage receives in-band usage and is refreshed after each turn.
type Usage interface {
	interpret.UsageSink
	Refresh(ctx context.Context) error
}

// Option configures a Conversation.
type Option func(*Conversation)

// WithRemote enables server sync of the log.
func WithRemote(r Remote) Option { return func(c *Conversation) { c.remote = r } }

// WithCache enables cache invalidation on delete.
func WithCache(cc CacheClearer) Option { return func(c *Conversation) { c.cache = cc } }

// WithUsage wires the usage tracker.
func WithUsage(u Usage) Option { return func(c *Conversation) { c.usage = u } }

// WithAuthenticated sets the check used before talking to the server in the
// background. Without it the conversation stays local.
func WithAuthenticated(fn func() bool) Option { return func(c *Conversation) { c.authenticated = fn } }

// WithDefaults sets the parameters used when none are stored.
func WithDefaults(p agents.Params) Option { return func(c *Conversation) { c.defaults = p } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Conversation) { c.now = now } }

// Conversation is the chat log plus the active turn.
type Conversation struct {
	kv            storage.KV
	streamer      Streamer
	remote        Remote
	cache         CacheClearer
	usage         Usage
	authenticated func() bool
	defaults      agents.Params
	now           func() time.Time
	paramsTopic   *bus.Topic[agents.Params]
	updates       *bus.Topic[history.Message]

	mu         sync.Mutex
	messages   []history.Message
	active     *turn
	responding bool
	params     agents.Params

	wg sync.WaitGroup
}

// New creates an empty conversation. Call Restore to load the cached log.
func New(kv storage.KV, streamer Streamer, opts ...Option) *Conversation {
	c := &Conversation{
		kv:            kv,
		streamer:      streamer,
		authenticated: func() bool { return false },
		now:           time.Now,
		paramsTopic:   bus.NewTopic[agents.Params]("params"),
		updates:       bus.NewTopic[history.Message]("messages"),
	}
	for _, o := range opts {
		o(c)
	}
	c.params = agents.LoadParams(kv, c.defaults)
	return c
}

// Messages returns a copy of the log.
func (c *Conversation) Messages() []history.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages)
}

// Message returns the message with id.
func (c *Conversation) Message(id string) (history.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexLocked(id); i >= 0 {
		return c.messages[i], true
	}
	return history.Message{}, false
}

// Responding reports whether a bot answer is being streamed.
func (c *Conversation) Responding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responding
}

// TurnState returns the state of the most recent turn.
func (c *Conversation) TurnState() TurnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return StateIdle
	}
	return c.active.state()
}

// ActiveID returns the id of the bot message of the most recent turn.
func (c *Conversation) ActiveID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ""
	}
	return c.active.botID
}

// Send appends text as a user message followed by an empty bot message and
// starts streaming the answer into it. Blank text is ignored.
func (c *Conversation) Send(ctx context.Context, text string) (botID string, ok bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}

	c.mu.Lock()
	c.cancelActiveLocked()
	now := c.now()
	user := history.NewMessage(history.User, text, now)
	bot := history.NewMessage(history.Bot, "", now)
	c.messages = append(c.messages, user, bot)
	t, req := c.beginLocked(bot.ID, text)
	c.persistLocked()
	c.mu.Unlock()

	c.start(ctx, t, req)
	return bot.ID, true
}

// Edit replaces the text of a user message, drops its answer and asks again.
func (c *Conversation) Edit(ctx context.Context, id, text string) (botID string, err error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyText
	}

	c.mu.Lock()
	i, err := c.userIndexLocked(id)
	if err != nil {
		c.mu.Unlock()
		return "", err
	}
	c.cancelActiveLocked()
	c.messages[i].Text = text
	c.messages[i].UpdatedAt = c.now().UnixMilli()
	t, req := c.reaskLocked(i)
	c.mu.Unlock()

	c.start(ctx, t, req)
	return t.botID, nil
}

// Resend drops the answer to a user message and asks the same question again.
func (c *Conversation) Resend(ctx context.Context, id string) (botID string, err error) {
	c.mu.Lock()
	i, err := c.userIndexLocked(id)
	if err != nil {
		c.mu.Unlock()
		return "", err
	}
	c.cancelActiveLocked()
	t, req := c.reaskLocked(i)
	c.mu.Unlock()

	c.start(ctx, t, req)
	return t.botID, nil
}

// Delete removes a message. Deleting a user message also removes the bot
// message directly after it. The server-side cached result is invalidated in
// the background.
func (c *Conversation) Delete(ctx context.Context, id string) bool {
	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		return false
	}
	drop := []string{id}
	if c.messages[i].Sender == history.User && c.answerAtLocked(i+1) {
		drop = append(drop, c.messages[i+1].ID)
	}
	if c.active != nil && slices.Contains(drop, c.active.botID) {
		c.cancelActiveLocked()
	}
	c.messages = slices.DeleteFunc(c.messages, func(m history.Message) bool {
		return slices.Contains(drop, m.ID)
	})
	c.persistLocked()
	c.mu.Unlock()

	if c.cache != nil {
		c.background(ctx, "clear cache", c.cache.ClearCache)
	}
	return true
}

// Pause cancels the active stream. The partial answer is kept.
func (c *Conversation) Pause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelActiveLocked()
}

// Wait blocks until open streams have ended and background work finished.
func (c *Conversation) Wait() {
	c.wg.Wait()
}

// Params returns the current stream parameters.
func (c *Conversation) Params() agents.Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// SetParams stores p, uses it for the following turns and notifies
// subscribers.
func (c *Conversation) SetParams(p agents.Params) error {
	if err := agents.SaveParams(c.kv, p); err != nil {
		return err
	}
	c.mu.Lock()
	c.params = p
	c.mu.Unlock()
	c.paramsTopic.Publish(p)
	return nil
}

// SubscribeParams registers h for parameter changes.
func (c *Conversation) SubscribeParams(h bus.Handler[agents.Params]) (unsubscribe func()) {
	return c.paramsTopic.Subscribe(h)
}

// SubscribeUpdates registers h for every change to a streamed bot message.
// h runs on the stream goroutine after the change is applied.
func (c *Conversation) SubscribeUpdates(h bus.Handler[history.Message]) (unsubscribe func()) {
	return c.updates.Subscribe(h)
}

// Restore loads the cached log. A missing or corrupt cache gives an empty log.
func (c *Conversation) Restore() {
	msgs := history.LoadLocal(c.kv)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = msgs
	logger.L.Debug("conversation restored", "messages", len(msgs))
}

// Sync reconciles the local log with the server: a non-empty local log is
// uploaded, an empty one is seeded from the server. Usage is refreshed
// afterwards. Nothing is sent without credentials.
func (c *Conversation) Sync(ctx context.Context) error {
	if !c.authenticated() {
		return nil
	}
	var errs []error
	if c.remote != nil {
		local := c.Messages()
		if len(local) > 0 {
			if err := c.remote.Save(ctx, local); err != nil {
				errs = append(errs, err)
			}
		} else if loaded, err := c.remote.Load(ctx); err != nil {
			errs = append(errs, err)
		} else if len(loaded) > 0 {
			c.mu.Lock()
			if len(c.messages) == 0 {
				c.messages = loaded
				c.persistLocked()
			}
			c.mu.Unlock()
		}
	}
	if c.usage != nil {
		if err := c.usage.Refresh(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// reaskLocked removes the answer after the user message at i, inserts a fresh
// placeholder in its place and begins a turn for it.
func (c *Conversation) reaskLocked(i int) (*turn, agents.Request) {
	if c.answerAtLocked(i + 1) {
		c.messages = slices.Delete(c.messages, i+1, i+2)
	}
	bot := history.NewMessage(history.Bot, "", c.now())
	c.messages = slices.Insert(c.messages, i+1, bot)
	t, req := c.beginLocked(bot.ID, c.messages[i].Text)
	c.persistLocked()
	return t, req
}

func (c *Conversation) beginLocked(botID, query string) (*turn, agents.Request) {
	t := newTurn(botID)
	t.fire(triggerStart)
	c.active = t
	c.responding = true
	return t, agents.Request{Query: query, Params: c.params}
}

// start opens the stream outside the lock; a fake or synchronous streamer may
// call back before Open returns.
func (c *Conversation) start(ctx context.Context, t *turn, req agents.Request) {
	s := c.streamer.Open(ctx, req, c.handlers(ctx, t))

	c.mu.Lock()
	t.stream = s
	cancelled := t.state() == StateCancelled
	c.mu.Unlock()
	if cancelled {
		s.Cancel()
	}

	c.wg.Add(1)
	go c.watch(t, s)
}

// watch closes a turn whose stream ended without a terminal callback, which
// happens when the session was logged out mid-connection.
func (c *Conversation) watch(t *turn, s Stream) {
	defer c.wg.Done()
	<-s.Done()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == t && t.open() {
		logger.L.Debug("stream ended without completion", "bot_id", t.botID)
		t.fire(triggerCancel)
		c.responding = false
		c.persistLocked()
	}
}

func (c *Conversation) handlers(ctx context.Context, t *turn) stream.Handlers {
	return stream.Handlers{
		OnEvent: func(evt stream.Event) {
			var changed *history.Message
			c.mu.Lock()
			if c.liveLocked(t) {
				t.fire(triggerReceived)
				if i := c.indexLocked(t.botID); i >= 0 {
					if text, ok := t.interp.Apply(c.messages[i].Text, evt); ok {
						c.messages[i].Text = text
						m := c.messages[i]
						changed = &m
					}
				}
			}
			pending := t.usage.take()
			c.mu.Unlock()

			c.forwardUsage(pending)
			c.publish(changed)
		},
		OnError: func(err error) {
			var changed *history.Message
			c.mu.Lock()
			if c.liveLocked(t) {
				logger.L.Warn("stream error", "bot_id", t.botID, "error", err)
				t.fire(triggerReceived)
				if i := c.indexLocked(t.botID); i >= 0 {
					c.messages[i].Text = interpret.StreamError(c.messages[i].Text, err)
					m := c.messages[i]
					changed = &m
				}
			}
			c.mu.Unlock()

			c.publish(changed)
		},
		OnDone: func() {
			c.mu.Lock()
			if !c.liveLocked(t) {
				c.mu.Unlock()
				return
			}
			t.fire(triggerDone)
			c.responding = false
			c.persistLocked()
			snapshot := slices.Clone(c.messages)
			var final *history.Message
			if i := c.indexLocked(t.botID); i >= 0 {
				m := c.messages[i]
				final = &m
			}
			c.mu.Unlock()

			c.publish(final)
			c.afterTurn(ctx, snapshot)
		},
	}
}

// afterTurn refreshes usage and uploads the log, both best-effort.
func (c *Conversation) afterTurn(ctx context.Context, snapshot []history.Message) {
	if c.usage != nil {
		c.background(ctx, "refresh usage", c.usage.Refresh)
	}
	if c.remote != nil && c.authenticated() {
		c.background(ctx, "save chats", func(ctx context.Context) error {
			return c.remote.Save(ctx, snapshot)
		})
	}
}

func (c *Conversation) publish(m *history.Message) {
	if m != nil {
		c.updates.Publish(*m)
	}
}

func (c *Conversation) forwardUsage(raw []json.RawMessage) {
	if c.usage == nil {
		return
	}
	for _, r := range raw {
		c.usage.Observe(r)
	}
}

func (c *Conversation) background(ctx context.Context, task string, fn func(context.Context) error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			logger.L.Debug("background task failed", "task", task, "error", err)
		}
	}()
}

func (c *Conversation) cancelActiveLocked() bool {
	t := c.active
	if t == nil || !t.open() {
		return false
	}
	t.fire(triggerCancel)
	if t.stream != nil {
		t.stream.Cancel()
	}
	c.responding = false
	c.persistLocked()
	return true
}

func (c *Conversation) liveLocked(t *turn) bool {
	return c.active == t && t.open()
}

func (c *Conversation) indexLocked(id string) int {
	return slices.IndexFunc(c.messages, func(m history.Message) bool { return m.ID == id })
}

func (c *Conversation) userIndexLocked(id string) (int, error) {
	i := c.indexLocked(id)
	if i < 0 {
		return -1, ErrNotFound
	}
	if c.messages[i].Sender != history.User {
		return -1, ErrNotUserText
	}
	return i, nil
}

func (c *Conversation) answerAtLocked(i int) bool {
	return i < len(c.messages) && c.messages[i].Sender == history.Bot
}

func (c *Conversation) persistLocked() {
	if err := history.SaveLocal(c.kv, c.messages); err != nil {
		logger.L.Warn("persisting conversation failed", "error", err)
	}
}
