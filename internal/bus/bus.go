// Package bus provides typed in-process publish/subscribe topics used to
// broadcast usage snapshots and parameter changes to independent listeners.
package bus

import (
	"sort"
	"sync"

	"github.com/comigor/sqlchat-go/internal/logger"
)

// Handler receives one published value.
type Handler[T any] func(T)

// Topic fans a value out to every subscribed handler. Delivery is synchronous
// on the publisher's goroutine; handler order is not part of the contract.
type Topic[T any] struct {
	name string

	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler[T]
}

// NewTopic creates an empty topic. The name only appears in logs.
func NewTopic[T any](name string) *Topic[T] {
	return &Topic[T]{name: name, handlers: make(map[int]Handler[T])}
}

// Subscribe registers h and returns a function that removes it.
func (t *Topic[T]) Subscribe(h Handler[T]) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.handlers[id] = h
	t.mu.Unlock()

	logger.L.Debug("handler subscribed", "topic", t.name, "id", id)

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.handlers, id)
			t.mu.Unlock()
		})
	}
}

// Publish delivers v to all current subscribers. A panicking handler is
// logged and does not stop delivery to the others.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	ids := make([]int, 0, len(t.handlers))
	for id := range t.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hs := make([]Handler[T], 0, len(ids))
	for _, id := range ids {
		hs = append(hs, t.handlers[id])
	}
	t.mu.RUnlock()

	for _, h := range hs {
		t.deliver(h, v)
	}
}

func (t *Topic[T]) deliver(h Handler[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			logger.L.Error("event handler panicked", "topic", t.name, "error", r)
		}
	}()
	h(v)
}

// Len reports the number of subscribers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}
