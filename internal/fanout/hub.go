// Package fanout delivers values to every subscriber of a topic.
package fanout

import (
	"fmt"
	"slices"
	"sync"
)

// Sender is the minimal interface the hub needs from a subscriber.
type Sender[T any] interface {
	Send(T) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc[T any] func(T) error

// Send implements Sender.
func (f SenderFunc[T]) Send(v T) error { return f(v) }

// Hub maps topics to their active subscribers. A topic can have any number
// of subscribers; each gets an id used later to unregister it.
type Hub[T any] struct {
	mu     sync.RWMutex
	subs   map[string]map[int64]Sender[T]
	nextID int64
}

// NewHub creates an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[string]map[int64]Sender[T])}
}

// Register adds s under topic and returns its subscription id.
func (h *Hub[T]) Register(topic string, s Sender[T]) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[topic]; !ok {
		h.subs[topic] = make(map[int64]Sender[T])
	}
	h.nextID++
	id := h.nextID
	h.subs[topic][id] = s
	return id
}

// Unregister removes a subscriber. Unknown ids are ignored.
func (h *Hub[T]) Unregister(topic string, id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.subs[topic]; ok {
		delete(conns, id)
		if len(conns) == 0 {
			delete(h.subs, topic)
		}
	}
}

// Subscribers returns the number of subscribers on topic.
func (h *Hub[T]) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

// Publish sends v to every subscriber of topic, in subscription order. It
// returns an error when nobody is subscribed, or the first send error.
// Subscribers whose Send fails are unregistered.
//
// Senders are called without the hub lock held, so they may register or
// unregister from inside Send.
func (h *Hub[T]) Publish(topic string, v T) error {
	h.mu.RLock()
	snapshot := make(map[int64]Sender[T], len(h.subs[topic]))
	ids := make([]int64, 0, len(h.subs[topic]))
	for id, s := range h.subs[topic] {
		snapshot[id] = s
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	if len(ids) == 0 {
		return fmt.Errorf("no subscribers for %s", topic)
	}
	slices.Sort(ids)

	var firstErr error
	var failed []int64
	for _, id := range ids {
		if err := snapshot[id].Send(v); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			failed = append(failed, id)
		}
	}
	for _, id := range failed {
		h.Unregister(topic, id)
	}
	return firstErr
}
