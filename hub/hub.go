// Package hub provides a small typed in-process event multiplexer.
//
// A Hub maps keys (event kinds, topics) to an ordered list of handlers.
// Emit runs every handler registered for a key sequentially, in registration
// order, and keeps going when one of them fails: the returned error joins all
// handler errors so the caller can decide whether to retry.
package hub

import (
	"context"
	"errors"
	"sync"
)

// Handler handles a single emitted value.
type Handler[V any] func(ctx context.Context, v V) error

// HandlerID identifies one registration. Functions are not comparable in Go,
// so handlers are removed by the ID returned from On.
type HandlerID uint64

type entry[V any] struct {
	id HandlerID
	fn Handler[V]
}

// Hub is safe for concurrent use. The zero value is not usable, use New.
type Hub[K comparable, V any] struct {
	mu       sync.RWMutex
	next     HandlerID
	handlers map[K][]entry[V]
}

// New creates an empty hub.
func New[K comparable, V any]() *Hub[K, V] {
	return &Hub[K, V]{
		handlers: make(map[K][]entry[V]),
	}
}

// On registers fn for key and returns its registration ID.
func (h *Hub[K, V]) On(key K, fn Handler[V]) HandlerID {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.next++
	id := h.next
	h.handlers[key] = append(h.handlers[key], entry[V]{id: id, fn: fn})
	return id
}

// Off removes the registration id from key. It reports whether anything was
// removed; removing an unknown registration is a no-op.
func (h *Hub[K, V]) Off(key K, id HandlerID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := h.handlers[key]
	for i, e := range entries {
		if e.id != id {
			continue
		}
		// Copy so a concurrent Emit keeps iterating its own snapshot.
		next := make([]entry[V], 0, len(entries)-1)
		next = append(next, entries[:i]...)
		next = append(next, entries[i+1:]...)
		if len(next) == 0 {
			delete(h.handlers, key)
		} else {
			h.handlers[key] = next
		}
		return true
	}
	return false
}

// Emit calls every handler registered for key with v, one after another.
// It is a no-op when key has no handlers. Handlers registered while Emit is
// running are not guaranteed to be called.
func (h *Hub[K, V]) Emit(ctx context.Context, key K, v V) error {
	h.mu.RLock()
	entries := h.handlers[key]
	h.mu.RUnlock()

	var errs []error
	for _, e := range entries {
		if err := e.fn(ctx, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of handlers registered for key.
func (h *Hub[K, V]) Len(key K) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.handlers[key])
}

// Keys returns every key with at least one handler, in no particular order.
func (h *Hub[K, V]) Keys() []K {
	h.mu.RLock()
	defer h.mu.RUnlock()

	keys := make([]K, 0, len(h.handlers))
	for k := range h.handlers {
		keys = append(keys, k)
	}
	return keys
}
