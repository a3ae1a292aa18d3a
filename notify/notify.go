// Package notify provides a subscriber registry whose subscriptions are
// identified by opaque handles rather than callback identity.
package notify

import (
	"sync"

	"github.com/google/uuid"
)

// Handle identifies one subscription.
type Handle uuid.UUID

func (h Handle) String() string { return uuid.UUID(h).String() }

// Registry holds callbacks of type func(T). The zero value is ready to use.
// The same function may be subscribed more than once; each subscription gets
// its own handle.
type Registry[T any] struct {
	mu    sync.RWMutex
	order []Handle
	subs  map[Handle]func(T)
}

// Subscribe registers cb and returns its handle.
func (r *Registry[T]) Subscribe(cb func(T)) Handle {
	h := Handle(uuid.New())
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs == nil {
		r.subs = make(map[Handle]func(T))
	}
	r.subs[h] = cb
	r.order = append(r.order, h)
	return h
}

// Unsubscribe removes the subscription and reports whether it existed.
func (r *Registry[T]) Unsubscribe(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[h]; !ok {
		return false
	}
	delete(r.subs, h)
	for i, o := range r.order {
		if o == h {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Notify calls every callback with v in subscription order. Callbacks run on
// the caller's goroutine after the registry lock is released, so they may
// subscribe or unsubscribe.
func (r *Registry[T]) Notify(v T) {
	r.mu.RLock()
	cbs := make([]func(T), 0, len(r.order))
	for _, h := range r.order {
		cbs = append(cbs, r.subs[h])
	}
	r.mu.RUnlock()
	for _, cb := range cbs {
		cb(v)
	}
}

// Len returns the number of subscriptions.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
