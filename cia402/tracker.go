package cia402

import (
	"sync"

	"github.com/notnil/servolink/notify"
)

// Event reports a state change of one subnode.
type Event struct {
	State   State
	Err     error
	Subnode uint8
}

// Tracker holds the last known state of each subnode and notifies
// subscribers when a state changes. Repeating the current state notifies
// nobody.
type Tracker struct {
	// setMu orders updates with their notifications, so subscribers see
	// changes in the order they were stored.
	setMu  sync.Mutex
	mu     sync.Mutex
	states map[uint8]State
	subs   notify.Registry[Event]
}

// NewTracker returns a tracker with every subnode in NotReady.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[uint8]State)}
}

// Set records s for subnode and reports whether it changed. Subscribers run
// synchronously on the calling goroutine and must not call Set.
func (t *Tracker) Set(s State, subnode uint8) bool {
	t.setMu.Lock()
	defer t.setMu.Unlock()
	t.mu.Lock()
	if t.states[subnode] == s {
		t.mu.Unlock()
		return false
	}
	t.states[subnode] = s
	t.mu.Unlock()
	t.subs.Notify(Event{State: s, Subnode: subnode})
	return true
}

// State returns the last recorded state for subnode.
func (t *Tracker) State(subnode uint8) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[subnode]
}

// Subscribe registers cb for state changes.
func (t *Tracker) Subscribe(cb func(Event)) notify.Handle { return t.subs.Subscribe(cb) }

// Unsubscribe removes a subscription.
func (t *Tracker) Unsubscribe(h notify.Handle) bool { return t.subs.Unsubscribe(h) }
