package canbus

import (
	"context"
	"sync"
)

// FrameFilter decides whether a frame should be delivered to a subscriber.
type FrameFilter func(Frame) bool

// Mux multiplexes frames from a Bus to any number of subscribers via filters.
//
// It runs a single background goroutine reading from Receive and fans frames
// out to subscribers, so SDO clients, heartbeat consumers and scanners can
// share one bus without competing for Receive.
//
// Send is not proxied; callers keep using the original Bus to Send.
type Mux struct {
	bus    Bus
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	next   uint64
	closed bool
	err    error
}

type subscriber struct {
	filter FrameFilter
	ch     chan Frame
}

// NewMux creates and starts a multiplexer bound to the given Bus.
func NewMux(bus Bus) *Mux {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mux{
		bus:    bus,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[uint64]*subscriber),
	}
	go m.run(ctx)
	return m
}

// Close stops the background reader and closes all subscriber channels. It
// does not close the underlying Bus.
func (m *Mux) Close() error {
	m.cancel()
	<-m.done
	return nil
}

// Done is closed once the reader goroutine has exited.
func (m *Mux) Done() <-chan struct{} { return m.done }

// Err reports the receive error that stopped the reader, if any.
func (m *Mux) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// Subscribe registers a new subscriber with the provided filter and channel
// buffer. The returned channel receives frames matching the filter. The cancel
// function closes the channel and should be called when no longer needed.
func (m *Mux) Subscribe(filter FrameFilter, buffer int) (<-chan Frame, func()) {
	if buffer < 0 {
		buffer = 0
	}
	s := &subscriber{filter: filter, ch: make(chan Frame, buffer)}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	id := m.next
	m.next++
	m.subs[id] = s
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if cur, ok := m.subs[id]; ok && cur == s {
			close(cur.ch)
			delete(m.subs, id)
		}
		m.mu.Unlock()
	}
	return s.ch, cancel
}

func (m *Mux) run(ctx context.Context) {
	defer close(m.done)
	for {
		f, err := m.bus.Receive(ctx)
		if err != nil {
			m.shutdown(ctx, err)
			return
		}
		m.mu.RLock()
		for _, s := range m.subs {
			if s.filter == nil || s.filter(f) {
				select {
				case s.ch <- f:
				default:
					// Drop if subscriber is slow and channel is full.
				}
			}
		}
		m.mu.RUnlock()
	}
}

// shutdown propagates closure to subscribers.
func (m *Mux) shutdown(ctx context.Context, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if ctx.Err() == nil {
		m.err = err
	}
	for id, s := range m.subs {
		close(s.ch)
		delete(m.subs, id)
	}
}
