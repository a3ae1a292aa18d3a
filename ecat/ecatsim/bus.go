// Package ecatsim simulates an EtherCAT segment of servo drives. The bus
// implements ecat.Link and passes every frame through its slaves in order.
package ecatsim

import (
	"context"
	"sync"

	"github.com/notnil/servolink/ecat"
)

// Bus is a simulated segment.
type Bus struct {
	mu     sync.Mutex
	slaves []*Slave
	drop   int
	closed bool
}

// NewBus returns a segment with the given slaves in wiring order.
func NewBus(slaves ...*Slave) *Bus {
	return &Bus{slaves: slaves}
}

// Slaves returns the slaves in wiring order.
func (b *Bus) Slaves() []*Slave {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Slave(nil), b.slaves...)
}

// Remove unplugs s from the segment.
func (b *Bus) Remove(s *Slave) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, x := range b.slaves {
		if x == s {
			b.slaves = append(b.slaves[:i], b.slaves[i+1:]...)
			return
		}
	}
}

// DropFrames makes the next n roundtrips report a lost frame.
func (b *Bus) DropFrames(n int) {
	b.mu.Lock()
	b.drop = n
	b.mu.Unlock()
}

// Roundtrip processes the frame through every slave.
func (b *Bus) Roundtrip(ctx context.Context, frame []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ecat.ErrLinkClosed
	}
	if b.drop > 0 {
		b.drop--
		return nil, ecat.ErrFrameLost
	}
	dgs, err := ecat.ParseFrame(frame)
	if err != nil {
		return nil, ecat.ErrFrameLost
	}
	for _, s := range b.slaves {
		for i := range dgs {
			s.process(&dgs[i])
		}
	}
	return ecat.MarshalFrame(dgs)
}

// Close closes the bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
