package ecat

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MailboxType selects the protocol carried in a mailbox message.
type MailboxType uint8

const (
	MailboxError MailboxType = 0x0
	MailboxAoE   MailboxType = 0x1
	MailboxEoE   MailboxType = 0x2
	MailboxCoE   MailboxType = 0x3
	MailboxFoE   MailboxType = 0x4
	MailboxSoE   MailboxType = 0x5
	MailboxVoE   MailboxType = 0xF
)

// MailboxHeaderLen is the size of the mailbox header.
const MailboxHeaderLen = 6

const smFull = 0x08

var (
	// ErrMailboxTimeout is returned when a mailbox does not become ready.
	ErrMailboxTimeout = errors.New("ecat: mailbox timeout")
	// ErrMailboxTooLong is returned for payloads that exceed the mailbox.
	ErrMailboxTooLong = errors.New("ecat: mailbox payload too long")
)

// MailboxErrorReply is the slave's answer to an unprocessable message.
type MailboxErrorReply struct {
	Code uint16
}

func (e MailboxErrorReply) Error() string {
	return fmt.Sprintf("ecat: mailbox error %#04x", e.Code)
}

// MailboxConfig describes the sync managers holding the mailbox. The
// out direction is master to slave (SM0), in is slave to master (SM1).
type MailboxConfig struct {
	OutStart, OutLen uint16
	InStart, InLen   uint16
}

// DefaultMailbox is the layout used by the drives this package talks to.
var DefaultMailbox = MailboxConfig{OutStart: 0x1000, OutLen: 128, InStart: 0x1080, InLen: 128}

// Mailbox exchanges mailbox messages with one station.
type Mailbox struct {
	m       *Master
	station uint16
	cfg     MailboxConfig
	timeout time.Duration

	mu      sync.Mutex
	counter uint8
}

// Mailbox returns the mailbox of station. timeout bounds each wait for the
// sync manager to become ready.
func (m *Master) Mailbox(station uint16, cfg MailboxConfig, timeout time.Duration) *Mailbox {
	if cfg.OutLen == 0 {
		cfg = DefaultMailbox
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Mailbox{m: m, station: station, cfg: cfg, timeout: timeout}
}

// Station returns the configured station address.
func (mb *Mailbox) Station() uint16 { return mb.station }

// Configure writes the two mailbox sync managers. It is done in INIT before
// requesting PRE-OP.
func (mb *Mailbox) Configure(ctx context.Context) error {
	write := func(ch int, start, length uint16, control byte) error {
		b := make([]byte, SyncManagerChannelLen)
		binary.LittleEndian.PutUint16(b[0:2], start)
		binary.LittleEndian.PutUint16(b[2:4], length)
		b[4] = control
		b[6] = 0x01
		return mb.m.Write(ctx, mb.station, uint16(RegSyncManagerBase+ch*SyncManagerChannelLen), b)
	}
	if err := write(0, mb.cfg.OutStart, mb.cfg.OutLen, 0x26); err != nil {
		return fmt.Errorf("ecat: configure SM0: %w", err)
	}
	if err := write(1, mb.cfg.InStart, mb.cfg.InLen, 0x22); err != nil {
		return fmt.Errorf("ecat: configure SM1: %w", err)
	}
	return nil
}

// Capacity returns the largest payload one outgoing message can carry.
func (mb *Mailbox) Capacity() int { return int(mb.cfg.OutLen) - MailboxHeaderLen }

// Exchange sends a message of type t and waits for the reply.
func (mb *Mailbox) Exchange(ctx context.Context, t MailboxType, payload []byte) ([]byte, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if err := mb.send(ctx, t, payload); err != nil {
		return nil, err
	}
	rt, reply, err := mb.receive(ctx)
	if err != nil {
		return nil, err
	}
	if rt == MailboxError {
		var code uint16
		if len(reply) >= 4 {
			code = binary.LittleEndian.Uint16(reply[2:4])
		}
		return nil, MailboxErrorReply{Code: code}
	}
	if rt != t {
		return nil, fmt.Errorf("ecat: mailbox reply type %d, want %d", rt, t)
	}
	return reply, nil
}

func (mb *Mailbox) send(ctx context.Context, t MailboxType, payload []byte) error {
	if len(payload) > mb.Capacity() {
		return ErrMailboxTooLong
	}
	if err := mb.waitStatus(ctx, 0, false); err != nil {
		return err
	}
	mb.counter = mb.counter%7 + 1
	b := make([]byte, mb.cfg.OutLen)
	binary.LittleEndian.PutUint16(b[0:2], uint16(len(payload)))
	b[5] = byte(t)&0x0F | mb.counter<<4
	copy(b[MailboxHeaderLen:], payload)
	return mb.m.Write(ctx, mb.station, mb.cfg.OutStart, b)
}

func (mb *Mailbox) receive(ctx context.Context) (MailboxType, []byte, error) {
	if err := mb.waitStatus(ctx, 1, true); err != nil {
		return 0, nil, err
	}
	b, err := mb.m.Read(ctx, mb.station, mb.cfg.InStart, int(mb.cfg.InLen))
	if err != nil {
		return 0, nil, err
	}
	n := int(binary.LittleEndian.Uint16(b[0:2]))
	if n > len(b)-MailboxHeaderLen {
		return 0, nil, fmt.Errorf("%w: mailbox length %d", ErrMalformed, n)
	}
	return MailboxType(b[5] & 0x0F), b[MailboxHeaderLen : MailboxHeaderLen+n], nil
}

// waitStatus polls the sync manager status until its full flag equals full.
func (mb *Mailbox) waitStatus(ctx context.Context, ch int, full bool) error {
	offset := uint16(RegSyncManagerBase + ch*SyncManagerChannelLen + SyncManagerStatusOffset)
	deadline := time.Now().Add(mb.timeout)
	for {
		b, err := mb.m.Read(ctx, mb.station, offset, 1)
		if err != nil {
			return err
		}
		if (b[0]&smFull != 0) == full {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: station %#04x SM%d", ErrMailboxTimeout, mb.station, ch)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}
