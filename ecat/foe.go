package ecat

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	foeRead  = 1
	foeWrite = 2
	foeData  = 3
	foeAck   = 4
	foeError = 5
	foeBusy  = 6

	foeHeaderLen = 6
)

// FoEError is an error packet sent by the slave during a file transfer.
type FoEError struct {
	Code uint32
	Text string
}

func (e FoEError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("ecat: foe error %#x: %s", e.Code, e.Text)
	}
	return fmt.Sprintf("ecat: foe error %#x", e.Code)
}

func foePacket(op byte, value uint32, data []byte) []byte {
	b := make([]byte, foeHeaderLen, foeHeaderLen+len(data))
	b[0] = op
	binary.LittleEndian.PutUint32(b[2:6], value)
	return append(b, data...)
}

// WriteFile transfers data to the slave as file name. progress, when set,
// receives the number of bytes acknowledged so far.
func (mb *Mailbox) WriteFile(ctx context.Context, name string, password uint32, data []byte, progress func(done, total int)) error {
	if err := mb.foeExpectAck(ctx, foePacket(foeWrite, password, []byte(name)), 0); err != nil {
		return fmt.Errorf("ecat: foe write request %q: %w", name, err)
	}
	chunk := mb.Capacity() - foeHeaderLen
	packet := uint32(0)
	sent := 0
	for {
		packet++
		n := min(chunk, len(data)-sent)
		if err := mb.foeExpectAck(ctx, foePacket(foeData, packet, data[sent:sent+n]), packet); err != nil {
			return fmt.Errorf("ecat: foe packet %d: %w", packet, err)
		}
		sent += n
		if progress != nil {
			progress(sent, len(data))
		}
		// a short packet ends the transfer
		if n < chunk {
			return nil
		}
	}
}

func (mb *Mailbox) foeExpectAck(ctx context.Context, req []byte, packet uint32) error {
	for {
		reply, err := mb.Exchange(ctx, MailboxFoE, req)
		if err != nil {
			return err
		}
		if len(reply) < foeHeaderLen {
			return fmt.Errorf("%w: short foe reply", ErrMalformed)
		}
		value := binary.LittleEndian.Uint32(reply[2:6])
		switch reply[0] {
		case foeAck:
			if value != packet {
				return fmt.Errorf("ecat: foe ack for packet %d, want %d", value, packet)
			}
			return nil
		case foeBusy:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		case foeError:
			return FoEError{Code: value, Text: string(reply[foeHeaderLen:])}
		default:
			return fmt.Errorf("%w: foe opcode %d", ErrMalformed, reply[0])
		}
	}
}
