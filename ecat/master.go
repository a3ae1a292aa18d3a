package ecat

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ESC register addresses.
const (
	RegType                  = 0x0000
	RegConfiguredStation     = 0x0010
	RegALControl             = 0x0120
	RegALStatus              = 0x0130
	RegALStatusCode          = 0x0134
	RegSyncManagerBase       = 0x0800
	SyncManagerChannelLen    = 0x08
	SyncManagerStatusOffset  = 0x05
	SyncManagerControlOffset = 0x04
)

// DefaultFramelossTries bounds how often a lost frame is resent.
const DefaultFramelossTries = 3

// StationBase is added to a slave's position to form its station address.
const StationBase = 0x1000

// ALState is an application-layer state of a slave.
type ALState uint8

const (
	StateInit   ALState = 0x01
	StatePreOp  ALState = 0x02
	StateBoot   ALState = 0x03
	StateSafeOp ALState = 0x04
	StateOp     ALState = 0x08

	alStateMask = 0x0F
	alErrorBit  = 0x10
)

func (s ALState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StatePreOp:
		return "PRE-OP"
	case StateBoot:
		return "BOOT"
	case StateSafeOp:
		return "SAFE-OP"
	case StateOp:
		return "OP"
	default:
		return fmt.Sprintf("ALState(%#x)", uint8(s))
	}
}

// WorkingCounterError reports a datagram that was processed by an
// unexpected number of slaves.
type WorkingCounterError struct {
	Command    Command
	Address    uint32
	Want, Have uint16
}

func (e WorkingCounterError) Error() string {
	return fmt.Sprintf("ecat: working counter error, want %d, have %d on %v %#08x",
		e.Want, e.Have, e.Command, e.Address)
}

// ALStatusError reports a slave that refused a state change.
type ALStatusError struct {
	Station uint16
	State   ALState
	Code    uint16
}

func (e ALStatusError) Error() string {
	return fmt.Sprintf("ecat: slave %#04x refused %v, AL status code %#04x", e.Station, e.State, e.Code)
}

// ErrStateTimeout is returned when a slave does not reach a requested state.
var ErrStateTimeout = errors.New("ecat: state change timeout")

// MasterOptions tune a Master.
type MasterOptions struct {
	FramelossTries int
	StatePoll      time.Duration
	Logger         *slog.Logger
}

// Master issues datagrams over a Link, one frame at a time.
type Master struct {
	link  Link
	tries int
	poll  time.Duration
	log   *slog.Logger

	mu    sync.Mutex
	index uint8
}

// NewMaster returns a master using link.
func NewMaster(link Link, opts MasterOptions) *Master {
	m := &Master{link: link, tries: opts.FramelossTries, poll: opts.StatePoll, log: opts.Logger}
	if m.tries <= 0 {
		m.tries = DefaultFramelossTries
	}
	if m.poll <= 0 {
		m.poll = 10 * time.Millisecond
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// Close closes the link.
func (m *Master) Close() error { return m.link.Close() }

// Roundtrip sends a single datagram and returns it as it came back. Lost
// frames are resent up to the configured number of tries. The working
// counter is not checked.
func (m *Master) Roundtrip(ctx context.Context, cmd Command, addr uint32, data []byte) (Datagram, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lost int
	for {
		m.index++
		out := Datagram{Command: cmd, Index: m.index, Address: addr, Data: data}
		frame, err := MarshalFrame([]Datagram{out})
		if err != nil {
			return Datagram{}, err
		}
		in, err := m.link.Roundtrip(ctx, frame)
		if err == nil {
			var dgs []Datagram
			dgs, err = ParseFrame(in)
			if err == nil {
				if dgs[0].Index == out.Index && dgs[0].Command == cmd && len(dgs[0].Data) == len(data) {
					return dgs[0], nil
				}
				err = ErrFrameLost
			}
		}
		if ctx.Err() != nil {
			return Datagram{}, ctx.Err()
		}
		if !errors.Is(err, ErrFrameLost) && !errors.Is(err, ErrMalformed) {
			return Datagram{}, err
		}
		lost++
		m.log.Debug("ecat frame lost", "command", cmd.String(), "address", addr, "try", lost)
		if lost >= m.tries {
			return Datagram{}, ErrFrameLost
		}
	}
}

// Exec sends a datagram and checks the working counter against wantWKC.
func (m *Master) Exec(ctx context.Context, cmd Command, addr uint32, data []byte, wantWKC uint16) ([]byte, error) {
	d, err := m.Roundtrip(ctx, cmd, addr, data)
	if err != nil {
		return nil, err
	}
	if d.WKC != wantWKC {
		return nil, WorkingCounterError{Command: cmd, Address: addr, Want: wantWKC, Have: d.WKC}
	}
	return d.Data, nil
}

// Read reads n bytes at offset from the station.
func (m *Master) Read(ctx context.Context, station, offset uint16, n int) ([]byte, error) {
	return m.Exec(ctx, FPRD, Address(station, offset), make([]byte, n), 1)
}

// Write writes data at offset on the station.
func (m *Master) Write(ctx context.Context, station, offset uint16, data []byte) error {
	_, err := m.Exec(ctx, FPWR, Address(station, offset), data, 1)
	return err
}

// CountSlaves returns the number of slaves answering a broadcast read.
func (m *Master) CountSlaves(ctx context.Context) (int, error) {
	d, err := m.Roundtrip(ctx, BRD, Address(0, RegType), make([]byte, 2))
	if err != nil {
		return 0, err
	}
	return int(d.WKC), nil
}

// ConfigureAddresses assigns StationBase+position to the first n slaves and
// returns the station addresses.
func (m *Master) ConfigureAddresses(ctx context.Context, n int) ([]uint16, error) {
	stations := make([]uint16, 0, n)
	for i := 0; i < n; i++ {
		station := uint16(StationBase + i)
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], station)
		if _, err := m.Exec(ctx, APWR, Address(Position(i), RegConfiguredStation), b[:], 1); err != nil {
			return nil, fmt.Errorf("ecat: address slave %d: %w", i, err)
		}
		stations = append(stations, station)
	}
	return stations, nil
}

// State returns the current AL state and whether the error flag is set.
func (m *Master) State(ctx context.Context, station uint16) (ALState, bool, error) {
	b, err := m.Read(ctx, station, RegALStatus, 2)
	if err != nil {
		return 0, false, err
	}
	return ALState(b[0] & alStateMask), b[0]&alErrorBit != 0, nil
}

// RequestState writes the AL control register.
func (m *Master) RequestState(ctx context.Context, station uint16, s ALState) error {
	return m.Write(ctx, station, RegALControl, []byte{byte(s), 0})
}

// WaitState polls AL status until the slave reports s. A raised error flag
// ends the wait with ALStatusError.
func (m *Master) WaitState(ctx context.Context, station uint16, s ALState, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		cur, failed, err := m.State(ctx, station)
		if err != nil {
			return err
		}
		if failed {
			code, err := m.Read(ctx, station, RegALStatusCode, 2)
			if err != nil {
				return err
			}
			return ALStatusError{Station: station, State: s, Code: binary.LittleEndian.Uint16(code)}
		}
		if cur == s {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: slave %#04x in %v, want %v", ErrStateTimeout, station, cur, s)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.poll):
		}
	}
}

// SetState requests s and waits for it.
func (m *Master) SetState(ctx context.Context, station uint16, s ALState, timeout time.Duration) error {
	if err := m.RequestState(ctx, station, s); err != nil {
		return err
	}
	if err := m.WaitState(ctx, station, s, timeout); err != nil {
		return err
	}
	m.log.Info("ecat state", "station", station, "state", s.String())
	return nil
}
