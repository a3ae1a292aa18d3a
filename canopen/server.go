package canopen

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/notnil/servolink/canbus"
)

// Server is an in-memory SDO server with a heartbeat producer. It answers
// expedited and segmented transfers against an object map and follows NMT
// commands addressed to its node.
//
// Hooks must be set before Run. OnRead may replace the value returned for an
// object; OnWrite runs before a downloaded value is stored. A hook returning
// an SDOAbort aborts with that code; other errors abort with AbortGeneral.
type Server struct {
	OnRead  func(index uint16, subindex uint8, stored []byte) ([]byte, error)
	OnWrite func(index uint16, subindex uint8, data []byte) error
	// HeartbeatPeriod enables periodic heartbeats when positive.
	HeartbeatPeriod time.Duration

	bus  canbus.Bus
	node NodeID

	mu      sync.Mutex
	objects map[uint32][]byte
	state   NMTState
	xfer    *serverTransfer
}

type serverTransfer struct {
	upload bool
	index  uint16
	sub    uint8
	data   []byte
	size   int
	toggle byte
}

// NewServer creates a server for node on bus. The server owns bus while
// running and closes nothing on exit.
func NewServer(bus canbus.Bus, node NodeID) *Server {
	return &Server{bus: bus, node: node, objects: make(map[uint32][]byte), state: StatePreOperational}
}

func objectKey(index uint16, subindex uint8) uint32 { return uint32(index)<<8 | uint32(subindex) }

// Set stores an object value.
func (s *Server) Set(index uint16, subindex uint8, data []byte) {
	s.mu.Lock()
	s.objects[objectKey(index, subindex)] = append([]byte(nil), data...)
	s.mu.Unlock()
}

// Get returns a copy of an object value.
func (s *Server) Get(index uint16, subindex uint8) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.objects[objectKey(index, subindex)]
	return append([]byte(nil), v...), ok
}

// SetState changes the NMT state reported in heartbeats.
func (s *Server) SetState(st NMTState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the current NMT state.
func (s *Server) State() NMTState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SendHeartbeat transmits one heartbeat with the current state.
func (s *Server) SendHeartbeat(ctx context.Context) error {
	return SendHeartbeat(ctx, s.bus, s.node, s.State())
}

// Run serves requests until ctx is done or the bus fails. It returns nil on
// context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if err := s.node.Validate(); err != nil {
		return err
	}
	if s.HeartbeatPeriod > 0 {
		go s.produceHeartbeats(ctx)
	}
	rx := COBID(FC_SDO_RX, s.node)
	for {
		f, err := s.bus.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch {
		case f.ID == rx && f.Len == 8 && !f.RTR:
			if resp, ok := s.handleSDO(f); ok {
				if err := s.bus.Send(ctx, resp); err != nil && ctx.Err() == nil {
					return err
				}
			}
		case f.ID == uint32(FC_NMT):
			s.handleNMT(ctx, f)
		}
	}
}

func (s *Server) produceHeartbeats(ctx context.Context) {
	t := time.NewTicker(s.HeartbeatPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = s.SendHeartbeat(ctx)
		}
	}
}

func (s *Server) handleNMT(ctx context.Context, f canbus.Frame) {
	cmd, node, err := ParseNMT(f)
	if err != nil || (node != 0 && node != s.node) {
		return
	}
	switch cmd {
	case NMTStart:
		s.SetState(StateOperational)
	case NMTStop:
		s.SetState(StateStopped)
	case NMTEnterPreOperational:
		s.SetState(StatePreOperational)
	case NMTResetNode, NMTResetCommunication:
		_ = SendHeartbeat(ctx, s.bus, s.node, StateBootup)
		s.SetState(StatePreOperational)
	}
}

func (s *Server) read(index uint16, subindex uint8) ([]byte, uint32) {
	stored, ok := s.Get(index, subindex)
	if s.OnRead != nil {
		v, err := s.OnRead(index, subindex, stored)
		if err != nil {
			return nil, abortCode(err)
		}
		if v != nil {
			return v, 0
		}
	}
	if !ok {
		return nil, AbortNoObject
	}
	return stored, 0
}

func (s *Server) write(index uint16, subindex uint8, data []byte) uint32 {
	if s.OnWrite != nil {
		if err := s.OnWrite(index, subindex, data); err != nil {
			return abortCode(err)
		}
	}
	s.Set(index, subindex, data)
	return 0
}

func abortCode(err error) uint32 {
	var ab SDOAbort
	if errors.As(err, &ab) {
		return ab.Code
	}
	return AbortGeneral
}

// handleSDO processes one request frame and returns the response.
func (s *Server) handleSDO(f canbus.Frame) (canbus.Frame, bool) {
	tx := COBID(FC_SDO_TX, s.node)
	index, sub := sdoMux(f)
	cmd := f.Data[0]
	abort := func(i uint16, si uint8, code uint32) (canbus.Frame, bool) {
		s.xfer = nil
		return buildSDOAbort(tx, i, si, code), true
	}

	switch sdoCmd(f) {
	case sdoInitDownloadReq:
		s.xfer = nil
		if cmd&sdoFlagExpedited != 0 {
			size := 4
			if cmd&sdoFlagSized != 0 {
				size = 4 - int((cmd>>2)&0x3)
			}
			if code := s.write(index, sub, append([]byte(nil), f.Data[4:4+size]...)); code != 0 {
				return abort(index, sub, code)
			}
		} else {
			size := -1
			if cmd&sdoFlagSized != 0 {
				size = int(binary.LittleEndian.Uint32(f.Data[4:8]))
			}
			s.xfer = &serverTransfer{index: index, sub: sub, size: size}
		}
		return sdoFrame(tx, sdoInitDownloadResp<<5, index, sub, nil), true

	case sdoDownloadSegmentReq:
		x := s.xfer
		if x == nil || x.upload {
			return abort(0, 0, AbortCommand)
		}
		if sdoToggle(f) != x.toggle {
			return abort(x.index, x.sub, AbortToggle)
		}
		chunk, last := segmentData(f)
		x.data = append(x.data, chunk...)
		resp := sdoSegment(tx, sdoDownloadSegmentResp, x.toggle, nil, false)
		x.toggle ^= 1
		if last {
			s.xfer = nil
			if x.size >= 0 && len(x.data) != x.size {
				return abort(x.index, x.sub, AbortLengthMismatch)
			}
			if code := s.write(x.index, x.sub, x.data); code != 0 {
				return abort(x.index, x.sub, code)
			}
		}
		return resp, true

	case sdoInitUploadReq:
		s.xfer = nil
		data, code := s.read(index, sub)
		if code != 0 {
			return abort(index, sub, code)
		}
		if n := len(data); n > 0 && n <= 4 {
			c := byte(sdoInitUploadResp<<5) | byte(4-n)<<2 | sdoFlagExpedited | sdoFlagSized
			return sdoFrame(tx, c, index, sub, data), true
		}
		var size [4]byte
		binary.LittleEndian.PutUint32(size[:], uint32(len(data)))
		s.xfer = &serverTransfer{upload: true, index: index, sub: sub, data: data, size: len(data)}
		return sdoFrame(tx, sdoInitUploadResp<<5|sdoFlagSized, index, sub, size[:]), true

	case sdoUploadSegmentReq:
		x := s.xfer
		if x == nil || !x.upload {
			return abort(0, 0, AbortCommand)
		}
		if sdoToggle(f) != x.toggle {
			return abort(x.index, x.sub, AbortToggle)
		}
		end := min(sdoSegmentSize, len(x.data))
		chunk := x.data[:end]
		x.data = x.data[end:]
		last := len(x.data) == 0
		resp := sdoSegment(tx, sdoUploadSegmentResp, x.toggle, chunk, last)
		x.toggle ^= 1
		if last {
			s.xfer = nil
		}
		return resp, true

	case sdoAbort:
		s.xfer = nil
		return canbus.Frame{}, false

	default:
		return abort(index, sub, AbortCommand)
	}
}
