package ecatsim

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/notnil/servolink/canopen"
	"github.com/notnil/servolink/ecat"
)

const (
	sm0Status = ecat.RegSyncManagerBase + ecat.SyncManagerStatusOffset
	sm1Status = ecat.RegSyncManagerBase + ecat.SyncManagerChannelLen + ecat.SyncManagerStatusOffset
	smFull    = 0x08
)

// Slave is a simulated drive with a CoE object dictionary and an FoE file
// store. Hooks must be set before the slave is used by a bus; they run with
// the slave locked and must not call its methods. A hook returning
// canopen.SDOAbort aborts with that code.
type Slave struct {
	OnRead  func(index uint16, subindex uint8, stored []byte) ([]byte, error)
	OnWrite func(index uint16, subindex uint8, data []byte) error

	mu      sync.Mutex
	mem     [1 << 16]byte
	mbx     ecat.MailboxConfig
	station uint16
	state   ecat.ALState
	failed  bool
	code    uint16
	refuse  map[ecat.ALState]uint16
	pending bool

	objects map[uint32][]byte
	up      []byte
	down    *transfer
	toggle  byte
	files   map[string][]byte
	file    *fileWrite
}

type transfer struct {
	index uint16
	sub   uint8
	size  int
	data  []byte
}

type fileWrite struct {
	name   string
	data   []byte
	packet uint32
}

// NewSlave returns a slave in INIT with the default mailbox layout.
func NewSlave() *Slave {
	s := &Slave{
		mbx:     ecat.DefaultMailbox,
		state:   ecat.StateInit,
		refuse:  make(map[ecat.ALState]uint16),
		objects: make(map[uint32][]byte),
		files:   make(map[string][]byte),
	}
	// ESC type and revision
	copy(s.mem[:4], []byte{0x11, 0x00, 0x02, 0x00})
	return s
}

func objectKey(index uint16, sub uint8) uint32 { return uint32(index)<<8 | uint32(sub) }

// Set stores an object value.
func (s *Slave) Set(index uint16, sub uint8, data []byte) {
	s.mu.Lock()
	s.objects[objectKey(index, sub)] = append([]byte(nil), data...)
	s.mu.Unlock()
}

// Get returns a copy of an object value.
func (s *Slave) Get(index uint16, sub uint8) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.objects[objectKey(index, sub)]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// File returns a completely written file.
func (s *Slave) File(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.files[name]
	return v, ok
}

// Station returns the configured station address.
func (s *Slave) Station() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.station
}

// State returns the AL state.
func (s *Slave) State() ecat.ALState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Refuse makes requests for state fail with the AL status code.
func (s *Slave) Refuse(state ecat.ALState, code uint16) {
	s.mu.Lock()
	s.refuse[state] = code
	s.mu.Unlock()
}

// process handles a datagram passing this slave.
func (s *Slave) process(d *ecat.Datagram) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addressed := false
	switch {
	case d.Command.Positional():
		addressed = d.Slave() == 0
		d.Address = uint32(d.Offset())<<16 | uint32(d.Slave()+1)
	case d.Command.Fixed():
		addressed = d.Slave() == s.station
	case d.Command.Broadcast():
		addressed = true
		d.Address = uint32(d.Offset())<<16 | uint32(d.Slave()+1)
	}
	if !addressed {
		return
	}

	off := d.Offset()
	n := uint16(len(d.Data))
	if d.Command.Reads() {
		s.refresh()
		for i := uint16(0); i < n; i++ {
			if d.Command.Broadcast() {
				d.Data[i] |= s.mem[off+i]
			} else {
				d.Data[i] = s.mem[off+i]
			}
		}
		if s.pending && covers(off, n, s.mbx.InStart+s.mbx.InLen-1) {
			s.pending = false
		}
	}
	if d.Command.Writes() {
		for i := uint16(0); i < n; i++ {
			s.mem[off+i] = d.Data[i]
		}
		s.written(off, n)
	}
	switch {
	case d.Command.Reads() && d.Command.Writes():
		d.WKC += 3
	default:
		d.WKC++
	}
}

func covers(off, n, addr uint16) bool { return addr >= off && addr < off+n }

// refresh mirrors live registers into memory before a read.
func (s *Slave) refresh() {
	st := byte(s.state)
	if s.failed {
		st |= 0x10
	}
	s.mem[ecat.RegALStatus] = st
	s.mem[ecat.RegALStatus+1] = 0
	binary.LittleEndian.PutUint16(s.mem[ecat.RegALStatusCode:], s.code)
	binary.LittleEndian.PutUint16(s.mem[ecat.RegConfiguredStation:], s.station)
	s.mem[sm0Status] = 0
	s.mem[sm1Status] = 0
	if s.pending {
		s.mem[sm1Status] = smFull
	}
}

func (s *Slave) written(off, n uint16) {
	if covers(off, n, ecat.RegConfiguredStation) {
		s.station = binary.LittleEndian.Uint16(s.mem[ecat.RegConfiguredStation:])
	}
	if covers(off, n, ecat.RegALControl) {
		s.requestState(ecat.ALState(s.mem[ecat.RegALControl] & 0x0F))
	}
	if covers(off, n, s.mbx.OutStart+s.mbx.OutLen-1) {
		s.mailbox()
	}
}

func (s *Slave) requestState(st ecat.ALState) {
	if code, ok := s.refuse[st]; ok {
		s.failed = true
		s.code = code
		return
	}
	s.failed = false
	s.code = 0
	s.state = st
}

func (s *Slave) mailbox() {
	hdr := s.mem[s.mbx.OutStart : s.mbx.OutStart+ecat.MailboxHeaderLen]
	n := binary.LittleEndian.Uint16(hdr[0:2])
	if int(n) > int(s.mbx.OutLen)-ecat.MailboxHeaderLen {
		s.reply(ecat.MailboxError, []byte{0x01, 0x00, 0x05, 0x00})
		return
	}
	payload := append([]byte(nil), s.mem[s.mbx.OutStart+ecat.MailboxHeaderLen:s.mbx.OutStart+ecat.MailboxHeaderLen+n]...)
	switch ecat.MailboxType(hdr[5] & 0x0F) {
	case ecat.MailboxCoE:
		s.reply(ecat.MailboxCoE, s.coe(payload))
	case ecat.MailboxFoE:
		s.reply(ecat.MailboxFoE, s.foe(payload))
	default:
		s.reply(ecat.MailboxError, []byte{0x01, 0x00, 0x02, 0x00})
	}
}

func (s *Slave) reply(t ecat.MailboxType, payload []byte) {
	box := s.mem[s.mbx.InStart : s.mbx.InStart+s.mbx.InLen]
	clear(box)
	binary.LittleEndian.PutUint16(box[0:2], uint16(len(payload)))
	box[5] = byte(t)
	copy(box[ecat.MailboxHeaderLen:], payload)
	s.pending = true
}

func (s *Slave) capacity() int { return int(s.mbx.InLen) - ecat.MailboxHeaderLen }

func coeReply(cmd byte, index uint16, sub uint8, word uint32, tail []byte) []byte {
	b := make([]byte, 10, 10+len(tail))
	binary.LittleEndian.PutUint16(b[0:2], 0x3<<12)
	b[2] = cmd
	binary.LittleEndian.PutUint16(b[3:5], index)
	b[5] = sub
	binary.LittleEndian.PutUint32(b[6:10], word)
	return append(b, tail...)
}

func abortCode(err error) uint32 {
	var ab canopen.SDOAbort
	if errors.As(err, &ab) {
		return ab.Code
	}
	return canopen.AbortGeneral
}

func (s *Slave) coe(req []byte) []byte {
	if len(req) < 3 {
		return coeReply(0x80, 0, 0, canopen.AbortCommand, nil)
	}
	sdo := req[2:]
	cmd := sdo[0]
	var index uint16
	var sub uint8
	if len(sdo) >= 4 {
		index = binary.LittleEndian.Uint16(sdo[1:3])
		sub = sdo[3]
	}
	abort := func(code uint32) []byte {
		s.up, s.down = nil, nil
		return coeReply(0x80, index, sub, code, nil)
	}

	switch cmd >> 5 {
	case 2: // initiate upload
		v, ok := s.objects[objectKey(index, sub)]
		if s.OnRead != nil {
			out, err := s.OnRead(index, sub, v)
			if err != nil {
				return abort(abortCode(err))
			}
			if out != nil {
				v, ok = out, true
			}
		}
		if !ok {
			return abort(canopen.AbortNoObject)
		}
		if len(v) > 0 && len(v) <= 4 {
			word := make([]byte, 4)
			copy(word, v)
			return coeReply(byte(0x43|(4-len(v))<<2), index, sub, binary.LittleEndian.Uint32(word), nil)
		}
		first := min(len(v), s.capacity()-10)
		s.up = append([]byte(nil), v[first:]...)
		s.toggle = 0
		return coeReply(0x41, index, sub, uint32(len(v)), v[:first])
	case 3: // upload segment
		if s.up == nil {
			return abort(canopen.AbortCommand)
		}
		if cmd&0x10 != s.toggle {
			return abort(canopen.AbortToggle)
		}
		n := min(len(s.up), s.capacity()-3)
		out := s.toggle
		chunk := append([]byte(nil), s.up[:n]...)
		s.up = s.up[n:]
		if len(s.up) == 0 {
			out |= 0x01
			s.up = nil
		}
		if n < 7 {
			out |= byte(7-n) << 1
			chunk = append(chunk, make([]byte, 7-n)...)
		}
		s.toggle ^= 0x10
		b := []byte{0x00, 0x30, out}
		return append(b, chunk...)
	case 1: // initiate download
		if len(sdo) < 8 {
			return abort(canopen.AbortCommand)
		}
		if cmd&0x02 != 0 {
			n := 4
			if cmd&0x01 != 0 {
				n = 4 - int(cmd>>2&0x03)
			}
			if err := s.store(index, sub, sdo[4:4+n]); err != nil {
				return abort(abortCode(err))
			}
			return coeReply(0x60, index, sub, 0, nil)
		}
		size := int(binary.LittleEndian.Uint32(sdo[4:8]))
		data := append([]byte(nil), sdo[8:]...)
		if len(data) > size {
			data = data[:size]
		}
		if len(data) == size {
			if err := s.store(index, sub, data); err != nil {
				return abort(abortCode(err))
			}
		} else {
			s.down = &transfer{index: index, sub: sub, size: size, data: data}
			s.toggle = 0
		}
		return coeReply(0x60, index, sub, 0, nil)
	case 0: // download segment
		if s.down == nil {
			return abort(canopen.AbortCommand)
		}
		index, sub = s.down.index, s.down.sub
		if cmd&0x10 != s.toggle {
			return abort(canopen.AbortToggle)
		}
		chunk := sdo[1:]
		if len(chunk) <= 7 {
			chunk = chunk[:len(chunk)-min(len(chunk), int(cmd>>1&0x07))]
		}
		s.down.data = append(s.down.data, chunk...)
		reply := []byte{0x00, 0x30, 0x20 | s.toggle, 0, 0, 0, 0, 0, 0, 0}
		s.toggle ^= 0x10
		if cmd&0x01 != 0 {
			t := s.down
			s.down = nil
			if len(t.data) != t.size {
				return abort(canopen.AbortLengthMismatch)
			}
			if err := s.store(t.index, t.sub, t.data); err != nil {
				return abort(abortCode(err))
			}
		}
		return reply
	default:
		return abort(canopen.AbortCommand)
	}
}

func (s *Slave) store(index uint16, sub uint8, data []byte) error {
	if s.OnWrite != nil {
		if err := s.OnWrite(index, sub, data); err != nil {
			return err
		}
	}
	s.objects[objectKey(index, sub)] = append([]byte(nil), data...)
	return nil
}

func foeReply(op byte, value uint32, tail []byte) []byte {
	b := make([]byte, 6, 6+len(tail))
	b[0] = op
	binary.LittleEndian.PutUint32(b[2:6], value)
	return append(b, tail...)
}

func (s *Slave) foe(req []byte) []byte {
	if len(req) < 6 {
		return foeReply(5, 0, []byte("short packet"))
	}
	value := binary.LittleEndian.Uint32(req[2:6])
	switch req[0] {
	case 2: // write request
		if s.state != ecat.StateBoot {
			return foeReply(5, 0x8005, []byte("not in BOOT"))
		}
		s.file = &fileWrite{name: string(req[6:])}
		return foeReply(4, 0, nil)
	case 3: // data
		if s.file == nil || value != s.file.packet+1 {
			s.file = nil
			return foeReply(5, 0x8006, []byte("unexpected packet"))
		}
		s.file.packet = value
		s.file.data = append(s.file.data, req[6:]...)
		if len(req)-6 < s.capacity()-6 {
			s.files[s.file.name] = s.file.data
			s.file = nil
		}
		return foeReply(4, value, nil)
	default:
		return foeReply(5, 0x8001, []byte("unsupported opcode"))
	}
}
