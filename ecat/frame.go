package ecat

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Command is an EtherCAT datagram command.
type Command uint8

const (
	NOP  Command = 0
	APRD Command = 1
	APWR Command = 2
	APRW Command = 3
	FPRD Command = 4
	FPWR Command = 5
	FPRW Command = 6
	BRD  Command = 7
	BWR  Command = 8
	BRW  Command = 9
	LRD  Command = 10
	LWR  Command = 11
	LRW  Command = 12
	ARMW Command = 13
	FRMW Command = 14
)

var commandNames = map[Command]string{
	NOP:  "NOP",
	APRD: "APRD",
	APWR: "APWR",
	APRW: "APRW",
	FPRD: "FPRD",
	FPWR: "FPWR",
	FPRW: "FPRW",
	BRD:  "BRD",
	BWR:  "BWR",
	BRW:  "BRW",
	LRD:  "LRD",
	LWR:  "LWR",
	LRW:  "LRW",
	ARMW: "ARMW",
	FRMW: "FRMW",
}

func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Command(%d)", uint8(c))
}

// Reads reports whether the command returns slave memory.
func (c Command) Reads() bool {
	switch c {
	case APRD, APRW, FPRD, FPRW, BRD, BRW, LRD, LRW, ARMW, FRMW:
		return true
	}
	return false
}

// Writes reports whether the command stores into slave memory.
func (c Command) Writes() bool {
	switch c {
	case APWR, APRW, FPWR, FPRW, BWR, BRW, LWR, LRW, ARMW, FRMW:
		return true
	}
	return false
}

// Positional reports whether the command uses auto-increment addressing.
func (c Command) Positional() bool {
	return c == APRD || c == APWR || c == APRW || c == ARMW
}

// Fixed reports whether the command addresses a configured station.
func (c Command) Fixed() bool {
	return c == FPRD || c == FPWR || c == FPRW || c == FRMW
}

// Broadcast reports whether every slave processes the command.
func (c Command) Broadcast() bool {
	return c == BRD || c == BWR || c == BRW
}

const (
	headerLen       = 2
	datagramHdrLen  = 10
	wkcLen          = 2
	frameTypeECAT   = 1
	maxLength       = 1<<11 - 1
	moreFollowsBit  = 1 << 15
	datagramLenMask = maxLength
)

// MaxFrameData is the largest datagram payload sum carried by one frame
// inside a UDP packet.
const MaxFrameData = 1470

var (
	// ErrMalformed reports a frame that cannot be parsed.
	ErrMalformed = errors.New("ecat: malformed frame")
	// ErrFrameTooLong reports datagrams that exceed one frame.
	ErrFrameTooLong = errors.New("ecat: frame too long")
)

// Address packs a slave address (ADP) and a register offset (ADO) into the
// 32-bit datagram address field.
func Address(slave, offset uint16) uint32 { return uint32(offset)<<16 | uint32(slave) }

// Position returns the auto-increment ADP for the slave at position n.
func Position(n int) uint16 { return uint16(-n) }

// Datagram is one EtherCAT command inside a frame.
type Datagram struct {
	Command Command
	Index   uint8
	Address uint32
	IRQ     uint16
	Data    []byte
	WKC     uint16
}

// Slave returns the ADP half of the address.
func (d Datagram) Slave() uint16 { return uint16(d.Address) }

// Offset returns the ADO half of the address.
func (d Datagram) Offset() uint16 { return uint16(d.Address >> 16) }

func (d Datagram) String() string {
	return fmt.Sprintf("%v idx=%d adp=%#04x ado=%#04x len=%d wkc=%d",
		d.Command, d.Index, d.Slave(), d.Offset(), len(d.Data), d.WKC)
}

func (d Datagram) byteLen() int { return datagramHdrLen + len(d.Data) + wkcLen }

// MarshalFrame encodes datagrams as one EtherCAT frame.
func MarshalFrame(dgs []Datagram) ([]byte, error) {
	if len(dgs) == 0 {
		return nil, fmt.Errorf("%w: no datagrams", ErrMalformed)
	}
	total := 0
	for _, d := range dgs {
		if len(d.Data) > maxLength {
			return nil, ErrFrameTooLong
		}
		total += d.byteLen()
	}
	if total > MaxFrameData {
		return nil, ErrFrameTooLong
	}
	b := make([]byte, headerLen+total)
	binary.LittleEndian.PutUint16(b, uint16(total)&maxLength|frameTypeECAT<<12)
	p := b[headerLen:]
	for i, d := range dgs {
		p[0] = byte(d.Command)
		p[1] = d.Index
		binary.LittleEndian.PutUint32(p[2:6], d.Address)
		lw := uint16(len(d.Data)) & datagramLenMask
		if i < len(dgs)-1 {
			lw |= moreFollowsBit
		}
		binary.LittleEndian.PutUint16(p[6:8], lw)
		binary.LittleEndian.PutUint16(p[8:10], d.IRQ)
		n := copy(p[datagramHdrLen:], d.Data)
		binary.LittleEndian.PutUint16(p[datagramHdrLen+n:], d.WKC)
		p = p[d.byteLen():]
	}
	return b, nil
}

// ParseFrame decodes an EtherCAT frame. Returned datagrams own their data.
func ParseFrame(b []byte) ([]Datagram, error) {
	if len(b) < headerLen {
		return nil, fmt.Errorf("%w: need %d header bytes, have %d", ErrMalformed, headerLen, len(b))
	}
	word := binary.LittleEndian.Uint16(b)
	if t := word >> 12; t != frameTypeECAT {
		return nil, fmt.Errorf("%w: frame type %d", ErrMalformed, t)
	}
	length := int(word & maxLength)
	b = b[headerLen:]
	if length > len(b) {
		return nil, fmt.Errorf("%w: frame expected %d bytes, only have %d", ErrMalformed, length, len(b))
	}
	b = b[:length]

	var dgs []Datagram
	for {
		if len(b) < datagramHdrLen {
			return nil, fmt.Errorf("%w: need %d bytes for datagram header, have %d", ErrMalformed, datagramHdrLen, len(b))
		}
		var d Datagram
		d.Command = Command(b[0])
		d.Index = b[1]
		d.Address = binary.LittleEndian.Uint32(b[2:6])
		lw := binary.LittleEndian.Uint16(b[6:8])
		d.IRQ = binary.LittleEndian.Uint16(b[8:10])
		n := int(lw & datagramLenMask)
		b = b[datagramHdrLen:]
		if len(b) < n+wkcLen {
			return nil, fmt.Errorf("%w: datagram needs %d bytes, have %d", ErrMalformed, n+wkcLen, len(b))
		}
		d.Data = append([]byte(nil), b[:n]...)
		d.WKC = binary.LittleEndian.Uint16(b[n:])
		b = b[n+wkcLen:]
		dgs = append(dgs, d)
		if lw&moreFollowsBit == 0 {
			return dgs, nil
		}
	}
}
