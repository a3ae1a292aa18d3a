// Package mcb implements the MCB register protocol used by Ethernet servo
// drives: fixed 14-byte frames with an optional extended payload, checked by
// CRC-16/XMODEM, carried over UDP or TCP.
package mcb

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/snksoft/crc"
)

// Frame layout (little-endian):
//
//	0..1   node<<4 | subnode
//	2..3   address<<4 | command<<1 | extended
//	4..11  data (payload size when extended)
//	12..13 CRC over bytes 0..11
//	14..   extended payload
const (
	FrameSize = 14
	DataSize  = 8

	DefaultPort = 1061
	DefaultNode = 0xA
)

// Command codes.
const (
	CmdRead  uint8 = 1
	CmdWrite uint8 = 2
	CmdAck   uint8 = 3
	CmdError uint8 = 5
)

// MaxAddress is the highest 12-bit register address.
const MaxAddress = 0xFFF

var (
	ErrCRC      = errors.New("mcb: crc mismatch")
	ErrShort    = errors.New("mcb: frame too short")
	ErrAddress  = errors.New("mcb: unexpected address in response")
	ErrProtocol = errors.New("mcb: unexpected command in response")
)

// DriveError is the error code a drive returns in an error frame.
type DriveError struct {
	Address uint16
	Code    uint32
}

func (e *DriveError) Error() string {
	return fmt.Sprintf("mcb: drive error 0x%08X at 0x%03X", e.Code, e.Address)
}

var crcTable = crc.NewTable(crc.XMODEM)

// Checksum returns the CRC-16/XMODEM of b.
func Checksum(b []byte) uint16 { return uint16(crcTable.CalculateCRC(b)) }

// Frame is a decoded MCB frame.
type Frame struct {
	Node     uint8
	Subnode  uint8
	Address  uint16
	Command  uint8
	Extended bool
	// Data is the 8-byte data field, or the extended payload.
	Data []byte
}

// Build encodes a frame for node DefaultNode. Payloads above 8 bytes are sent
// as extended frames.
func Build(cmd uint8, subnode uint8, address uint16, data []byte) ([]byte, error) {
	return Frame{Node: DefaultNode, Subnode: subnode, Address: address, Command: cmd, Data: data}.MarshalBinary()
}

// MarshalBinary encodes f.
func (f Frame) MarshalBinary() ([]byte, error) {
	if f.Address > MaxAddress {
		return nil, fmt.Errorf("mcb: address 0x%X exceeds 12 bits", f.Address)
	}
	if f.Subnode > 0xF {
		return nil, fmt.Errorf("mcb: subnode %d exceeds 4 bits", f.Subnode)
	}
	extended := len(f.Data) > DataSize
	buf := make([]byte, FrameSize, FrameSize+len(f.Data))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(f.Node)<<4|uint16(f.Subnode))
	hdr := f.Address<<4 | uint16(f.Command&0x7)<<1
	if extended {
		hdr |= 1
		binary.LittleEndian.PutUint16(buf[4:6], uint16(len(f.Data)))
	} else {
		copy(buf[4:12], f.Data)
	}
	binary.LittleEndian.PutUint16(buf[2:4], hdr)
	binary.LittleEndian.PutUint16(buf[12:14], Checksum(buf[:12]))
	if extended {
		buf = append(buf, f.Data...)
	}
	return buf, nil
}

// Parse decodes and verifies a frame.
func Parse(b []byte) (Frame, error) {
	if len(b) < FrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrShort, len(b))
	}
	if got, want := binary.LittleEndian.Uint16(b[12:14]), Checksum(b[:12]); got != want {
		return Frame{}, fmt.Errorf("%w: got 0x%04X want 0x%04X", ErrCRC, got, want)
	}
	head := binary.LittleEndian.Uint16(b[0:2])
	hdr := binary.LittleEndian.Uint16(b[2:4])
	f := Frame{
		Node:     uint8(head >> 4),
		Subnode:  uint8(head & 0xF),
		Address:  hdr >> 4,
		Command:  uint8(hdr>>1) & 0x7,
		Extended: hdr&1 != 0,
	}
	if f.Extended {
		size := int(binary.LittleEndian.Uint16(b[4:6]))
		if len(b) < FrameSize+size {
			return Frame{}, fmt.Errorf("%w: extended payload %d of %d bytes", ErrShort, len(b)-FrameSize, size)
		}
		f.Data = append([]byte(nil), b[FrameSize:FrameSize+size]...)
	} else {
		f.Data = append([]byte(nil), b[4:12]...)
	}
	return f, nil
}

// extendedSize returns the payload length announced by a frame header, for
// stream transports that must read it separately.
func extendedSize(head []byte) int {
	if binary.LittleEndian.Uint16(head[2:4])&1 == 0 {
		return 0
	}
	return int(binary.LittleEndian.Uint16(head[4:6]))
}

// Response checks a reply to a request for address and returns its data.
// Error frames surface as *DriveError.
func Response(b []byte, address uint16) ([]byte, error) {
	f, err := Parse(b)
	if err != nil {
		return nil, err
	}
	switch f.Command {
	case CmdAck:
	case CmdError:
		var code uint32
		if len(f.Data) >= 4 {
			code = binary.LittleEndian.Uint32(f.Data[0:4])
		}
		return nil, &DriveError{Address: f.Address, Code: code}
	default:
		return nil, fmt.Errorf("%w: %d", ErrProtocol, f.Command)
	}
	if f.Address != address {
		return nil, fmt.Errorf("%w: got 0x%03X want 0x%03X", ErrAddress, f.Address, address)
	}
	return f.Data, nil
}
