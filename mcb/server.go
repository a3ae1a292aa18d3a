package mcb

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
)

// Handler serves register accesses for a simulated drive.
type Handler interface {
	ReadRegister(subnode uint8, address uint16) ([]byte, error)
	WriteRegister(subnode uint8, address uint16, data []byte) error
}

// Reply builds the response frame for one request. Handler errors become
// error frames carrying the DriveError code, or 0 for other errors.
func Reply(h Handler, req []byte) ([]byte, error) {
	f, err := Parse(req)
	if err != nil {
		return nil, err
	}
	resp := Frame{Node: f.Node, Subnode: f.Subnode, Address: f.Address, Command: CmdAck}
	switch f.Command {
	case CmdRead:
		resp.Data, err = h.ReadRegister(f.Subnode, f.Address)
	case CmdWrite:
		err = h.WriteRegister(f.Subnode, f.Address, f.Data)
	default:
		err = &DriveError{Address: f.Address, Code: 0x05040001}
	}
	if err != nil {
		var de *DriveError
		code := uint32(0)
		if errors.As(err, &de) {
			code = de.Code
		}
		resp.Command = CmdError
		resp.Data = binary.LittleEndian.AppendUint32(nil, code)
	}
	return resp.MarshalBinary()
}

// ServeUDP answers requests arriving on conn until ctx is done or the
// connection fails. Malformed datagrams are dropped.
func ServeUDP(ctx context.Context, conn net.PacketConn, h Handler) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		resp, err := Reply(h, buf[:n])
		if err != nil {
			continue
		}
		if _, err := conn.WriteTo(resp, addr); err != nil && ctx.Err() == nil {
			return err
		}
	}
}
