package ecat

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/notnil/servolink/canopen"
)

const (
	coeHeaderLen   = 2
	coeSDORequest  = 0x2
	coeSDOResponse = 0x3

	sdoInitDownload = 1
	sdoInitUpload   = 2
	sdoUploadSeg    = 3
	sdoAbortCmd     = 4

	sdoDownloadSegReply  = 1
	sdoInitDownloadReply = 3

	sdoHeaderLen = 8
)

func coeFrame(cmd byte, index uint16, sub uint8, tail []byte) []byte {
	b := make([]byte, coeHeaderLen+sdoHeaderLen, coeHeaderLen+sdoHeaderLen+len(tail))
	binary.LittleEndian.PutUint16(b[0:2], coeSDORequest<<12)
	b[2] = cmd
	binary.LittleEndian.PutUint16(b[3:5], index)
	b[5] = sub
	return append(b, tail...)
}

// sdoReply strips the CoE header and maps aborts.
func (mb *Mailbox) sdoReply(ctx context.Context, req []byte, index uint16, sub uint8) ([]byte, error) {
	reply, err := mb.Exchange(ctx, MailboxCoE, req)
	if err != nil {
		return nil, err
	}
	if len(reply) < coeHeaderLen+1 {
		return nil, fmt.Errorf("%w: short CoE reply", ErrMalformed)
	}
	if svc := binary.LittleEndian.Uint16(reply) >> 12; svc != coeSDOResponse {
		return nil, fmt.Errorf("%w: CoE service %d", ErrMalformed, svc)
	}
	sdo := reply[coeHeaderLen:]
	if sdo[0]>>5 == sdoAbortCmd {
		if len(sdo) < sdoHeaderLen {
			return nil, fmt.Errorf("%w: short abort", ErrMalformed)
		}
		return nil, canopen.SDOAbort{Index: index, Subindex: sub, Code: binary.LittleEndian.Uint32(sdo[4:8])}
	}
	return sdo, nil
}

// SDOUpload reads an object entry over CoE.
func (mb *Mailbox) SDOUpload(ctx context.Context, index uint16, sub uint8) ([]byte, error) {
	sdo, err := mb.sdoReply(ctx, coeFrame(sdoInitUpload<<5, index, sub, nil), index, sub)
	if err != nil {
		return nil, err
	}
	if sdo[0]>>5 != sdoInitUpload || len(sdo) < sdoHeaderLen {
		return nil, fmt.Errorf("%w: upload reply %#02x", ErrMalformed, sdo[0])
	}
	if sdo[0]&0x02 != 0 {
		n := 4
		if sdo[0]&0x01 != 0 {
			n = 4 - int(sdo[0]>>2&0x03)
		}
		return append([]byte(nil), sdo[4:4+n]...), nil
	}

	size := int(binary.LittleEndian.Uint32(sdo[4:8]))
	data := append(make([]byte, 0, size), sdo[sdoHeaderLen:]...)
	if len(data) > size {
		data = data[:size]
	}
	toggle := byte(0)
	for len(data) < size {
		seg, err := mb.sdoReply(ctx, coeFrame(sdoUploadSeg<<5|toggle, index, sub, nil), index, sub)
		if err != nil {
			return nil, err
		}
		if seg[0]>>5 != 0 {
			return nil, fmt.Errorf("%w: upload segment reply %#02x", ErrMalformed, seg[0])
		}
		if seg[0]&0x10 != toggle {
			return nil, canopen.SDOAbort{Index: index, Subindex: sub, Code: canopen.AbortToggle}
		}
		chunk := seg[1:]
		if len(chunk) <= 7 {
			unused := int(seg[0] >> 1 & 0x07)
			if unused > len(chunk) {
				unused = len(chunk)
			}
			chunk = chunk[:len(chunk)-unused]
		}
		data = append(data, chunk...)
		if seg[0]&0x01 != 0 {
			break
		}
		toggle ^= 0x10
	}
	if len(data) != size {
		return nil, fmt.Errorf("ecat: upload %04X:%02X announced %d bytes, got %d", index, sub, size, len(data))
	}
	return data, nil
}

// SDODownload writes an object entry over CoE. Up to four bytes go
// expedited; larger values use a normal transfer followed by segments when
// the mailbox cannot hold them.
func (mb *Mailbox) SDODownload(ctx context.Context, index uint16, sub uint8, data []byte) error {
	if n := len(data); n > 0 && n <= 4 {
		req := coeFrame(byte(sdoInitDownload<<5|(4-n)<<2|0x03), index, sub, nil)
		copy(req[coeHeaderLen+4:], data)
		return mb.expectDownload(ctx, req, index, sub)
	}

	first := mb.Capacity() - coeHeaderLen - sdoHeaderLen
	if first > len(data) {
		first = len(data)
	}
	req := coeFrame(sdoInitDownload<<5|0x01, index, sub, data[:first])
	binary.LittleEndian.PutUint32(req[coeHeaderLen+4:], uint32(len(data)))
	if err := mb.expectDownload(ctx, req, index, sub); err != nil {
		return err
	}

	rest := data[first:]
	segMax := mb.Capacity() - coeHeaderLen - 1
	toggle := byte(0)
	for len(rest) > 0 {
		n := min(len(rest), segMax)
		cmd := toggle
		if n == len(rest) {
			cmd |= 0x01
		}
		payload := rest[:n]
		if n < 7 {
			cmd |= byte(7-n) << 1
			payload = append(append([]byte(nil), payload...), make([]byte, 7-n)...)
		}
		req := make([]byte, coeHeaderLen+1, coeHeaderLen+1+len(payload))
		binary.LittleEndian.PutUint16(req, coeSDORequest<<12)
		req[2] = cmd
		req = append(req, payload...)
		seg, err := mb.sdoReply(ctx, req, index, sub)
		if err != nil {
			return err
		}
		if seg[0]>>5 != sdoDownloadSegReply {
			return fmt.Errorf("%w: download segment reply %#02x", ErrMalformed, seg[0])
		}
		if seg[0]&0x10 != toggle {
			return canopen.SDOAbort{Index: index, Subindex: sub, Code: canopen.AbortToggle}
		}
		rest = rest[n:]
		toggle ^= 0x10
	}
	return nil
}

func (mb *Mailbox) expectDownload(ctx context.Context, req []byte, index uint16, sub uint8) error {
	sdo, err := mb.sdoReply(ctx, req, index, sub)
	if err != nil {
		return err
	}
	if sdo[0]>>5 != sdoInitDownloadReply {
		return fmt.Errorf("%w: download reply %#02x", ErrMalformed, sdo[0])
	}
	return nil
}
