package canopen

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/notnil/servolink/canbus"
)

// SDO command specifiers (bits 7..5 of byte 0).
const (
	// client -> server
	sdoDownloadSegmentReq = 0
	sdoInitDownloadReq    = 1
	sdoInitUploadReq      = 2
	sdoUploadSegmentReq   = 3
	// server -> client
	sdoUploadSegmentResp   = 0
	sdoDownloadSegmentResp = 1
	sdoInitUploadResp      = 2
	sdoInitDownloadResp    = 3
	// both directions
	sdoAbort = 4
)

// Initiate flags: n in bits 3..2, expedited bit 1, size indicated bit 0.
// Segment flags: toggle bit 4, n in bits 3..1, last segment bit 0.
const (
	sdoFlagExpedited = 0x02
	sdoFlagSized     = 0x01
	sdoFlagToggle    = 0x10
	sdoFlagLast      = 0x01
	sdoSegmentSize   = 7
)

// ErrSDOTimeout is returned when the server does not answer within the
// client timeout.
var ErrSDOTimeout = errors.New("canopen: sdo timeout")

func sdoCmd(f canbus.Frame) byte { return (f.Data[0] >> 5) & 0x7 }

func sdoToggle(f canbus.Frame) byte { return (f.Data[0] >> 4) & 0x1 }

func sdoMux(f canbus.Frame) (uint16, uint8) {
	return binary.LittleEndian.Uint16(f.Data[1:3]), f.Data[3]
}

func sdoFrame(id uint32, cmd byte, index uint16, subindex uint8, payload []byte) canbus.Frame {
	var f canbus.Frame
	f.ID = id
	f.Len = 8
	f.Data[0] = cmd
	binary.LittleEndian.PutUint16(f.Data[1:3], index)
	f.Data[3] = subindex
	copy(f.Data[4:8], payload)
	return f
}

func sdoSegment(id uint32, cmd byte, toggle byte, chunk []byte, last bool) canbus.Frame {
	var f canbus.Frame
	f.ID = id
	f.Len = 8
	f.Data[0] = cmd << 5
	if toggle&1 == 1 {
		f.Data[0] |= sdoFlagToggle
	}
	if last {
		f.Data[0] |= byte(sdoSegmentSize-len(chunk))<<1 | sdoFlagLast
	}
	copy(f.Data[1:], chunk)
	return f
}

// segmentData returns the payload of an upload/download segment.
func segmentData(f canbus.Frame) ([]byte, bool) {
	last := f.Data[0]&sdoFlagLast != 0
	end := 8
	if last {
		end = 8 - int((f.Data[0]>>1)&0x7)
	}
	return f.Data[1:end], last
}

// SDOClient performs SDO transfers against one node. Responses are received
// through a Mux so other consumers of the bus are not blocked. Transfers on
// one client are serialized since a node has a single default SDO channel.
type SDOClient struct {
	bus     canbus.Bus
	mux     *canbus.Mux
	node    NodeID
	timeout time.Duration
	mu      sync.Mutex
}

// NewSDOClient constructs an SDOClient. timeout bounds each request/response
// exchange; zero waits until ctx is done.
func NewSDOClient(bus canbus.Bus, node NodeID, mux *canbus.Mux, timeout time.Duration) *SDOClient {
	return &SDOClient{bus: bus, node: node, mux: mux, timeout: timeout}
}

// Node returns the server node id.
func (c *SDOClient) Node() NodeID { return c.node }

type sdoExchange struct {
	c      *SDOClient
	index  uint16
	sub    uint8
	frames <-chan canbus.Frame
	cancel func()
}

func (c *SDOClient) begin(index uint16, subindex uint8) (*sdoExchange, error) {
	if err := c.node.Validate(); err != nil {
		return nil, err
	}
	frames, cancel := c.mux.Subscribe(SDOResponse(c.node), 8)
	return &sdoExchange{c: c, index: index, sub: subindex, frames: frames, cancel: cancel}, nil
}

// roundtrip sends req and waits for a response satisfying accept. Aborts from
// the server surface as SDOAbort; a missed deadline aborts the transfer on the
// server and returns ErrSDOTimeout.
func (x *sdoExchange) roundtrip(ctx context.Context, req canbus.Frame, accept func(canbus.Frame) bool) (canbus.Frame, error) {
	if err := x.c.bus.Send(ctx, req); err != nil {
		return canbus.Frame{}, err
	}
	var expired <-chan time.Time
	if x.c.timeout > 0 {
		t := time.NewTimer(x.c.timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		select {
		case f, ok := <-x.frames:
			if !ok {
				return canbus.Frame{}, canbus.ErrClosed
			}
			if ab, isAbort := parseSDOAbort(f); isAbort {
				return canbus.Frame{}, ab
			}
			if accept(f) {
				return f, nil
			}
		case <-expired:
			x.abort(ctx, AbortTimeout)
			return canbus.Frame{}, fmt.Errorf("%w: node %d %04X:%02X", ErrSDOTimeout, x.c.node, x.index, x.sub)
		case <-ctx.Done():
			return canbus.Frame{}, ctx.Err()
		}
	}
}

func (x *sdoExchange) abort(ctx context.Context, code uint32) {
	_ = x.c.bus.Send(ctx, buildSDOAbort(COBID(FC_SDO_RX, x.c.node), x.index, x.sub, code))
}

func (x *sdoExchange) matchInit(scs byte) func(canbus.Frame) bool {
	return func(f canbus.Frame) bool {
		if sdoCmd(f) != scs {
			return false
		}
		idx, sub := sdoMux(f)
		return idx == x.index && sub == x.sub
	}
}

func matchSegment(scs byte, toggle byte) func(canbus.Frame) bool {
	return func(f canbus.Frame) bool {
		return sdoCmd(f) == scs && sdoToggle(f) == toggle&1
	}
}

// Upload reads an object. Expedited and segmented responses are both handled.
func (c *SDOClient) Upload(ctx context.Context, index uint16, subindex uint8) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	x, err := c.begin(index, subindex)
	if err != nil {
		return nil, err
	}
	defer x.cancel()

	rx := COBID(FC_SDO_RX, c.node)
	resp, err := x.roundtrip(ctx, sdoFrame(rx, sdoInitUploadReq<<5, index, subindex, nil), x.matchInit(sdoInitUploadResp))
	if err != nil {
		return nil, err
	}
	cmd := resp.Data[0]
	if cmd&sdoFlagExpedited != 0 {
		size := 4
		if cmd&sdoFlagSized != 0 {
			size = 4 - int((cmd>>2)&0x3)
		}
		return append([]byte(nil), resp.Data[4:4+size]...), nil
	}

	want := -1
	if cmd&sdoFlagSized != 0 {
		want = int(binary.LittleEndian.Uint32(resp.Data[4:8]))
	}
	var out []byte
	var toggle byte
	for {
		seg, err := x.roundtrip(ctx, sdoSegment(rx, sdoUploadSegmentReq, toggle, nil, false), matchSegment(sdoUploadSegmentResp, toggle))
		if err != nil {
			return nil, err
		}
		chunk, last := segmentData(seg)
		out = append(out, chunk...)
		if last {
			break
		}
		toggle ^= 1
	}
	if want >= 0 && len(out) != want {
		return nil, fmt.Errorf("canopen: sdo upload %04X:%02X got %d bytes, announced %d", index, subindex, len(out), want)
	}
	return out, nil
}

// Download writes an object. Up to 4 bytes use an expedited transfer; larger
// (or empty) payloads use a segmented transfer.
func (c *SDOClient) Download(ctx context.Context, index uint16, subindex uint8, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	x, err := c.begin(index, subindex)
	if err != nil {
		return err
	}
	defer x.cancel()

	rx := COBID(FC_SDO_RX, c.node)
	if n := len(data); n > 0 && n <= 4 {
		cmd := byte(sdoInitDownloadReq<<5) | byte(4-n)<<2 | sdoFlagExpedited | sdoFlagSized
		_, err := x.roundtrip(ctx, sdoFrame(rx, cmd, index, subindex, data), x.matchInit(sdoInitDownloadResp))
		return err
	}

	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(data)))
	cmd := byte(sdoInitDownloadReq<<5) | sdoFlagSized
	if _, err := x.roundtrip(ctx, sdoFrame(rx, cmd, index, subindex, size[:]), x.matchInit(sdoInitDownloadResp)); err != nil {
		return err
	}
	var toggle byte
	for off := 0; ; off += sdoSegmentSize {
		end := min(off+sdoSegmentSize, len(data))
		last := end == len(data)
		req := sdoSegment(rx, sdoDownloadSegmentReq, toggle, data[off:end], last)
		if _, err := x.roundtrip(ctx, req, matchSegment(sdoDownloadSegmentResp, toggle)); err != nil {
			return err
		}
		if last {
			return nil
		}
		toggle ^= 1
	}
}

// ReadU32 uploads a 4-byte object.
func (c *SDOClient) ReadU32(ctx context.Context, index uint16, subindex uint8) (uint32, error) {
	b, err := c.Upload(ctx, index, subindex)
	if err != nil {
		return 0, err
	}
	if len(b) != 4 {
		return 0, fmt.Errorf("canopen: sdo read u32: got %d bytes", len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}

// WriteU32 downloads a 4-byte object.
func (c *SDOClient) WriteU32(ctx context.Context, index uint16, subindex uint8, value uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	return c.Download(ctx, index, subindex, b[:])
}
