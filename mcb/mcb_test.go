package mcb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumXMODEM(t *testing.T) {
	assert.Equal(t, uint16(0x31C3), Checksum([]byte("123456789")))
}

func TestFrameLayout(t *testing.T) {
	b, err := Build(CmdWrite, 1, 0x010, []byte{0x0F, 0x00})
	require.NoError(t, err)
	require.Len(t, b, FrameSize)
	assert.Equal(t, uint16(0xA1), binary.LittleEndian.Uint16(b[0:2]))
	assert.Equal(t, uint16(0x010<<4|2<<1), binary.LittleEndian.Uint16(b[2:4]))
	assert.Equal(t, []byte{0x0F, 0, 0, 0, 0, 0, 0, 0}, b[4:12])
	assert.Equal(t, Checksum(b[:12]), binary.LittleEndian.Uint16(b[12:14]))

	f, err := Parse(b)
	require.NoError(t, err)
	assert.Equal(t, uint8(DefaultNode), f.Node)
	assert.Equal(t, uint8(1), f.Subnode)
	assert.Equal(t, uint16(0x010), f.Address)
	assert.Equal(t, CmdWrite, f.Command)
	assert.False(t, f.Extended)
}

func TestExtendedFrame(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 300)
	b, err := Build(CmdWrite, 0, 0x6E0, payload)
	require.NoError(t, err)
	require.Len(t, b, FrameSize+300)
	assert.Equal(t, uint16(300), binary.LittleEndian.Uint16(b[4:6]))
	assert.Equal(t, 300, extendedSize(b[:FrameSize]))

	f, err := Parse(b)
	require.NoError(t, err)
	assert.True(t, f.Extended)
	assert.Equal(t, payload, f.Data)

	_, err = Parse(b[:100])
	assert.ErrorIs(t, err, ErrShort)
}

func TestParseErrors(t *testing.T) {
	b, err := Build(CmdRead, 1, 0x011, nil)
	require.NoError(t, err)
	b[5] ^= 0xFF
	_, err = Parse(b)
	assert.ErrorIs(t, err, ErrCRC)

	_, err = Build(CmdRead, 1, 0x1000, nil)
	assert.Error(t, err)
	_, err = Build(CmdRead, 16, 0x10, nil)
	assert.Error(t, err)
}

func TestResponse(t *testing.T) {
	ack, _ := Frame{Node: DefaultNode, Subnode: 1, Address: 0x011, Command: CmdAck, Data: []byte{0x27}}.MarshalBinary()
	data, err := Response(ack, 0x011)
	require.NoError(t, err)
	assert.Equal(t, byte(0x27), data[0])

	_, err = Response(ack, 0x012)
	assert.ErrorIs(t, err, ErrAddress)

	nack, _ := Frame{Address: 0x011, Command: CmdError, Data: []byte{0x00, 0x00, 0x02, 0x06}}.MarshalBinary()
	_, err = Response(nack, 0x011)
	var de *DriveError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, uint32(0x06020000), de.Code)
}

func serveBank(t *testing.T, bank *Bank) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeUDP(ctx, pc, bank) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return pc.LocalAddr().String()
}

func TestClientUDP(t *testing.T) {
	bank := &Bank{}
	bank.Set(1, 0x011, []byte{0x40, 0x02})
	addr := serveBank(t, bank)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, "udp", addr, time.Second)
	require.NoError(t, err)
	defer c.Close()

	data, err := c.Read(ctx, 1, 0x011)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x40, 0x02, 0, 0, 0, 0, 0, 0}, data)

	require.NoError(t, c.Write(ctx, 1, 0x010, []byte{0x06, 0x00}))
	v, ok := bank.Get(1, 0x010)
	require.True(t, ok)
	assert.Equal(t, []byte{0x06, 0x00, 0, 0, 0, 0, 0, 0}, v)

	long := bytes.Repeat([]byte("x"), 40)
	require.NoError(t, c.Write(ctx, 0, 0x020, long))
	data, err = c.Read(ctx, 0, 0x020)
	require.NoError(t, err)
	assert.Equal(t, long, data)

	_, err = c.Read(ctx, 1, 0x999)
	var de *DriveError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, uint32(0x06020000), de.Code)
}

func TestClientTCP(t *testing.T) {
	bank := &Bank{}
	bank.Set(1, 0x011, []byte{0x27, 0x00})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, FrameSize)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
			resp, err := Reply(bank, buf)
			if err != nil {
				return
			}
			if _, err := conn.Write(resp); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, "tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer c.Close()
	data, err := c.Read(ctx, 1, 0x011)
	require.NoError(t, err)
	assert.Equal(t, byte(0x27), data[0])
}

func TestClientTimeout(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	ctx := context.Background()
	c, err := Dial(ctx, "udp", pc.LocalAddr().String(), 50*time.Millisecond)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Read(ctx, 1, 0x011)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)

	_, err = Dial(ctx, "sctp", "127.0.0.1", time.Second)
	assert.Error(t, err)
}
