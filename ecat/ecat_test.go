package ecat_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notnil/servolink/canopen"
	"github.com/notnil/servolink/ecat"
	"github.com/notnil/servolink/ecat/ecatsim"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestFrameRoundTrip(t *testing.T) {
	in := []ecat.Datagram{
		{Command: ecat.FPRD, Index: 7, Address: ecat.Address(0x1001, ecat.RegALStatus), Data: []byte{0, 0}},
		{Command: ecat.BWR, Index: 8, Address: ecat.Address(0, ecat.RegALControl), Data: []byte{2, 0}, WKC: 3},
	}
	b, err := ecat.MarshalFrame(in)
	require.NoError(t, err)
	// length 28, type 1
	assert.Equal(t, []byte{28, 0x10}, b[:2])
	// first datagram has the more-follows bit
	assert.Equal(t, byte(0x80), b[2+7])
	assert.Equal(t, byte(0x00), b[2+14+7])

	out, err := ecat.ParseFrame(b)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, in[0].Command, out[0].Command)
	assert.Equal(t, uint16(0x1001), out[0].Slave())
	assert.Equal(t, uint16(ecat.RegALStatus), out[0].Offset())
	assert.Equal(t, uint16(3), out[1].WKC)
	assert.Equal(t, []byte{2, 0}, out[1].Data)
}

func TestParseFrameErrors(t *testing.T) {
	_, err := ecat.ParseFrame([]byte{1})
	assert.ErrorIs(t, err, ecat.ErrMalformed)

	_, err = ecat.ParseFrame([]byte{0x0C, 0x20})
	assert.ErrorIs(t, err, ecat.ErrMalformed, "wrong frame type")

	b, err := ecat.MarshalFrame([]ecat.Datagram{{Command: ecat.NOP, Data: make([]byte, 4)}})
	require.NoError(t, err)
	_, err = ecat.ParseFrame(b[:len(b)-3])
	assert.ErrorIs(t, err, ecat.ErrMalformed)

	_, err = ecat.MarshalFrame(nil)
	assert.Error(t, err)
	_, err = ecat.MarshalFrame([]ecat.Datagram{{Command: ecat.LWR, Data: make([]byte, ecat.MaxFrameData)}})
	assert.ErrorIs(t, err, ecat.ErrFrameTooLong)
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "FPRD", ecat.FPRD.String())
	assert.Equal(t, "Command(99)", ecat.Command(99).String())
	assert.True(t, ecat.APWR.Positional())
	assert.True(t, ecat.FPRW.Reads() && ecat.FPRW.Writes())
	assert.False(t, ecat.BRD.Writes())
}

func newSegment(t *testing.T, n int) (*ecat.Master, *ecatsim.Bus, []uint16) {
	t.Helper()
	slaves := make([]*ecatsim.Slave, n)
	for i := range slaves {
		slaves[i] = ecatsim.NewSlave()
	}
	bus := ecatsim.NewBus(slaves...)
	m := ecat.NewMaster(bus, ecat.MasterOptions{StatePoll: time.Millisecond})
	t.Cleanup(func() { m.Close() })
	stations, err := m.ConfigureAddresses(testCtx(t), n)
	require.NoError(t, err)
	return m, bus, stations
}

func TestCountAndAddress(t *testing.T) {
	m, bus, stations := newSegment(t, 3)
	ctx := testCtx(t)

	count, err := m.CountSlaves(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, []uint16{0x1000, 0x1001, 0x1002}, stations)
	for i, s := range bus.Slaves() {
		assert.Equal(t, stations[i], s.Station())
	}

	_, err = m.Read(ctx, 0x2000, ecat.RegALStatus, 2)
	var wkc ecat.WorkingCounterError
	require.ErrorAs(t, err, &wkc)
	assert.Equal(t, uint16(1), wkc.Want)
	assert.Equal(t, uint16(0), wkc.Have)
}

func TestFrameLossRetries(t *testing.T) {
	m, bus, stations := newSegment(t, 1)
	ctx := testCtx(t)

	bus.DropFrames(2)
	_, err := m.Read(ctx, stations[0], ecat.RegALStatus, 2)
	require.NoError(t, err, "two losses stay under the default of three tries")

	bus.DropFrames(3)
	_, err = m.Read(ctx, stations[0], ecat.RegALStatus, 2)
	assert.ErrorIs(t, err, ecat.ErrFrameLost)
}

func TestStateChanges(t *testing.T) {
	m, bus, stations := newSegment(t, 1)
	ctx := testCtx(t)

	st, failed, err := m.State(ctx, stations[0])
	require.NoError(t, err)
	assert.Equal(t, ecat.StateInit, st)
	assert.False(t, failed)

	require.NoError(t, m.SetState(ctx, stations[0], ecat.StatePreOp, time.Second))
	assert.Equal(t, ecat.StatePreOp, bus.Slaves()[0].State())

	bus.Slaves()[0].Refuse(ecat.StateOp, 0x001B)
	err = m.SetState(ctx, stations[0], ecat.StateOp, time.Second)
	var alErr ecat.ALStatusError
	require.ErrorAs(t, err, &alErr)
	assert.Equal(t, uint16(0x001B), alErr.Code)
	assert.Equal(t, "PRE-OP", ecat.StatePreOp.String())
}

func preOpMailbox(t *testing.T) (*ecat.Mailbox, *ecatsim.Slave) {
	t.Helper()
	m, bus, stations := newSegment(t, 1)
	ctx := testCtx(t)
	mb := m.Mailbox(stations[0], ecat.MailboxConfig{}, time.Second)
	require.NoError(t, mb.Configure(ctx))
	require.NoError(t, m.SetState(ctx, stations[0], ecat.StatePreOp, time.Second))
	return mb, bus.Slaves()[0]
}

func TestCoEExpedited(t *testing.T) {
	mb, slave := preOpMailbox(t)
	ctx := testCtx(t)

	slave.Set(0x6041, 0, []byte{0x27, 0x00})
	v, err := mb.SDOUpload(ctx, 0x6041, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x27, 0x00}, v)

	require.NoError(t, mb.SDODownload(ctx, 0x6040, 0, []byte{0x0F, 0x00}))
	got, ok := slave.Get(0x6040, 0)
	require.True(t, ok)
	assert.Equal(t, []byte{0x0F, 0x00}, got)

	require.NoError(t, mb.SDODownload(ctx, 0x607A, 0, []byte{1, 2, 3, 4}))
	v, err = mb.SDOUpload(ctx, 0x607A, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, v)
}

func TestCoENormalAndSegmented(t *testing.T) {
	mb, slave := preOpMailbox(t)
	ctx := testCtx(t)

	for _, n := range []int{0, 5, 100, 112, 113, 300, 1000} {
		data := bytes.Repeat([]byte{byte(n)}, n)
		for i := range data {
			data[i] += byte(i)
		}
		require.NoError(t, mb.SDODownload(ctx, 0x2000, 1, data), "download %d", n)
		stored, ok := slave.Get(0x2000, 1)
		require.True(t, ok)
		require.NotNil(t, stored, "an empty object is still present")
		assert.Equal(t, data, stored, "stored %d", n)

		v, err := mb.SDOUpload(ctx, 0x2000, 1)
		require.NoError(t, err, "upload %d", n)
		assert.Equal(t, data, v, "upload %d", n)
	}
}

func TestCoEAbort(t *testing.T) {
	mb, slave := preOpMailbox(t)
	ctx := testCtx(t)

	_, err := mb.SDOUpload(ctx, 0x1234, 5)
	var ab canopen.SDOAbort
	require.ErrorAs(t, err, &ab)
	assert.Equal(t, canopen.AbortNoObject, ab.Code)
	assert.Equal(t, uint16(0x1234), ab.Index)

	slave.OnWrite = func(index uint16, sub uint8, data []byte) error {
		if index == 0x6041 {
			return canopen.SDOAbort{Code: canopen.AbortReadOnly}
		}
		return nil
	}
	err = mb.SDODownload(ctx, 0x6041, 0, []byte{1, 0})
	require.ErrorAs(t, err, &ab)
	assert.Equal(t, canopen.AbortReadOnly, ab.Code)

	err = mb.SDODownload(ctx, 0x6040, 0, []byte{6, 0})
	assert.NoError(t, err)
}

func TestMailboxUnsupportedProtocol(t *testing.T) {
	mb, _ := preOpMailbox(t)
	_, err := mb.Exchange(testCtx(t), ecat.MailboxSoE, []byte{1, 2})
	var reply ecat.MailboxErrorReply
	require.ErrorAs(t, err, &reply)
	assert.Equal(t, uint16(0x02), reply.Code)

	_, err = mb.Exchange(testCtx(t), ecat.MailboxCoE, make([]byte, mb.Capacity()+1))
	assert.ErrorIs(t, err, ecat.ErrMailboxTooLong)
}

func TestFoEWrite(t *testing.T) {
	m, bus, stations := newSegment(t, 1)
	ctx := testCtx(t)
	mb := m.Mailbox(stations[0], ecat.MailboxConfig{}, time.Second)
	require.NoError(t, mb.Configure(ctx))

	err := mb.WriteFile(ctx, "app.lfu", 0, []byte("x"), nil)
	var foeErr ecat.FoEError
	require.ErrorAs(t, err, &foeErr, "outside BOOT the slave refuses")
	assert.Equal(t, uint32(0x8005), foeErr.Code)

	require.NoError(t, m.SetState(ctx, stations[0], ecat.StateBoot, time.Second))
	for _, n := range []int{0, 50, 116, 1000} {
		image := make([]byte, n)
		for i := range image {
			image[i] = byte(i * 7)
		}
		var last int
		require.NoError(t, mb.WriteFile(ctx, "app.lfu", 0, image, func(done, total int) {
			assert.Equal(t, n, total)
			assert.GreaterOrEqual(t, done, last)
			last = done
		}))
		assert.Equal(t, n, last)
		got, ok := bus.Slaves()[0].File("app.lfu")
		require.True(t, ok)
		assert.Equal(t, len(image), len(got))
		assert.True(t, bytes.Equal(image, got))
	}
}

func TestRoundtripHonoursContext(t *testing.T) {
	m, _, stations := newSegment(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Read(ctx, stations[0], ecat.RegALStatus, 2)
	assert.True(t, errors.Is(err, context.Canceled))
}
