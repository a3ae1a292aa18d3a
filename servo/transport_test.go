package servo_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notnil/servolink/canbus"
	"github.com/notnil/servolink/canopen"
	"github.com/notnil/servolink/cia402"
	"github.com/notnil/servolink/codec"
	"github.com/notnil/servolink/ecat"
	"github.com/notnil/servolink/ecat/ecatsim"
	"github.com/notnil/servolink/mcb"
	"github.com/notnil/servolink/register"
	"github.com/notnil/servolink/servo"
)

func TestSDOTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	lb := canbus.NewLoopbackBus()
	client := lb.Open()
	mux := canbus.NewMux(client)
	server := canopen.NewServer(lb.Open(), 5)
	server.Set(0x6041, 0, []byte{0x27, 0x00})
	server.Set(0x100A, 0, []byte("1.4.2 build 77"))
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		mux.Close()
		lb.Close()
	})

	dict := register.NewDictionary()
	require.NoError(t, dict.Add(register.MustNew(register.Config{
		ID: "DRV_ID_SOFTWARE_VERSION", Address: register.CANAddress{Index: 0x100A}, Access: register.ReadOnly, DType: codec.String,
	})))

	closed := false
	tr := servo.NewSDOTransport(canopen.NewSDOClient(client, 5, mux, time.Second), func() error {
		closed = true
		return nil
	})
	s := servo.New(tr, servo.Options{Dictionary: dict, Bootstrap: register.CANBootstrap(1), Logger: quietLogger()})
	c := testCtx(t)

	v, err := s.Read(c, "DRV_ID_SOFTWARE_VERSION", 0)
	require.NoError(t, err)
	assert.Equal(t, "1.4.2 build 77", v)

	_, err = s.StatusWord(c, 1)
	require.NoError(t, err)
	assert.Equal(t, cia402.Enabled, s.State(1))

	require.NoError(t, s.Write(c, register.ControlWord, cia402.DisableVoltage, 1))
	stored, ok := server.Get(0x6040, 0)
	require.True(t, ok)
	assert.Equal(t, []byte{0, 0}, stored)

	require.NoError(t, s.Close())
	assert.True(t, closed)
}

func TestMCBTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	bank := &mcb.Bank{}
	bank.Set(1, 0x011, []byte{0x40, 0x00})
	done := make(chan error, 1)
	go func() { done <- mcb.ServeUDP(ctx, pc, bank) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client, err := mcb.Dial(testCtx(t), "udp", pc.LocalAddr().String(), time.Second)
	require.NoError(t, err)
	s := servo.New(servo.NewMCBTransport(client), servo.Options{Bootstrap: register.MCBBootstrap(1), Logger: quietLogger()})
	defer s.Close()
	c := testCtx(t)

	w, err := s.StatusWord(c, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x40), w)
	assert.Equal(t, cia402.Disabled, s.State(1))

	require.NoError(t, s.StoreParameters(c, 1))
	stored, ok := bank.Get(1, 0x06DB)
	require.True(t, ok)
	assert.Equal(t, []byte{0x73, 0x61, 0x76, 0x65}, stored[:4])

	var de *mcb.DriveError
	_, err = s.Read(c, register.ControlWord, 1)
	assert.ErrorAs(t, err, &de)
}

func TestCoETransport(t *testing.T) {
	slave := ecatsim.NewSlave()
	m := ecat.NewMaster(ecatsim.NewBus(slave), ecat.MasterOptions{StatePoll: time.Millisecond, Logger: quietLogger()})
	c := testCtx(t)
	stations, err := m.ConfigureAddresses(c, 1)
	require.NoError(t, err)
	mb := m.Mailbox(stations[0], ecat.MailboxConfig{}, time.Second)
	require.NoError(t, mb.Configure(c))
	require.NoError(t, m.SetState(c, stations[0], ecat.StatePreOp, time.Second))

	slave.Set(0x6041, 0, []byte{0x08, 0x00})
	s := servo.New(servo.NewCoETransport(mb, m.Close), servo.Options{Bootstrap: register.CANBootstrap(1), Logger: quietLogger()})
	defer s.Close()

	_, err = s.StatusWord(c, 1)
	require.NoError(t, err)
	assert.Equal(t, cia402.Fault, s.State(1))

	require.NoError(t, s.Write(c, register.ControlWord, cia402.FaultResetBit, 1))
	got, ok := slave.Get(0x6040, 0)
	require.True(t, ok)
	assert.Equal(t, []byte{0x80, 0x00}, got)

	_, err = s.Read(c, register.DeviceType, 0)
	var abort canopen.SDOAbort
	assert.ErrorAs(t, err, &abort)
}
