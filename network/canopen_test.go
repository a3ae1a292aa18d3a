package network_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notnil/servolink/canbus"
	"github.com/notnil/servolink/canopen"
	"github.com/notnil/servolink/cia402"
	"github.com/notnil/servolink/firmware"
	"github.com/notnil/servolink/network"
	"github.com/notnil/servolink/servo"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// canRig is a loopback bus with simulated drives.
type canRig struct {
	lb      *canbus.LoopbackBus
	servers map[canopen.NodeID]*canopen.Server
	cancel  map[canopen.NodeID]context.CancelFunc
	done    map[canopen.NodeID]chan struct{}
}

func newCANRig(t *testing.T, nodes ...canopen.NodeID) *canRig {
	t.Helper()
	r := &canRig{
		lb:      canbus.NewLoopbackBus(),
		servers: make(map[canopen.NodeID]*canopen.Server),
		cancel:  make(map[canopen.NodeID]context.CancelFunc),
		done:    make(map[canopen.NodeID]chan struct{}),
	}
	for _, node := range nodes {
		srv := canopen.NewServer(r.lb.Open(), node)
		srv.Set(0x1000, 0, []byte{0x92, 0x01, 0x02, 0x00})
		srv.Set(0x6041, 0, []byte{0x27, 0x00})
		srv.HeartbeatPeriod = 20 * time.Millisecond
		r.servers[node] = srv
		r.start(node)
	}
	t.Cleanup(func() {
		for node := range r.cancel {
			r.stop(node)
		}
		r.lb.Close()
	})
	return r
}

func (r *canRig) start(node canopen.NodeID) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.cancel[node], r.done[node] = cancel, done
	srv := r.servers[node]
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()
}

func (r *canRig) stop(node canopen.NodeID) {
	r.cancel[node]()
	<-r.done[node]
}

func (r *canRig) network() *network.CANopen {
	return network.NewCANopen(network.CANopenOptions{
		Open:             func(ctx context.Context) (canbus.Bus, error) { return r.lb.Open(), nil },
		ScanTimeout:      50 * time.Millisecond,
		ScanConcurrency:  64,
		HeartbeatTimeout: 150 * time.Millisecond,
		LivenessInterval: 20 * time.Millisecond,
		BootTimeout:      2 * time.Second,
		Servo:            servo.Options{Logger: quietLogger()},
		Logger:           quietLogger(),
	})
}

func TestCANopenScan(t *testing.T) {
	rig := newCANRig(t, 7, 3)
	n := rig.network()
	defer n.Close()

	nodes, err := n.ScanSlaves(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, []canopen.NodeID{3, 7}, nodes)
	assert.Empty(t, n.Servos())
}

func TestCANopenScanKeepsSession(t *testing.T) {
	rig := newCANRig(t, 3, 5)
	n := rig.network()
	defer n.Close()
	ctx := testCtx(t)

	s, err := n.ConnectToSlave(ctx, 3, nil)
	require.NoError(t, err)

	nodes, err := n.ScanSlaves(ctx)
	require.NoError(t, err)
	assert.Equal(t, []canopen.NodeID{3, 5}, nodes)
	assert.Len(t, n.Servos(), 1)

	w, err := s.StatusWord(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x27), w)
	st, ok := n.Status(3)
	require.True(t, ok)
	assert.Equal(t, network.Connected, st)
}

func TestCANopenMissingTransceiver(t *testing.T) {
	n := network.NewCANopen(network.CANopenOptions{
		Open:   func(ctx context.Context) (canbus.Bus, error) { return nil, canbus.ErrDeviceNotFound },
		Logger: quietLogger(),
	})
	_, err := n.ScanSlaves(testCtx(t))
	assert.ErrorIs(t, err, network.ErrTransceiverNotFound)
	_, err = n.ConnectToSlave(testCtx(t), 1, nil)
	assert.ErrorIs(t, err, network.ErrTransceiverNotFound)
}

func TestCANopenNodeNotFound(t *testing.T) {
	rig := newCANRig(t, 3)
	n := rig.network()
	defer n.Close()

	s, err := n.ConnectToSlave(testCtx(t), 9, nil)
	assert.ErrorIs(t, err, network.ErrNodeNotFound)
	assert.Nil(t, s)
	assert.Empty(t, n.Servos())

	_, err = n.ConnectToSlave(testCtx(t), 0, nil)
	assert.Error(t, err)
}

func TestCANopenConnectAndDisconnect(t *testing.T) {
	rig := newCANRig(t, 3)
	n := rig.network()
	defer n.Close()
	ctx := testCtx(t)

	s, err := n.ConnectToSlave(ctx, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, "node 3", s.Name())
	assert.Len(t, n.Servos(), 1)
	st, ok := n.Status(3)
	require.True(t, ok)
	assert.Equal(t, network.Connected, st)

	_, err = s.StatusWord(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, cia402.Enabled, s.State(1))

	require.NoError(t, n.DisconnectFromSlave(s))
	assert.Empty(t, n.Servos())
	_, ok = n.Status(3)
	assert.False(t, ok)
	_, err = s.StatusWord(ctx, 1)
	assert.ErrorIs(t, err, servo.ErrClosed)

	// the bus reopens for the next session
	s, err = n.ConnectToSlave(ctx, 3, nil)
	require.NoError(t, err)
	_, err = s.StatusWord(ctx, 1)
	require.NoError(t, err)
}

func TestCANopenHeartbeatLiveness(t *testing.T) {
	rig := newCANRig(t, 3)
	n := rig.network()
	defer n.Close()

	_, err := n.ConnectToSlave(testCtx(t), 3, nil)
	require.NoError(t, err)

	events := make(chan network.Status, 8)
	n.SubscribeToStatus(3, func(s network.Status) { events <- s })

	rig.stop(3)
	select {
	case st := <-events:
		assert.Equal(t, network.Disconnected, st)
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect event")
	}

	rig.start(3)
	select {
	case st := <-events:
		assert.Equal(t, network.Connected, st)
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect event")
	}

	// no repeated events while the state holds
	select {
	case st := <-events:
		t.Fatalf("unexpected event %v", st)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCANopenEmergencies(t *testing.T) {
	rig := newCANRig(t, 3)
	n := rig.network()
	defer n.Close()

	_, err := n.ConnectToSlave(testCtx(t), 3, nil)
	require.NoError(t, err)
	got := make(chan canopen.Emergency, 1)
	h := n.SubscribeToEmergencies(func(e canopen.Emergency) { got <- e })
	defer n.UnsubscribeFromEmergencies(h)

	f, err := canopen.Emergency{Node: 3, ErrorCode: 0x2310, ErrorRegister: 0x03}.Frame()
	require.NoError(t, err)
	ep := rig.lb.Open()
	defer ep.Close()
	require.NoError(t, ep.Send(testCtx(t), f))

	select {
	case e := <-got:
		assert.Equal(t, canopen.NodeID(3), e.Node)
		assert.Equal(t, uint16(0x2310), e.ErrorCode)
	case <-time.After(2 * time.Second):
		t.Fatal("no emergency")
	}
}

func TestCANopenLoadFirmware(t *testing.T) {
	rig := newCANRig(t)
	srv := canopen.NewServer(rig.lb.Open(), 4)
	srv.Set(0x1F51, 1, []byte{byte(firmware.ProgramStop)})
	hb := rig.lb.Open()
	defer hb.Close()

	var mu sync.Mutex
	var image []byte
	announce := func(state canopen.NMTState) {
		go func() {
			for range 10 {
				_ = canopen.SendHeartbeat(context.Background(), hb, 4, state)
				time.Sleep(20 * time.Millisecond)
			}
		}()
	}
	srv.OnWrite = func(index uint16, sub uint8, data []byte) error {
		switch index {
		case 0x1F50:
			mu.Lock()
			image = append(image, data...)
			mu.Unlock()
		case 0x1F51:
			switch firmware.ProgramState(data[0]) {
			case firmware.ProgramStop:
				announce(canopen.StateBootup)
			case firmware.ProgramStart:
				announce(canopen.StatePreOperational)
			}
		}
		return nil
	}
	rig.servers[4] = srv
	rig.start(4)

	want := make([]byte, 600)
	for i := range want {
		want[i] = byte(i * 7)
	}
	path := filepath.Join(t.TempDir(), "drive.lfu")
	require.NoError(t, os.WriteFile(path, want, 0o644))

	n := rig.network()
	defer n.Close()
	var progress []int
	err := n.LoadFirmware(testCtx(t), 4, path, firmware.Callbacks{
		Progress: func(p int) { progress = append(progress, p) },
	})
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, want, image)
	mu.Unlock()
	require.NotEmpty(t, progress)
	assert.Equal(t, 100, progress[len(progress)-1])
	assert.Empty(t, n.Servos())

	err = n.LoadFirmware(testCtx(t), 4, filepath.Join(t.TempDir(), "drive.bin"), firmware.Callbacks{})
	assert.ErrorIs(t, err, firmware.ErrFirmwareLoad)
}
