package network_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notnil/servolink/cia402"
	"github.com/notnil/servolink/ecat"
	"github.com/notnil/servolink/ecat/ecatsim"
	"github.com/notnil/servolink/firmware"
	"github.com/notnil/servolink/network"
	"github.com/notnil/servolink/servo"
)

// segment keeps the simulated bus usable after the network closes its link.
type segment struct{ *ecatsim.Bus }

func (segment) Close() error { return nil }

func ethercatNetwork(bus *ecatsim.Bus) *network.EtherCAT {
	return network.NewEtherCAT(network.EtherCATOptions{
		Open:             func(ctx context.Context) (ecat.Link, error) { return segment{bus}, nil },
		StateTimeout:     time.Second,
		LivenessInterval: 20 * time.Millisecond,
		Servo:            servo.Options{Logger: quietLogger()},
		Logger:           quietLogger(),
	})
}

func TestEtherCATScanAndConnect(t *testing.T) {
	first, second := ecatsim.NewSlave(), ecatsim.NewSlave()
	second.Set(0x6041, 0, []byte{0x37, 0x02})
	n := ethercatNetwork(ecatsim.NewBus(first, second))
	defer n.Close()
	ctx := testCtx(t)

	slaves, err := n.ScanSlaves(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, slaves)

	_, err = n.ConnectToSlave(ctx, 3, nil)
	assert.ErrorIs(t, err, network.ErrNodeNotFound)
	assert.Empty(t, n.Servos())

	s, err := n.ConnectToSlave(ctx, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, "slave 2", s.Name())
	assert.Equal(t, ecat.StatePreOp, second.State())
	assert.Equal(t, ecat.StateInit, first.State())
	assert.Equal(t, uint16(ecat.StationBase+1), second.Station())

	_, err = s.StatusWord(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, cia402.Enabled, s.State(1))
}

func TestEtherCATScanKeepsSession(t *testing.T) {
	first, second := ecatsim.NewSlave(), ecatsim.NewSlave()
	first.Set(0x6041, 0, []byte{0x37, 0x02})
	bus := ecatsim.NewBus(first, second)
	n := ethercatNetwork(bus)
	defer n.Close()
	ctx := testCtx(t)

	s, err := n.ConnectToSlave(ctx, 1, nil)
	require.NoError(t, err)

	slaves, err := n.ScanSlaves(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, slaves)
	w, err := s.StatusWord(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0237), w)
	assert.Equal(t, ecat.StatePreOp, first.State())

	// a slave unplugged after the link opened is not found
	bus.Remove(second)
	_, err = n.ConnectToSlave(ctx, 2, nil)
	assert.ErrorIs(t, err, network.ErrNodeNotFound)
	assert.Len(t, n.Servos(), 1)
	_, err = s.StatusWord(ctx, 1)
	require.NoError(t, err)
}

func TestEtherCATRefusedState(t *testing.T) {
	slave := ecatsim.NewSlave()
	slave.Refuse(ecat.StatePreOp, 0x0011)
	n := ethercatNetwork(ecatsim.NewBus(slave))
	defer n.Close()

	_, err := n.ConnectToSlave(testCtx(t), 1, nil)
	assert.ErrorIs(t, err, network.ErrConnectionFailed)
	assert.Empty(t, n.Servos())
}

func TestEtherCATLiveness(t *testing.T) {
	slave := ecatsim.NewSlave()
	bus := ecatsim.NewBus(slave)
	n := ethercatNetwork(bus)
	defer n.Close()

	_, err := n.ConnectToSlave(testCtx(t), 1, nil)
	require.NoError(t, err)
	st, ok := n.Status(1)
	require.True(t, ok)
	assert.Equal(t, network.Connected, st)

	events := make(chan network.Status, 8)
	n.SubscribeToStatus(1, func(st network.Status) { events <- st })
	// enough lost frames to fail one AL status read
	bus.DropFrames(ecat.DefaultFramelossTries)
	for _, want := range []network.Status{network.Disconnected, network.Connected} {
		select {
		case st := <-events:
			assert.Equal(t, want, st)
		case <-time.After(2 * time.Second):
			t.Fatalf("no %v event", want)
		}
	}
}

func TestEtherCATLoadFirmware(t *testing.T) {
	slave := ecatsim.NewSlave()
	n := ethercatNetwork(ecatsim.NewBus(slave))
	defer n.Close()

	want := make([]byte, 700)
	for i := range want {
		want[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "drive.lfu")
	require.NoError(t, os.WriteFile(path, want, 0o644))

	var progress []int
	err := n.LoadFirmware(testCtx(t), 1, path, firmware.Callbacks{
		Progress: func(p int) { progress = append(progress, p) },
	})
	require.NoError(t, err)

	got, ok := slave.File("drive.lfu")
	require.True(t, ok)
	assert.Equal(t, want, got)
	assert.Equal(t, ecat.StateInit, slave.State())
	require.NotEmpty(t, progress)
	assert.Equal(t, 100, progress[len(progress)-1])

	var reported error
	slave.Refuse(ecat.StateBoot, 0x0011)
	err = n.LoadFirmware(testCtx(t), 1, path, firmware.Callbacks{Error: func(err error) { reported = err }})
	var le *firmware.LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "state BOOT", le.Step)
	assert.Equal(t, err, reported)
}
