package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/notnil/servolink/ecat"
	"github.com/notnil/servolink/firmware"
	"github.com/notnil/servolink/notify"
	"github.com/notnil/servolink/register"
	"github.com/notnil/servolink/servo"
)

const (
	DefaultFrameTimeout   = 100 * time.Millisecond
	DefaultMailboxTimeout = time.Second
	DefaultALStateTimeout = 2 * time.Second
)

// EtherCATOptions configure an EtherCAT network.
type EtherCATOptions struct {
	// Interface and Group select the UDP link used when Open is nil.
	Interface string
	Group     net.IP
	// Open overrides how the link is opened.
	Open func(ctx context.Context) (ecat.Link, error)

	FrameTimeout     time.Duration
	MailboxTimeout   time.Duration
	StateTimeout     time.Duration
	LivenessInterval time.Duration
	FoEPassword      uint32

	Servo  servo.Options
	Logger *slog.Logger
}

// EtherCAT is a network of drives on one EtherCAT segment, addressed by
// their 1-based position and reached through CoE.
type EtherCAT struct {
	opts EtherCATOptions
	log  *slog.Logger
	sup  *supervisor[int]

	mu       sync.Mutex
	master   *ecat.Master
	stations []uint16
}

// NewEtherCAT returns a network that opens its link on first use.
func NewEtherCAT(opts EtherCATOptions) *EtherCAT {
	if opts.FrameTimeout <= 0 {
		opts.FrameTimeout = DefaultFrameTimeout
	}
	if opts.MailboxTimeout <= 0 {
		opts.MailboxTimeout = DefaultMailboxTimeout
	}
	if opts.StateTimeout <= 0 {
		opts.StateTimeout = DefaultALStateTimeout
	}
	log := loggerOr(opts.Logger).With("network", "ethercat")
	return &EtherCAT{opts: opts, log: log, sup: newSupervisor[int](log, opts.LivenessInterval)}
}

func (n *EtherCAT) openLink(ctx context.Context) (ecat.Link, error) {
	if n.opts.Open != nil {
		return n.opts.Open(ctx)
	}
	iface, err := net.InterfaceByName(n.opts.Interface)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTransceiverNotFound, n.opts.Interface, err)
	}
	return ecat.ListenUDP(iface, n.opts.Group, n.opts.FrameTimeout)
}

// connect opens the link and addresses every slave unless it is open, and
// reports whether it did.
func (n *EtherCAT) connect(ctx context.Context) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.master != nil {
		return false, nil
	}
	link, err := n.openLink(ctx)
	switch {
	case errors.Is(err, ErrTransceiverNotFound):
		return false, err
	case err != nil:
		return false, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	m := ecat.NewMaster(link, ecat.MasterOptions{Logger: n.log})
	if err := n.address(ctx, m); err != nil {
		m.Close()
		return false, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	n.master = m
	n.log.Info("link opened", "slaves", len(n.stations))
	return true, nil
}

// address assigns station addresses to every slave present. The caller holds
// mu.
func (n *EtherCAT) address(ctx context.Context, m *ecat.Master) error {
	count, err := m.CountSlaves(ctx)
	if err != nil {
		return err
	}
	stations, err := m.ConfigureAddresses(ctx, count)
	if err != nil {
		return err
	}
	n.stations = stations
	return nil
}

func (n *EtherCAT) disconnect() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.master == nil {
		return
	}
	if err := n.master.Close(); err != nil {
		n.log.Warn("closing link", "error", err)
	}
	n.master, n.stations = nil, nil
	n.log.Info("link closed")
}

// refresh counts the slaves on the open link and addresses any that joined
// since the last count.
func (n *EtherCAT) refresh(ctx context.Context) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.master == nil {
		return 0, ErrConnectionFailed
	}
	count, err := n.master.CountSlaves(ctx)
	if err != nil {
		return 0, err
	}
	if count > len(n.stations) {
		stations, err := n.master.ConfigureAddresses(ctx, count)
		if err != nil {
			return 0, err
		}
		n.stations = stations
	}
	return count, nil
}

// station returns the master and the station address of slave.
func (n *EtherCAT) station(slave int) (*ecat.Master, uint16, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.master == nil {
		return nil, 0, ErrConnectionFailed
	}
	if slave < 1 || slave > len(n.stations) {
		return nil, 0, fmt.Errorf("%w: slave %d", ErrNodeNotFound, slave)
	}
	return n.master, n.stations[slave-1], nil
}

// ScanSlaves returns the 1-based positions of the slaves on the segment. A
// link opened for the scan is closed again when no servo uses it.
func (n *EtherCAT) ScanSlaves(ctx context.Context) ([]int, error) {
	opened, err := n.connect(ctx)
	if err != nil {
		if errors.Is(err, ErrTransceiverNotFound) {
			return nil, err
		}
		n.log.Warn("scan failed", "error", err)
		return nil, nil
	}
	if opened && n.sup.len() == 0 {
		defer n.disconnect()
	}
	n.mu.Lock()
	count, err := n.master.CountSlaves(ctx)
	n.mu.Unlock()
	if err != nil {
		n.log.Warn("scan failed", "error", err)
		return nil, nil
	}
	slaves := make([]int, count)
	for i := range slaves {
		slaves[i] = i + 1
	}
	return slaves, nil
}

func (n *EtherCAT) servoOptions(slave int, dict *register.Dictionary) servo.Options {
	o := n.opts.Servo
	o.Name = fmt.Sprintf("slave %d", slave)
	o.Dictionary = dict
	if o.Bootstrap == nil {
		axes := 1
		if dict != nil && dict.Axes() > 1 {
			axes = dict.Axes()
		}
		o.Bootstrap = register.CANBootstrap(axes)
	}
	if o.Logger == nil {
		o.Logger = n.log
	}
	return o
}

// mailbox configures the mailbox of a slave in INIT and brings it to PRE-OP.
func (n *EtherCAT) mailbox(ctx context.Context, m *ecat.Master, station uint16) (*ecat.Mailbox, error) {
	if err := m.SetState(ctx, station, ecat.StateInit, n.opts.StateTimeout); err != nil {
		return nil, err
	}
	mb := m.Mailbox(station, ecat.MailboxConfig{}, n.opts.MailboxTimeout)
	if err := mb.Configure(ctx); err != nil {
		return nil, err
	}
	if err := m.SetState(ctx, station, ecat.StatePreOp, n.opts.StateTimeout); err != nil {
		return nil, err
	}
	return mb, nil
}

// ConnectToSlave brings the slave at position to PRE-OP and binds a servo
// session to its CoE mailbox. The segment is counted again first, so a slave
// unplugged since the last scan is reported as not found.
func (n *EtherCAT) ConnectToSlave(ctx context.Context, slave int, dict *register.Dictionary) (*servo.Servo, error) {
	opened, err := n.connect(ctx)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*servo.Servo, error) {
		if opened && n.sup.len() == 0 {
			n.disconnect()
		}
		return nil, err
	}
	count, err := n.refresh(ctx)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrConnectionFailed, err))
	}
	if slave < 1 || slave > count {
		return fail(fmt.Errorf("%w: slave %d", ErrNodeNotFound, slave))
	}
	m, station, err := n.station(slave)
	if err != nil {
		return fail(err)
	}
	mb, err := n.mailbox(ctx, m, station)
	if err != nil {
		return fail(fmt.Errorf("%w: slave %d: %v", ErrConnectionFailed, slave, err))
	}
	s := servo.New(servo.NewCoETransport(mb, nil), n.servoOptions(slave, dict))
	n.sup.add(slave, s)
	n.sup.start(n.checkState)
	n.log.Info("connected", "slave", slave, "station", fmt.Sprintf("%#04x", station))
	return s, nil
}

// checkState reads AL status. An unreachable slave or a raised error flag
// counts as lost.
func (n *EtherCAT) checkState(ctx context.Context, slave int) error {
	m, station, err := n.station(slave)
	if err != nil {
		return err
	}
	state, failed, err := m.State(ctx, station)
	if err != nil {
		return err
	}
	if failed {
		return fmt.Errorf("slave %d error in %v", slave, state)
	}
	return nil
}

// DisconnectFromSlave stops and closes s. The link closes with the last
// servo.
func (n *EtherCAT) DisconnectFromSlave(s *servo.Servo) error {
	s.StopStatusListener()
	err := s.Close()
	slave, left, ok := n.sup.remove(s)
	if !ok {
		return err
	}
	n.log.Info("disconnected", "slave", slave)
	if left == 0 {
		n.sup.stop()
		n.disconnect()
	}
	return err
}

// Servos returns the connected sessions.
func (n *EtherCAT) Servos() []*servo.Servo { return n.sup.servos() }

// Status returns the liveness of slave and whether it is connected.
func (n *EtherCAT) Status(slave int) (Status, bool) { return n.sup.get(slave) }

// SubscribeToStatus registers cb for liveness changes of slave.
func (n *EtherCAT) SubscribeToStatus(slave int, cb func(Status)) notify.Handle {
	return n.sup.subscribe(slave, cb)
}

// UnsubscribeFromStatus removes a liveness subscription.
func (n *EtherCAT) UnsubscribeFromStatus(slave int, h notify.Handle) bool {
	return n.sup.unsubscribe(slave, h)
}

// Close disconnects every servo and closes the link.
func (n *EtherCAT) Close() error {
	var errs []error
	for _, s := range n.sup.servos() {
		errs = append(errs, n.DisconnectFromSlave(s))
	}
	n.sup.stop()
	n.disconnect()
	return errors.Join(errs...)
}

// LoadFirmware moves the slave to BOOT, writes the image over FoE and
// returns it to INIT. A session bound to slave is stale afterwards.
func (n *EtherCAT) LoadFirmware(ctx context.Context, slave int, path string, cb firmware.Callbacks) error {
	err := n.loadFirmware(ctx, slave, path, cb)
	if err != nil {
		n.log.Error("firmware load failed", "slave", slave, "error", err)
		if cb.Error != nil {
			cb.Error(err)
		}
	}
	return err
}

func (n *EtherCAT) loadFirmware(ctx context.Context, slave int, path string, cb firmware.Callbacks) error {
	status := func(msg string) {
		if cb.Status != nil {
			cb.Status(msg)
		}
	}
	image, err := firmware.ReadImage(path)
	if err != nil {
		return &firmware.LoadError{Step: "image", Err: err}
	}
	opened, err := n.connect(ctx)
	if err != nil {
		return &firmware.LoadError{Step: "connect", Err: err}
	}
	if opened {
		defer func() {
			if n.sup.len() == 0 {
				n.disconnect()
			}
		}()
	}
	m, station, err := n.station(slave)
	if err != nil {
		return &firmware.LoadError{Step: "connect", Err: err}
	}

	status("entering BOOT")
	if err := m.SetState(ctx, station, ecat.StateInit, n.opts.StateTimeout); err != nil {
		return &firmware.LoadError{Step: "state INIT", Err: err}
	}
	mb := m.Mailbox(station, ecat.MailboxConfig{}, n.opts.MailboxTimeout)
	if err := mb.Configure(ctx); err != nil {
		return &firmware.LoadError{Step: "mailbox", Err: err}
	}
	if err := m.SetState(ctx, station, ecat.StateBoot, n.opts.StateTimeout); err != nil {
		return &firmware.LoadError{Step: "state BOOT", Err: err}
	}

	status("writing image")
	last := -1
	progress := func(done, total int) {
		if cb.Progress == nil || total == 0 {
			return
		}
		if pct := done * 100 / total; pct != last {
			last = pct
			cb.Progress(pct)
		}
	}
	if err := mb.WriteFile(ctx, filepath.Base(path), n.opts.FoEPassword, image, progress); err != nil {
		return &firmware.LoadError{Step: "foe write", Err: err}
	}

	if err := m.SetState(ctx, station, ecat.StateInit, n.opts.StateTimeout); err != nil {
		return &firmware.LoadError{Step: "state INIT", Err: err}
	}
	status("done")
	n.log.Info("firmware written", "slave", slave, "bytes", len(image))
	return nil
}
