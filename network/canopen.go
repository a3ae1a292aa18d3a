package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/notnil/servolink/canbus"
	"github.com/notnil/servolink/canopen"
	"github.com/notnil/servolink/firmware"
	"github.com/notnil/servolink/notify"
	"github.com/notnil/servolink/register"
	"github.com/notnil/servolink/servo"
)

const (
	DefaultSDOTimeout       = time.Second
	DefaultScanTimeout      = 100 * time.Millisecond
	DefaultScanConcurrency  = 16
	DefaultHeartbeatTimeout = 3 * time.Second
	DefaultBootTimeout      = 10 * time.Second
)

// CANopenOptions configure a CANopen network.
type CANopenOptions struct {
	Device canbus.DeviceConfig
	// Open overrides how the bus is opened, for tests and custom drivers.
	Open func(ctx context.Context) (canbus.Bus, error)

	SDOTimeout       time.Duration
	ScanTimeout      time.Duration
	ScanConcurrency  int
	HeartbeatTimeout time.Duration
	LivenessInterval time.Duration
	BootTimeout      time.Duration

	// Servo is the template for sessions created by ConnectToSlave.
	Servo    servo.Options
	Firmware firmware.Options
	Logger   *slog.Logger
}

// CANopen is a network of CANopen drives on one bus.
type CANopen struct {
	opts CANopenOptions
	log  *slog.Logger
	sup  *supervisor[canopen.NodeID]
	emcy notify.Registry[canopen.Emergency]

	mu       sync.Mutex
	bus      canbus.Bus
	mux      *canbus.Mux
	stopBus  context.CancelFunc
	busTasks sync.WaitGroup

	seenMu   sync.Mutex
	lastSeen map[canopen.NodeID]time.Time
}

// NewCANopen returns a network that opens its bus on first use.
func NewCANopen(opts CANopenOptions) *CANopen {
	if opts.SDOTimeout <= 0 {
		opts.SDOTimeout = DefaultSDOTimeout
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = DefaultScanTimeout
	}
	if opts.ScanConcurrency <= 0 {
		opts.ScanConcurrency = DefaultScanConcurrency
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.BootTimeout <= 0 {
		opts.BootTimeout = DefaultBootTimeout
	}
	log := loggerOr(opts.Logger).With("network", "canopen")
	return &CANopen{
		opts:     opts,
		log:      log,
		sup:      newSupervisor[canopen.NodeID](log, opts.LivenessInterval),
		lastSeen: make(map[canopen.NodeID]time.Time),
	}
}

// connect opens the bus unless it is open and reports whether it did.
func (n *CANopen) connect(ctx context.Context) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.bus != nil {
		return false, nil
	}
	open := n.opts.Open
	if open == nil {
		open = func(ctx context.Context) (canbus.Bus, error) { return canbus.Open(ctx, n.opts.Device) }
	}
	bus, err := open(ctx)
	switch {
	case errors.Is(err, canbus.ErrDeviceNotFound), errors.Is(err, canbus.ErrUnsupportedDevice):
		return false, fmt.Errorf("%w: %v", ErrTransceiverNotFound, err)
	case err != nil:
		return false, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	n.bus = bus
	n.mux = canbus.NewMux(bus)

	bctx, cancel := context.WithCancel(context.Background())
	n.stopBus = cancel
	hb, cancelHB := canopen.SubscribeHeartbeats(n.mux, nil, 64)
	em, cancelEM := canopen.SubscribeEmergencies(n.mux, 16)
	n.busTasks.Add(2)
	go func() {
		defer n.busTasks.Done()
		defer cancelHB()
		n.trackHeartbeats(bctx, hb)
	}()
	go func() {
		defer n.busTasks.Done()
		defer cancelEM()
		n.logEmergencies(bctx, em)
	}()
	n.log.Info("bus opened", "device", n.opts.Device.Kind, "channel", n.opts.Device.Channel)
	return true, nil
}

func (n *CANopen) disconnect() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.bus == nil {
		return
	}
	n.stopBus()
	n.mux.Close()
	n.busTasks.Wait()
	if err := n.bus.Close(); err != nil {
		n.log.Warn("closing bus", "error", err)
	}
	n.bus, n.mux = nil, nil
	n.log.Info("bus closed")
}

func (n *CANopen) trackHeartbeats(ctx context.Context, hb <-chan canopen.Heartbeat) {
	for {
		select {
		case <-ctx.Done():
			return
		case h, ok := <-hb:
			if !ok {
				return
			}
			n.seenMu.Lock()
			n.lastSeen[h.Node] = time.Now()
			n.seenMu.Unlock()
		}
	}
}

func (n *CANopen) logEmergencies(ctx context.Context, em <-chan canopen.Emergency) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-em:
			if !ok {
				return
			}
			n.log.Warn("emergency", "node", e.Node, "code", fmt.Sprintf("0x%04X", e.ErrorCode), "register", e.ErrorRegister)
			n.emcy.Notify(e)
		}
	}
}

// SubscribeToEmergencies registers cb for EMCY messages of every node.
func (n *CANopen) SubscribeToEmergencies(cb func(canopen.Emergency)) notify.Handle {
	return n.emcy.Subscribe(cb)
}

// UnsubscribeFromEmergencies removes an EMCY subscription.
func (n *CANopen) UnsubscribeFromEmergencies(h notify.Handle) bool { return n.emcy.Unsubscribe(h) }

func (n *CANopen) handles() (canbus.Bus, *canbus.Mux) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bus, n.mux
}

// ScanSlaves returns the nodes answering an SDO read of their device type,
// ascending. A bus opened for the scan is closed again when no servo uses it.
// Transport failures yield an empty result; a missing transceiver is an
// error.
func (n *CANopen) ScanSlaves(ctx context.Context) ([]canopen.NodeID, error) {
	opened, err := n.connect(ctx)
	if err != nil {
		if errors.Is(err, ErrTransceiverNotFound) {
			return nil, err
		}
		n.log.Warn("scan failed", "error", err)
		return nil, nil
	}
	if opened {
		defer func() {
			if n.sup.len() == 0 {
				n.disconnect()
			}
		}()
	}

	bus, mux := n.handles()
	var mu sync.Mutex
	var found []canopen.NodeID
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.opts.ScanConcurrency)
	for id := canopen.NodeID(1); id <= canopen.MaxNodeID; id++ {
		g.Go(func() error {
			c := canopen.NewSDOClient(bus, id, mux, n.opts.ScanTimeout)
			_, err := c.Upload(gctx, 0x1000, 0)
			var abort canopen.SDOAbort
			if err == nil || errors.As(err, &abort) {
				mu.Lock()
				found = append(found, id)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slices.Sort(found)
	n.log.Debug("scan done", "nodes", found)
	return found, nil
}

func (n *CANopen) servoOptions(node canopen.NodeID, dict *register.Dictionary) servo.Options {
	o := n.opts.Servo
	o.Name = fmt.Sprintf("node %d", node)
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

// ConnectToSlave binds a servo session to node, which must answer a fresh
// scan.
func (n *CANopen) ConnectToSlave(ctx context.Context, node canopen.NodeID, dict *register.Dictionary) (*servo.Servo, error) {
	if err := node.Validate(); err != nil {
		return nil, err
	}
	nodes, err := n.ScanSlaves(ctx)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(nodes, node) {
		return nil, fmt.Errorf("%w: node %d", ErrNodeNotFound, node)
	}
	if _, err := n.connect(ctx); err != nil {
		return nil, err
	}
	bus, mux := n.handles()
	client := canopen.NewSDOClient(bus, node, mux, n.opts.SDOTimeout)
	s := servo.New(servo.NewSDOTransport(client, nil), n.servoOptions(node, dict))

	n.seenMu.Lock()
	n.lastSeen[node] = time.Now()
	n.seenMu.Unlock()
	n.sup.add(node, s)
	n.sup.start(n.checkHeartbeat)
	n.log.Info("connected", "node", node)
	return s, nil
}

func (n *CANopen) checkHeartbeat(ctx context.Context, node canopen.NodeID) error {
	n.seenMu.Lock()
	seen := n.lastSeen[node]
	n.seenMu.Unlock()
	if age := time.Since(seen); age > n.opts.HeartbeatTimeout {
		return fmt.Errorf("no heartbeat for %v", age.Round(time.Millisecond))
	}
	return nil
}

// DisconnectFromSlave stops and closes s. The bus closes with the last
// servo.
func (n *CANopen) DisconnectFromSlave(s *servo.Servo) error {
	s.StopStatusListener()
	err := s.Close()
	node, left, ok := n.sup.remove(s)
	if !ok {
		return err
	}
	n.log.Info("disconnected", "node", node)
	if left == 0 {
		n.sup.stop()
		n.disconnect()
	}
	return err
}

// Servos returns the connected sessions.
func (n *CANopen) Servos() []*servo.Servo { return n.sup.servos() }

// Status returns the liveness of node and whether it is connected.
func (n *CANopen) Status(node canopen.NodeID) (Status, bool) { return n.sup.get(node) }

// SubscribeToStatus registers cb for liveness changes of node.
func (n *CANopen) SubscribeToStatus(node canopen.NodeID, cb func(Status)) notify.Handle {
	return n.sup.subscribe(node, cb)
}

// UnsubscribeFromStatus removes a liveness subscription.
func (n *CANopen) UnsubscribeFromStatus(node canopen.NodeID, h notify.Handle) bool {
	return n.sup.unsubscribe(node, h)
}

// Close disconnects every servo and closes the bus.
func (n *CANopen) Close() error {
	var errs []error
	for _, s := range n.sup.servos() {
		errs = append(errs, n.DisconnectFromSlave(s))
	}
	n.sup.stop()
	n.disconnect()
	return errors.Join(errs...)
}

// canTarget adapts a servo on this network to a firmware target.
type canTarget struct {
	*servo.Servo
	net  *CANopen
	node canopen.NodeID
}

// WaitHeartbeat waits for a boot-up heartbeat from the bootloader, or an
// operational or pre-operational one from the application.
func (t canTarget) WaitHeartbeat(ctx context.Context, bootloader bool) error {
	_, mux := t.net.handles()
	if mux == nil {
		return ErrConnectionFailed
	}
	ctx, cancel := context.WithTimeout(ctx, t.net.opts.BootTimeout)
	defer cancel()
	node := t.node
	hb, stop := canopen.SubscribeHeartbeats(mux, &node, 8)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: node %d heartbeat: %v", servo.ErrTimeout, t.node, ctx.Err())
		case h, ok := <-hb:
			if !ok {
				return ErrConnectionFailed
			}
			boot := h.State == canopen.StateBootup
			if boot == bootloader {
				return nil
			}
		}
	}
}

// LoadFirmware programs node with the image at path. A session bound to node
// is stale afterwards and must be reconnected.
func (n *CANopen) LoadFirmware(ctx context.Context, node canopen.NodeID, path string, cb firmware.Callbacks) error {
	fail := func(err error) error {
		if cb.Error != nil {
			cb.Error(err)
		}
		return err
	}
	image, err := firmware.ReadImage(path)
	if err != nil {
		return fail(&firmware.LoadError{Step: "image", Err: err})
	}
	s := n.sup.lookup(node)
	if s == nil {
		opened, err := n.connect(ctx)
		if err != nil {
			return fail(&firmware.LoadError{Step: "connect", Err: err})
		}
		bus, mux := n.handles()
		s = servo.New(servo.NewSDOTransport(canopen.NewSDOClient(bus, node, mux, n.opts.SDOTimeout), nil), n.servoOptions(node, nil))
		defer func() {
			s.Close()
			if opened && n.sup.len() == 0 {
				n.disconnect()
			}
		}()
	}
	fo := n.opts.Firmware
	if fo.Logger == nil {
		fo.Logger = n.log.With("node", node)
	}
	loader := firmware.New(canTarget{Servo: s, net: n, node: node}, fo)
	return loader.Load(ctx, image, cb)
}
