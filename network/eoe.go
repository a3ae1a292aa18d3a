package network

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/notnil/servolink/register"
	"github.com/notnil/servolink/servo"
)

// EoE service commands. A request is the command as a little-endian uint16
// followed by its payload; the reply is a little-endian int32 where a
// negative value is an error code.
const (
	eoeInit   uint16 = 0
	eoeDeinit uint16 = 1
	eoeScan   uint16 = 2
	eoeConfig uint16 = 3
	eoeStart  uint16 = 4
	eoeStop   uint16 = 5
)

const (
	DefaultEoEService = "127.0.0.1:8888"
	DefaultEoETimeout = 2 * time.Second
)

// EoEServiceError is a negative reply from the EoE service.
type EoEServiceError struct {
	Command string
	Code    int32
}

func (e *EoEServiceError) Error() string {
	return fmt.Sprintf("network: eoe service %s failed with code %d", e.Command, e.Code)
}

var eoeCommandNames = map[uint16]string{
	eoeInit: "init", eoeDeinit: "deinit", eoeScan: "scan",
	eoeConfig: "config", eoeStart: "start", eoeStop: "stop",
}

// EoEOptions configure an EoE network.
type EoEOptions struct {
	// Interface is the host interface wired to the EtherCAT segment.
	Interface string
	// Service is the UDP address of the EoE service.
	Service string
	Timeout time.Duration
	Netmask netip.Addr

	Ethernet EthernetOptions
	Logger   *slog.Logger
}

// EoE is an Ethernet network whose drives are reached through Ethernet over
// EtherCAT tunnels provisioned by an external EoE service.
type EoE struct {
	*Ethernet

	opts EoEOptions
	log  *slog.Logger

	mu      sync.Mutex
	conn    net.Conn
	started bool
}

// NewEoE returns an EoE network.
func NewEoE(opts EoEOptions) *EoE {
	if opts.Service == "" {
		opts.Service = DefaultEoEService
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultEoETimeout
	}
	if !opts.Netmask.IsValid() {
		opts.Netmask = netip.AddrFrom4([4]byte{255, 255, 255, 0})
	}
	log := loggerOr(opts.Logger).With("network", "eoe")
	if opts.Ethernet.Logger == nil {
		opts.Ethernet.Logger = log
	}
	return &EoE{Ethernet: NewEthernet(opts.Ethernet), opts: opts, log: log}
}

// command sends one request and waits for its reply. The caller holds mu.
func (n *EoE) command(ctx context.Context, cmd uint16, payload []byte) (int32, error) {
	if n.conn == nil {
		return 0, ErrConnectionFailed
	}
	deadline := time.Now().Add(n.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := n.conn.SetDeadline(deadline); err != nil {
		return 0, err
	}
	req := binary.LittleEndian.AppendUint16(nil, cmd)
	req = append(req, payload...)
	if _, err := n.conn.Write(req); err != nil {
		return 0, fmt.Errorf("%w: eoe service: %v", ErrConnectionFailed, err)
	}
	var buf [16]byte
	m, err := n.conn.Read(buf[:])
	if err != nil {
		return 0, fmt.Errorf("%w: eoe service: %v", ErrConnectionFailed, err)
	}
	if m < 4 {
		return 0, fmt.Errorf("%w: eoe service: short reply", ErrConnectionFailed)
	}
	code := int32(binary.LittleEndian.Uint32(buf[:4]))
	if code < 0 {
		return code, &EoEServiceError{Command: eoeCommandNames[cmd], Code: code}
	}
	return code, nil
}

// open connects to the service and initializes the interface. It reports
// whether it did so.
func (n *EoE) open(ctx context.Context) (bool, error) {
	if n.conn != nil {
		return false, nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", n.opts.Service)
	if err != nil {
		return false, fmt.Errorf("%w: eoe service: %v", ErrTransceiverNotFound, err)
	}
	n.conn = conn
	if _, err := n.command(ctx, eoeInit, []byte(n.opts.Interface)); err != nil {
		n.conn.Close()
		n.conn = nil
		var se *EoEServiceError
		if errors.As(err, &se) {
			return false, fmt.Errorf("%w: %s: %w", ErrTransceiverNotFound, n.opts.Interface, err)
		}
		return false, err
	}
	n.log.Info("eoe service initialized", "interface", n.opts.Interface)
	return true, nil
}

func (n *EoE) close(ctx context.Context) {
	if n.conn == nil {
		return
	}
	if n.started {
		if _, err := n.command(ctx, eoeStop, nil); err != nil {
			n.log.Warn("eoe stop", "error", err)
		}
		n.started = false
	}
	if _, err := n.command(ctx, eoeDeinit, nil); err != nil {
		n.log.Warn("eoe deinit", "error", err)
	}
	n.conn.Close()
	n.conn = nil
}

// ScanSlaves asks the service for the number of slaves on the segment and
// returns their 1-based positions. The service is released again when no
// servo is connected.
func (n *EoE) ScanSlaves(ctx context.Context) ([]int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	opened, err := n.open(ctx)
	if err != nil {
		return nil, err
	}
	if opened && n.sup.len() == 0 {
		defer n.close(ctx)
	}
	count, err := n.command(ctx, eoeScan, nil)
	if err != nil {
		n.log.Warn("eoe scan", "error", err)
		return []int{}, nil
	}
	slaves := make([]int, count)
	for i := range slaves {
		slaves[i] = i + 1
	}
	return slaves, nil
}

// ConnectToSlave assigns ip to the slave at position, starts the tunnel and
// connects to the drive over MCB.
func (n *EoE) ConnectToSlave(ctx context.Context, slave int, ip string, dict *register.Dictionary) (*servo.Servo, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Is4() {
		return nil, fmt.Errorf("%w: ip %q", register.ErrInvalidArgument, ip)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	opened, err := n.open(ctx)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*servo.Servo, error) {
		if opened {
			n.close(ctx)
		}
		return nil, err
	}

	count, err := n.command(ctx, eoeScan, nil)
	if err != nil {
		return fail(err)
	}
	if slave < 1 || slave > int(count) {
		return fail(fmt.Errorf("%w: slave %d", ErrNodeNotFound, slave))
	}
	payload := binary.LittleEndian.AppendUint16(nil, uint16(slave))
	payload = append(payload, addr.AsSlice()...)
	payload = append(payload, n.opts.Netmask.AsSlice()...)
	if _, err := n.command(ctx, eoeConfig, payload); err != nil {
		return fail(err)
	}
	if !n.started {
		if _, err := n.command(ctx, eoeStart, nil); err != nil {
			return fail(err)
		}
		n.started = true
	}

	s, err := n.Ethernet.ConnectToSlave(ctx, ip, dict)
	if err != nil {
		if n.sup.len() == 0 {
			n.close(ctx)
		}
		return nil, err
	}
	return s, nil
}

// DisconnectFromSlave closes s. The tunnel is stopped with the last servo.
func (n *EoE) DisconnectFromSlave(s *servo.Servo) error {
	err := n.Ethernet.DisconnectFromSlave(s)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sup.len() == 0 {
		n.close(context.Background())
	}
	return err
}

// Close disconnects every servo and releases the service.
func (n *EoE) Close() error {
	var errs []error
	for _, s := range n.Servos() {
		errs = append(errs, n.DisconnectFromSlave(s))
	}
	n.mu.Lock()
	n.close(context.Background())
	n.mu.Unlock()
	return errors.Join(errs...)
}
