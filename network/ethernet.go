package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/notnil/servolink/firmware"
	"github.com/notnil/servolink/mcb"
	"github.com/notnil/servolink/notify"
	"github.com/notnil/servolink/register"
	"github.com/notnil/servolink/servo"
)

const (
	DefaultMCBTimeout  = time.Second
	DefaultPingTimeout = 500 * time.Millisecond
	DefaultFTPPort     = 21
	DefaultFTPUser     = "Ingenia"
	DefaultFTPPassword = "Ingenia"
)

// EthernetOptions configure an Ethernet network.
type EthernetOptions struct {
	// Protocol is "udp" (default) or "tcp".
	Protocol string
	Port     int
	Timeout  time.Duration

	LivenessInterval time.Duration
	PingTimeout      time.Duration
	// Ping overrides the liveness probe. It defaults to an ICMP echo.
	Ping func(ctx context.Context, host string) error

	FTPPort     int
	FTPUser     string
	FTPPassword string
	BootTimeout time.Duration

	Servo  servo.Options
	Logger *slog.Logger
}

// Ethernet is a network of drives reached through MCB over IP. Every drive
// has its own socket; there is no shared connection and no scan.
type Ethernet struct {
	opts EthernetOptions
	log  *slog.Logger
	sup  *supervisor[string]
}

// NewEthernet returns an Ethernet network.
func NewEthernet(opts EthernetOptions) *Ethernet {
	if opts.Protocol == "" {
		opts.Protocol = "udp"
	}
	if opts.Port == 0 {
		opts.Port = mcb.DefaultPort
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultMCBTimeout
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = DefaultPingTimeout
	}
	if opts.Ping == nil {
		timeout := opts.PingTimeout
		opts.Ping = func(ctx context.Context, host string) error { return Ping(ctx, host, timeout) }
	}
	if opts.FTPPort == 0 {
		opts.FTPPort = DefaultFTPPort
	}
	if opts.FTPUser == "" {
		opts.FTPUser, opts.FTPPassword = DefaultFTPUser, DefaultFTPPassword
	}
	if opts.BootTimeout <= 0 {
		opts.BootTimeout = DefaultBootTimeout
	}
	log := loggerOr(opts.Logger).With("network", "ethernet")
	return &Ethernet{opts: opts, log: log, sup: newSupervisor[string](log, opts.LivenessInterval)}
}

func (n *Ethernet) addr(host string) string {
	return net.JoinHostPort(host, strconv.Itoa(n.opts.Port))
}

func (n *Ethernet) servoOptions(host string, dict *register.Dictionary) servo.Options {
	o := n.opts.Servo
	o.Name = host
	o.Dictionary = dict
	if o.Bootstrap == nil {
		axes := 1
		if dict != nil && dict.Axes() > 1 {
			axes = dict.Axes()
		}
		o.Bootstrap = register.MCBBootstrap(axes)
	}
	if o.Logger == nil {
		o.Logger = n.log
	}
	return o
}

// dial opens a session to host and checks that the drive answers.
func (n *Ethernet) dial(ctx context.Context, host string, dict *register.Dictionary) (*servo.Servo, error) {
	client, err := mcb.Dial(ctx, n.opts.Protocol, n.addr(host), n.opts.Timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectionFailed, host, err)
	}
	s := servo.New(servo.NewMCBTransport(client), n.servoOptions(host, dict))
	if _, err := s.StatusWord(ctx, 1); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectionFailed, host, err)
	}
	return s, nil
}

// ConnectToSlave binds a servo session to the drive at host.
func (n *Ethernet) ConnectToSlave(ctx context.Context, host string, dict *register.Dictionary) (*servo.Servo, error) {
	s, err := n.dial(ctx, host, dict)
	if err != nil {
		return nil, err
	}
	n.sup.add(host, s)
	n.sup.start(n.opts.Ping)
	n.log.Info("connected", "host", host)
	return s, nil
}

// DisconnectFromSlave stops and closes s.
func (n *Ethernet) DisconnectFromSlave(s *servo.Servo) error {
	s.StopStatusListener()
	err := s.Close()
	host, left, ok := n.sup.remove(s)
	if !ok {
		return err
	}
	n.log.Info("disconnected", "host", host)
	if left == 0 {
		n.sup.stop()
	}
	return err
}

// Servos returns the connected sessions.
func (n *Ethernet) Servos() []*servo.Servo { return n.sup.servos() }

// Status returns the liveness of host and whether it is connected.
func (n *Ethernet) Status(host string) (Status, bool) { return n.sup.get(host) }

// SubscribeToStatus registers cb for liveness changes of host.
func (n *Ethernet) SubscribeToStatus(host string, cb func(Status)) notify.Handle {
	return n.sup.subscribe(host, cb)
}

// UnsubscribeFromStatus removes a liveness subscription.
func (n *Ethernet) UnsubscribeFromStatus(host string, h notify.Handle) bool {
	return n.sup.unsubscribe(host, h)
}

// Close disconnects every servo.
func (n *Ethernet) Close() error {
	var errs []error
	for _, s := range n.sup.servos() {
		errs = append(errs, n.DisconnectFromSlave(s))
	}
	n.sup.stop()
	return errors.Join(errs...)
}

// LoadFirmware forces the drive at host into its bootloader and uploads the
// image file over FTP. Sessions bound to host are stale afterwards.
func (n *Ethernet) LoadFirmware(ctx context.Context, host, path string, cb firmware.Callbacks) error {
	err := n.loadFirmware(ctx, host, path, cb)
	if err != nil {
		n.log.Error("firmware load failed", "host", host, "error", err)
		if cb.Error != nil {
			cb.Error(err)
		}
	}
	return err
}

func (n *Ethernet) loadFirmware(ctx context.Context, host, path string, cb firmware.Callbacks) error {
	status := func(msg string) {
		if cb.Status != nil {
			cb.Status(msg)
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return &firmware.LoadError{Step: "image", Err: err}
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return &firmware.LoadError{Step: "image", Err: err}
	}

	status("forcing bootloader")
	if err := n.forceBoot(ctx, host); err != nil {
		return &firmware.LoadError{Step: "force boot", Err: err}
	}

	status("connecting to bootloader")
	conn, err := n.dialFTP(ctx, host)
	if err != nil {
		return &firmware.LoadError{Step: "ftp connect", Err: err}
	}
	defer conn.Quit()
	if err := conn.Login(n.opts.FTPUser, n.opts.FTPPassword); err != nil {
		return &firmware.LoadError{Step: "ftp login", Err: err}
	}
	if err := conn.Type(ftp.TransferTypeBinary); err != nil {
		return &firmware.LoadError{Step: "ftp type", Err: err}
	}

	status("uploading image")
	r := &progressReader{r: f, total: info.Size(), progress: cb.Progress, last: -1}
	if err := conn.Stor(filepath.Base(path), r); err != nil {
		return &firmware.LoadError{Step: "ftp upload", Err: err}
	}
	status("done")
	n.log.Info("firmware uploaded", "host", host, "bytes", info.Size())
	return nil
}

// forceBoot writes the force boot password through a bound or temporary
// session. The drive resets while answering, so a failed write is only
// logged.
func (n *Ethernet) forceBoot(ctx context.Context, host string) error {
	s := n.sup.lookup(host)
	if s == nil {
		client, err := mcb.Dial(ctx, n.opts.Protocol, n.addr(host), n.opts.Timeout)
		if err != nil {
			return err
		}
		s = servo.New(servo.NewMCBTransport(client), n.servoOptions(host, nil))
		defer s.Close()
	}
	if err := s.Write(ctx, register.ForceBoot, register.ForceBootPassword, 0); err != nil {
		n.log.Debug("force boot write", "host", host, "error", err)
	}
	return nil
}

// dialFTP retries until the bootloader's FTP server accepts a connection.
func (n *Ethernet) dialFTP(ctx context.Context, host string) (*ftp.ServerConn, error) {
	ctx, cancel := context.WithTimeout(ctx, n.opts.BootTimeout)
	defer cancel()
	addr := net.JoinHostPort(host, strconv.Itoa(n.opts.FTPPort))
	for {
		conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(n.opts.Timeout))
		if err == nil {
			return conn, nil
		}
		n.log.Debug("ftp dial", "addr", addr, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", servo.ErrTimeout, addr, err)
		case <-time.After(200 * time.Millisecond):
		}
	}
}

type progressReader struct {
	r        io.Reader
	total    int64
	done     int64
	last     int
	progress func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.done += int64(n)
	if p.progress != nil && p.total > 0 {
		if pct := int(p.done * 100 / p.total); pct != p.last {
			p.last = pct
			p.progress(pct)
		}
	}
	return n, err
}
