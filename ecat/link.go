package ecat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
)

// UDPPort is the port EtherCAT frames use when tunnelled over UDP.
const UDPPort = 0x88A4

// DefaultGroup is the multicast group frames are sent to when none is
// configured.
var DefaultGroup = net.IPv4(239, 255, 136, 164)

const udpReceiveBuflen = 1500

var (
	// ErrFrameLost reports a frame that did not come back in time.
	ErrFrameLost = errors.New("ecat: frame did not arrive")
	// ErrLinkClosed is returned by a closed link.
	ErrLinkClosed = errors.New("ecat: link closed")
)

// Link carries one encoded frame around the segment and returns the frame as
// it left the last slave.
type Link interface {
	Roundtrip(ctx context.Context, frame []byte) ([]byte, error)
	Close() error
}

// UDPLink sends frames to a multicast group on a given interface and waits
// for the processed frame to come back.
type UDPLink struct {
	sock    *net.UDPConn
	mcsock  *ipv4.PacketConn
	group   *net.UDPAddr
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	buf    []byte
}

// ListenUDP joins group on iface. timeout bounds a single roundtrip.
func ListenUDP(iface *net.Interface, group net.IP, timeout time.Duration) (*UDPLink, error) {
	if group == nil {
		group = DefaultGroup
	}
	sock, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: UDPPort})
	if err != nil {
		return nil, err
	}
	l := &UDPLink{
		sock:    sock,
		mcsock:  ipv4.NewPacketConn(sock),
		group:   &net.UDPAddr{IP: group, Port: UDPPort},
		timeout: timeout,
		buf:     make([]byte, udpReceiveBuflen),
	}
	if err := l.mcsock.SetMulticastInterface(iface); err != nil {
		sock.Close()
		return nil, fmt.Errorf("ecat: multicast interface: %w", err)
	}
	if err := l.mcsock.JoinGroup(iface, &net.UDPAddr{IP: group}); err != nil {
		sock.Close()
		return nil, fmt.Errorf("ecat: join group %v: %w", group, err)
	}
	if err := l.mcsock.SetMulticastLoopback(false); err != nil {
		sock.Close()
		return nil, fmt.Errorf("ecat: multicast loopback: %w", err)
	}
	return l, nil
}

// Roundtrip sends frame and returns the first well-formed frame received
// before the timeout. A timeout is reported as ErrFrameLost.
func (l *UDPLink) Roundtrip(ctx context.Context, frame []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLinkClosed
	}

	deadline := time.Now().Add(l.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if _, err := l.sock.WriteTo(frame, l.group); err != nil {
		return nil, err
	}
	if err := l.sock.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { l.sock.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		n, _, err := l.sock.ReadFromUDP(l.buf)
		if isTimeout(err) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrFrameLost
		}
		if err != nil {
			return nil, err
		}
		if _, err := ParseFrame(l.buf[:n]); err != nil {
			// discard malformed frames
			continue
		}
		return append([]byte(nil), l.buf[:n]...), nil
	}
}

// Close leaves the group and closes the socket.
func (l *UDPLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.sock.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
