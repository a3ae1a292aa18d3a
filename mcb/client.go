package mcb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// ErrTimeout is returned when a drive does not answer in time.
var ErrTimeout = errors.New("mcb: timeout")

// Client exchanges MCB request/response pairs with one drive. Requests are
// serialized; UDP and TCP are supported.
type Client struct {
	conn    net.Conn
	stream  bool
	timeout time.Duration

	mu sync.Mutex
}

// Dial connects to address over network ("udp" or "tcp"). A missing port
// defaults to DefaultPort. timeout bounds each request.
func Dial(ctx context.Context, network, address string, timeout time.Duration) (*Client, error) {
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, strconv.Itoa(DefaultPort))
	}
	var stream bool
	switch network {
	case "udp", "udp4", "udp6":
	case "tcp", "tcp4", "tcp6":
		stream = true
	default:
		return nil, fmt.Errorf("mcb: unsupported network %q", network)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, stream: stream, timeout: timeout}, nil
}

// RemoteAddr returns the drive address.
func (c *Client) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Read requests the value at address on subnode.
func (c *Client) Read(ctx context.Context, subnode uint8, address uint16) ([]byte, error) {
	req, err := Build(CmdRead, subnode, address, nil)
	if err != nil {
		return nil, err
	}
	return c.exchange(ctx, req, address)
}

// Write stores data at address on subnode.
func (c *Client) Write(ctx context.Context, subnode uint8, address uint16, data []byte) error {
	req, err := Build(CmdWrite, subnode, address, data)
	if err != nil {
		return err
	}
	_, err = c.exchange(ctx, req, address)
	return err
}

func (c *Client) exchange(ctx context.Context, req []byte, address uint16) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Time{}
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if _, err := c.conn.Write(req); err != nil {
		return nil, c.wrap(ctx, err)
	}
	resp, err := c.readFrame()
	if err != nil {
		return nil, c.wrap(ctx, err)
	}
	return Response(resp, address)
}

func (c *Client) readFrame() ([]byte, error) {
	if !c.stream {
		buf := make([]byte, 2048)
		n, err := c.conn.Read(buf)
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	}
	head := make([]byte, FrameSize)
	if _, err := io.ReadFull(c.conn, head); err != nil {
		return nil, err
	}
	n := extendedSize(head)
	if n == 0 {
		return head, nil
	}
	buf := make([]byte, FrameSize+n)
	copy(buf, head)
	if _, err := io.ReadFull(c.conn, buf[FrameSize:]); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *Client) wrap(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %s", ErrTimeout, c.conn.RemoteAddr())
	}
	return err
}
