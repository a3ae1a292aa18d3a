package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const protocolICMP = 1

// Ping sends one ICMP echo request to host and waits for the reply. It uses
// an unprivileged datagram socket when the host allows it and falls back to
// a raw socket.
func Ping(ctx context.Context, host string, timeout time.Duration) error {
	ip, err := resolveIPv4(ctx, host)
	if err != nil {
		return err
	}
	network, dst := "udp4", net.Addr(&net.UDPAddr{IP: ip})
	conn, err := icmp.ListenPacket(network, "0.0.0.0")
	if err != nil {
		network, dst = "ip4:icmp", &net.IPAddr{IP: ip}
		if conn, err = icmp.ListenPacket(network, "0.0.0.0"); err != nil {
			return fmt.Errorf("ping: %w", err)
		}
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	id := os.Getpid() & 0xFFFF
	seq := int(time.Now().UnixNano() & 0xFFFF)
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte("servolink")},
	}
	b, err := msg.Marshal(nil)
	if err != nil {
		return err
	}
	if _, err := conn.WriteTo(b, dst); err != nil {
		return fmt.Errorf("ping %s: %w", host, err)
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("ping %s: %w", host, err)
		}
		reply, err := icmp.ParseMessage(protocolICMP, buf[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		if !ok || echo.Seq != seq || !sameIP(peer, ip) {
			continue
		}
		// Datagram sockets rewrite the identifier, so it is only checked on
		// raw sockets.
		if network == "ip4:icmp" && echo.ID != id {
			continue
		}
		return nil
	}
}

func resolveIPv4(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
		return nil, fmt.Errorf("ping: %s is not IPv4", host)
	}
	addrs, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, errors.New("ping: no address for " + host)
	}
	return addrs[0].To4(), nil
}

func sameIP(a net.Addr, ip net.IP) bool {
	switch x := a.(type) {
	case *net.UDPAddr:
		return x.IP.Equal(ip)
	case *net.IPAddr:
		return x.IP.Equal(ip)
	}
	return false
}
