// Package socket owns the two shared ICMP sockets (one per IP family) the
// probing engine sends on and receives from, plus the bounded multiplexer
// that lets the engine's single-threaded loop wait on both at once.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pcekm/fprobe/internal/util"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/time/rate"
)

const (
	icmpV4ProtoNum = 1
	icmpV6ProtoNum = 58
	maxPacket      = 1500
)

// ErrTimeout is returned by RecvFrom when no packet arrives before the
// requested deadline.
var ErrTimeout = errors.New("socket: read timeout")

// Socket is a single shared ICMP socket for one IP family. All hosts of
// that family send through and receive from the same Socket; per spec
// there are exactly two of these for a run (one per family actually in
// use).
type Socket struct {
	family   util.IPVersion
	protoNum int
	echoID   int
	limiter  *rate.Limiter

	ttlMu sync.Mutex
	conn  net.PacketConn
	file  *os.File // kept alive alongside conn; nil on platforms that don't need it
}

// Open creates the shared socket for ipVer. rateLimit is the maximum sustained
// send rate in packets/sec (0 disables limiting, used in tests).
func Open(ipVer util.IPVersion, rateLimit float64) (*Socket, error) {
	protoNum := icmpV4ProtoNum
	if ipVer == util.IPv6 {
		protoNum = icmpV6ProtoNum
	}
	conn, file, err := newConn(ipVer)
	if err != nil {
		return nil, fmt.Errorf("socket: listen %v: %v", ipVer, err)
	}
	limit := rate.Limit(rateLimit)
	if rateLimit <= 0 {
		limit = rate.Inf
	}
	return &Socket{
		family:   ipVer,
		protoNum: protoNum,
		echoID:   pingID(conn),
		limiter:  rate.NewLimiter(limit, 1),
		conn:     conn,
		file:     file,
	}, nil
}

// Family returns the IP version this socket carries.
func (s *Socket) Family() util.IPVersion { return s.family }

// ProtoNum returns the IP protocol number to pass to icmp.ParseMessage-style
// decoders (1 for ICMPv4, 58 for ICMPv6).
func (s *Socket) ProtoNum() int { return s.protoNum }

// EchoID returns the ICMP identifier field this socket's outgoing requests
// must carry, fixed for the life of the socket.
func (s *Socket) EchoID() int { return s.echoID }

// Close closes the underlying connection.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// SendTo writes a raw ICMP packet to dest, honoring the send rate limit. It
// returns immediately with an error rather than blocking if the limiter's
// burst is exhausted, rather than stall the event loop here; the engine
// records such a probe as a send error and does not retry it.
func (s *Socket) SendTo(b []byte, dest net.Addr, ttl int) error {
	if !s.limiter.Allow() {
		return fmt.Errorf("socket: send rate exceeded")
	}
	dest = wrangleAddr(dest)
	if ttl > 0 {
		return s.sendWithTTL(b, dest, ttl)
	}
	_, err := s.conn.WriteTo(b, dest)
	return err
}

func (s *Socket) sendWithTTL(b []byte, dest net.Addr, ttl int) error {
	s.ttlMu.Lock()
	defer s.ttlMu.Unlock()
	orig, err := s.ttl()
	if err != nil {
		return fmt.Errorf("socket: get ttl: %v", err)
	}
	defer func() {
		if err := s.setTTL(orig); err != nil {
			// Restoring a socket option after send can only fail if the
			// socket itself is already broken; the next send will surface
			// that.
			_ = err
		}
	}()
	if err := s.setTTL(ttl); err != nil {
		return fmt.Errorf("socket: set ttl: %v", err)
	}
	_, err = s.conn.WriteTo(b, dest)
	return err
}

// RecvFrom blocks until a packet arrives, ctx is canceled, or deadline
// elapses, whichever comes first.
func (s *Socket) RecvFrom(ctx context.Context, deadline time.Time) ([]byte, net.Addr, error) {
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, err
	}
	buf := make([]byte, maxPacket)
	n, peer, err := s.conn.ReadFrom(buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, peer, ErrTimeout
		}
		return nil, peer, fmt.Errorf("socket: read: %v", err)
	}
	return buf[:n], peer, nil
}

// ipv4PacketConn and ipv6PacketConn wrap the raw net.PacketConn so the TTL
// and hop limit can be read and set through golang.org/x/net, regardless of
// which platform-specific syscalls were used to create the underlying fd.
func ipv4PacketConn(c net.PacketConn) *ipv4.PacketConn { return ipv4.NewPacketConn(c) }
func ipv6PacketConn(c net.PacketConn) *ipv6.PacketConn { return ipv6.NewPacketConn(c) }

// SetTOS sets the outgoing IP_TOS (v4) or IPV6_TCLASS (v6) value for every
// packet this socket sends from now on, unlike the TTL override SendTo
// takes per-call.
func (s *Socket) SetTOS(tos int) error {
	switch s.protoNum {
	case icmpV4ProtoNum:
		return ipv4PacketConn(s.conn).SetTOS(tos)
	case icmpV6ProtoNum:
		return ipv6PacketConn(s.conn).SetTrafficClass(tos)
	default:
		return fmt.Errorf("socket: invalid proto num: %d", s.protoNum)
	}
}
