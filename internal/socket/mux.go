package socket

import (
	"context"
	"net"
	"time"

	"github.com/pcekm/fprobe/internal/util"
)

// Packet is one datagram read off either shared socket, tagged with the
// family it arrived on so the engine can hand it to the right codec.
type Packet struct {
	Family util.IPVersion
	Data   []byte
	Peer   net.Addr
}

// Mux waits on up to two shared sockets (one per IP family) at once. The
// engine's own loop stays single-threaded: the only concurrency here is a
// reader goroutine per open socket, each blocked in its own ReadFrom and
// forwarding to one shared channel that Wait drains from. This is the
// Go-idiomatic stand-in for a select(2)/poll(2) wait across descriptors,
// which net.PacketConn has no portable equivalent of.
type Mux struct {
	packets chan Packet
	errs    chan error
	done    chan struct{}
}

// NewMux starts reader goroutines for every non-nil socket in socks.
func NewMux(socks ...*Socket) *Mux {
	m := &Mux{
		packets: make(chan Packet, 64),
		errs:    make(chan error, len(socks)),
		done:    make(chan struct{}),
	}
	for _, s := range socks {
		if s == nil {
			continue
		}
		go m.readLoop(s)
	}
	return m
}

func (m *Mux) readLoop(s *Socket) {
	ctx := context.Background()
	for {
		select {
		case <-m.done:
			return
		default:
		}
		data, peer, err := s.RecvFrom(ctx, time.Now().Add(time.Second))
		if err != nil {
			if err == ErrTimeout {
				continue
			}
			select {
			case m.errs <- err:
			case <-m.done:
			}
			return
		}
		select {
		case m.packets <- Packet{Family: s.Family(), Data: data, Peer: peer}:
		case <-m.done:
			return
		}
	}
}

// Wait blocks until a packet arrives on either socket, the deadline passes,
// or ctx is canceled. A zero deadline means poll once and return
// immediately if nothing is already queued, for draining already-queued
// packets without blocking.
func (m *Mux) Wait(ctx context.Context, deadline time.Time) (Packet, bool, error) {
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return Packet{}, false, nil
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case p := <-m.packets:
			return p, true, nil
		case err := <-m.errs:
			return Packet{}, false, err
		case <-timer.C:
			return Packet{}, false, nil
		case <-ctx.Done():
			return Packet{}, false, ctx.Err()
		}
	}

	select {
	case p := <-m.packets:
		return p, true, nil
	case err := <-m.errs:
		return Packet{}, false, err
	case <-ctx.Done():
		return Packet{}, false, ctx.Err()
	default:
		return Packet{}, false, nil
	}
}

// Close stops the reader goroutines. Safe to call once.
func (m *Mux) Close() {
	close(m.done)
}
