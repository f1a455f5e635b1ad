package privsep

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pcekm/fprobe/internal/engine"
	"github.com/pcekm/fprobe/internal/privsep/client"
	"github.com/pcekm/fprobe/internal/socket"
	"github.com/pcekm/fprobe/internal/util"
)

// Transport implements engine.Transport over sockets proxied through the
// privileged server, for platforms where opening a raw ICMP socket directly
// requires root. It mirrors engine's own socketTransport: a packet channel
// fed by one reader goroutine per open client.Socket, fanned in so the
// engine's single-threaded loop can still Wait on both families at once.
type Transport struct {
	v4 *client.Socket
	v6 *client.Socket

	packets chan socket.Packet
	done    chan struct{}
}

// NewTransport asks c to open whichever of the v4/v6 shared sockets the
// caller requests, applying opts to each.
func NewTransport(c *client.Client, wantV4, wantV6 bool, opts client.SocketOptions) (*Transport, error) {
	t := &Transport{
		packets: make(chan socket.Packet, 64),
		done:    make(chan struct{}),
	}
	if wantV4 {
		sock, err := c.NewSocket(util.IPv4, opts)
		if err != nil {
			return nil, fmt.Errorf("privsep: opening IPv4 socket: %v", err)
		}
		t.v4 = sock
		go t.readLoop(util.IPv4, sock)
	}
	if wantV6 {
		sock, err := c.NewSocket(util.IPv6, opts)
		if err != nil {
			return nil, fmt.Errorf("privsep: opening IPv6 socket: %v", err)
		}
		t.v6 = sock
		go t.readLoop(util.IPv6, sock)
	}
	return t, nil
}

func (t *Transport) readLoop(family util.IPVersion, sock *client.Socket) {
	ctx := context.Background()
	for {
		data, peer, err := sock.RecvFrom(ctx)
		if err != nil {
			// The only error RecvFrom returns is ErrTimeout, which can't
			// happen against a context that's never canceled.
			return
		}
		select {
		case t.packets <- socket.Packet{Family: family, Data: data, Peer: peer}:
		case <-t.done:
			return
		}
	}
}

// SendTo implements engine.Transport.
func (t *Transport) SendTo(family util.IPVersion, b []byte, dest net.Addr, ttl int) error {
	sock := t.socketFor(family)
	if sock == nil {
		return fmt.Errorf("privsep: no open socket for %v", family)
	}
	return sock.SendTo(b, dest, ttl)
}

// Wait implements engine.Transport. As with socket.Mux.Wait, a zero deadline
// means poll once and return immediately if nothing is already queued.
func (t *Transport) Wait(ctx context.Context, deadline time.Time) (socket.Packet, bool, error) {
	if deadline.IsZero() {
		select {
		case p := <-t.packets:
			return p, true, nil
		case <-ctx.Done():
			return socket.Packet{}, false, ctx.Err()
		default:
			return socket.Packet{}, false, nil
		}
	}
	d := time.Until(deadline)
	if d <= 0 {
		return socket.Packet{}, false, nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	timeoutCh := timer.C
	select {
	case p := <-t.packets:
		return p, true, nil
	case <-timeoutCh:
		return socket.Packet{}, false, nil
	case <-ctx.Done():
		return socket.Packet{}, false, ctx.Err()
	}
}

// EchoID implements engine.Transport.
func (t *Transport) EchoID(family util.IPVersion) int {
	sock := t.socketFor(family)
	if sock == nil {
		return 0
	}
	return sock.EchoID()
}

// Close implements engine.Transport. The privileged server closes the
// underlying sockets when the client pipe shuts down, so this just stops
// the reader goroutines from feeding a transport nobody drains anymore.
func (t *Transport) Close() {
	close(t.done)
}

func (t *Transport) socketFor(family util.IPVersion) *client.Socket {
	if family == util.IPv4 {
		return t.v4
	}
	return t.v6
}

var _ engine.Transport = (*Transport)(nil)
