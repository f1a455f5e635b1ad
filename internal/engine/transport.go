package engine

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pcekm/fprobe/internal/socket"
	"github.com/pcekm/fprobe/internal/util"
)

// Transport is the narrow send/receive capability the engine needs from the
// socket layer, kept as an interface so tests can drive the loop without
// opening real ICMP sockets.
type Transport interface {
	SendTo(family util.IPVersion, b []byte, dest net.Addr, ttl int) error
	Wait(ctx context.Context, deadline time.Time) (socket.Packet, bool, error)
	EchoID(family util.IPVersion) int
	Close()
}

// socketTransport wires Transport to the real shared v4/v6 sockets and
// their multiplexer.
type socketTransport struct {
	v4  *socket.Socket
	v6  *socket.Socket
	mux *socket.Mux
}

// SocketOptions carries the socket-level knobs Config exposes that apply
// once at open time rather than per packet (only TTL travels with each send
// instead, via Transport.SendTo).
type SocketOptions struct {
	TOS       int
	FWMark    int
	BindIface string
}

// apply sets every non-zero option on sock, best-effort: platforms that
// can't support an option (SO_MARK/SO_BINDTODEVICE outside Linux) silently
// no-op rather than failing the whole run over an option that never had a
// portable equivalent to begin with.
func (o SocketOptions) apply(sock *socket.Socket) error {
	if o.TOS != 0 {
		if err := sock.SetTOS(o.TOS); err != nil {
			return fmt.Errorf("setting TOS: %v", err)
		}
	}
	if o.FWMark != 0 {
		if err := sock.SetFWMark(o.FWMark); err != nil {
			return fmt.Errorf("setting fwmark: %v", err)
		}
	}
	if o.BindIface != "" {
		if err := sock.BindToDevice(o.BindIface); err != nil {
			return fmt.Errorf("binding to interface %q: %v", o.BindIface, err)
		}
	}
	return nil
}

// NewSocketTransport opens whichever of the v4/v6 shared sockets the caller
// requests and starts the multiplexer over them. Pass wantV4/wantV6 false to
// skip a family entirely (e.g. an IPv4-only run never opens a v6 socket).
func NewSocketTransport(wantV4, wantV6 bool, rateLimit float64, opts SocketOptions) (Transport, error) {
	var v4, v6 *socket.Socket
	var err error
	if wantV4 {
		v4, err = socket.Open(util.IPv4, rateLimit)
		if err != nil {
			return nil, fmt.Errorf("engine: opening IPv4 socket: %v", err)
		}
		if err := opts.apply(v4); err != nil {
			v4.Close()
			return nil, fmt.Errorf("engine: configuring IPv4 socket: %v", err)
		}
	}
	if wantV6 {
		v6, err = socket.Open(util.IPv6, rateLimit)
		if err != nil {
			if v4 != nil {
				v4.Close()
			}
			return nil, fmt.Errorf("engine: opening IPv6 socket: %v", err)
		}
		if err := opts.apply(v6); err != nil {
			v6.Close()
			if v4 != nil {
				v4.Close()
			}
			return nil, fmt.Errorf("engine: configuring IPv6 socket: %v", err)
		}
	}
	return &socketTransport{v4: v4, v6: v6, mux: socket.NewMux(v4, v6)}, nil
}

func (t *socketTransport) SendTo(family util.IPVersion, b []byte, dest net.Addr, ttl int) error {
	s := t.socketFor(family)
	if s == nil {
		return fmt.Errorf("engine: no open socket for %v", family)
	}
	return s.SendTo(b, dest, ttl)
}

func (t *socketTransport) Wait(ctx context.Context, deadline time.Time) (socket.Packet, bool, error) {
	return t.mux.Wait(ctx, deadline)
}

func (t *socketTransport) EchoID(family util.IPVersion) int {
	s := t.socketFor(family)
	if s == nil {
		return 0
	}
	return s.EchoID()
}

func (t *socketTransport) Close() {
	t.mux.Close()
	if t.v4 != nil {
		t.v4.Close()
	}
	if t.v6 != nil {
		t.v6.Close()
	}
}

func (t *socketTransport) socketFor(family util.IPVersion) *socket.Socket {
	if family == util.IPv4 {
		return t.v4
	}
	return t.v6
}
