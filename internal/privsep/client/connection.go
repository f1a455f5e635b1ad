package client

import (
	"context"
	"errors"
	"net"

	"github.com/pcekm/fprobe/internal/privsep/messages"
	"github.com/pcekm/fprobe/internal/util"
)

// ErrTimeout is returned by Socket.RecvFrom when ctx is done before a
// packet arrives.
var ErrTimeout = errors.New("privsep client: receive timeout")

// Socket is a client-side handle to a raw socket the privileged server
// opened on our behalf. It stands in for internal/socket.Socket's
// SendTo/RecvFrom surface so engine.Transport can wrap either one
// uniformly.
type Socket struct {
	client *Client
	id     messages.SocketID
	echoID int
	recv   chan messages.PacketReceived
}

// ID returns the server-assigned socket id, exposed for tests.
func (s *Socket) ID() messages.SocketID { return s.id }

// EchoID returns the ICMP identifier the server's underlying socket stamps
// on outgoing requests.
func (s *Socket) EchoID() int { return s.echoID }

// SendTo asks the server to transmit data to dest with the given TTL
// (0 means leave the socket's existing TTL alone).
func (s *Socket) SendTo(data []byte, dest net.Addr, ttl int) error {
	return s.client.sendMessage(messages.SendPacket{
		ID:   s.id,
		Data: data,
		Addr: util.IP(dest),
		TTL:  ttl,
	})
}

// RecvFrom blocks until a packet the server forwarded for this socket
// arrives or ctx is done.
func (s *Socket) RecvFrom(ctx context.Context) ([]byte, net.Addr, error) {
	select {
	case msg := <-s.recv:
		return msg.Data, &net.IPAddr{IP: msg.Peer}, nil
	case <-ctx.Done():
		return nil, nil, ErrTimeout
	}
}
