package client

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"os"
	"testing"
	"time"

	"github.com/pcekm/fprobe/internal/privsep/messages"
	"github.com/pcekm/fprobe/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type messageHandler func(messages.Message) messages.Message

type fakeServer struct {
	in  io.ReadCloser
	inb *bufio.Reader
	out io.WriteCloser

	handler messageHandler
}

func newFakeServer(in io.ReadCloser, out io.WriteCloser, handler messageHandler) *fakeServer {
	return &fakeServer{in: in, inb: bufio.NewReader(in), out: out, handler: handler}
}

func (s *fakeServer) Close() error {
	return errors.Join(s.in.Close(), s.out.Close())
}

func (s *fakeServer) Run() {
	for {
		in, err := messages.ReadMessage(s.inb)
		if err != nil {
			return
		}
		if out := s.handler(in); out != nil {
			if _, err := out.WriteTo(s.out); err != nil {
				log.Printf("WriteTo: %v", err)
				return
			}
		}
	}
}

// makeCSPair wires up a connected Client and fakeServer over os.Pipe, the
// same harness shape the teacher used for its client/server protocol tests.
func makeCSPair(t *testing.T, handler messageHandler) (*Client, *fakeServer) {
	t.Helper()
	fromClient, toServer, err := os.Pipe()
	require.NoError(t, err)
	fromServer, toClient, err := os.Pipe()
	require.NoError(t, err)

	srv := newFakeServer(fromClient, toClient, handler)
	go srv.Run()

	c := New(fromServer, toServer)
	t.Cleanup(func() {
		c.Close()
		srv.Close()
	})
	return c, srv
}

func TestNewSocketReturnsAssignedID(t *testing.T) {
	c, _ := makeCSPair(t, func(msg messages.Message) messages.Message {
		req, ok := msg.(messages.OpenSocket)
		if !ok {
			return nil
		}
		assert.Equal(t, util.IPv4, req.IPVer)
		return messages.OpenSocketReply{ID: 7}
	})

	sock, err := c.NewSocket(util.IPv4, SocketOptions{})
	require.NoError(t, err)
	assert.Equal(t, messages.SocketID(7), sock.ID())
}

func TestNewSocketPropagatesServerError(t *testing.T) {
	c, _ := makeCSPair(t, func(msg messages.Message) messages.Message {
		if _, ok := msg.(messages.OpenSocket); ok {
			return messages.OpenSocketReply{Err: "permission denied"}
		}
		return nil
	})

	_, err := c.NewSocket(util.IPv6, SocketOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestSocketRecvFromDeliversServerPushedPacket(t *testing.T) {
	c, _ := makeCSPair(t, func(msg messages.Message) messages.Message {
		switch msg := msg.(type) {
		case messages.OpenSocket:
			return messages.OpenSocketReply{ID: 1}
		case messages.SendPacket:
			return messages.PacketReceived{
				ID:   msg.ID,
				Data: []byte("reply"),
				Peer: net.ParseIP("203.0.113.1"),
			}
		}
		return nil
	})

	sock, err := c.NewSocket(util.IPv4, SocketOptions{})
	require.NoError(t, err)
	require.NoError(t, sock.SendTo([]byte("ping"), &net.IPAddr{IP: net.ParseIP("203.0.113.1")}, 64))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, peer, err := sock.RecvFrom(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("reply"), data)
	assert.Equal(t, "203.0.113.1", peer.(*net.IPAddr).IP.String())
}

func TestSocketRecvFromTimesOutOnContextCancel(t *testing.T) {
	c, _ := makeCSPair(t, func(msg messages.Message) messages.Message {
		if _, ok := msg.(messages.OpenSocket); ok {
			return messages.OpenSocketReply{ID: 1}
		}
		return nil
	})

	sock, err := c.NewSocket(util.IPv4, SocketOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err = sock.RecvFrom(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
}
