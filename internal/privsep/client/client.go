// Package client is a client to the privsep server.
package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/pcekm/fprobe/internal/privsep/messages"
	"github.com/pcekm/fprobe/internal/util"
)

// Client is the client for the privsep server.
type Client struct {
	in            io.ReadCloser
	inb           *bufio.Reader
	openSockReply chan messages.OpenSocketReply

	mu      sync.Mutex
	out     io.WriteCloser
	sockets map[messages.SocketID]*Socket
}

// New creates a new client reading/writing the given pipes.
func New(in io.ReadCloser, out io.WriteCloser) *Client {
	c := &Client{
		in:            in,
		inb:           bufio.NewReader(in),
		out:           out,
		openSockReply: make(chan messages.OpenSocketReply),
		sockets:       make(map[messages.SocketID]*Socket),
	}
	go c.inputDemux()
	return c
}

// Close closes the client's pipes.
func (c *Client) Close() error {
	return errors.Join(c.in.Close(), c.out.Close())
}

// SocketOptions carries the socket-level options applied before the
// server hands a newly opened socket back to the client.
type SocketOptions struct {
	TOS       int
	FWMark    int
	BindIface string
}

// NewSocket asks the privileged server to open a shared raw socket for
// ipVer, configured per opts, and returns a handle to it.
func (c *Client) NewSocket(ipVer util.IPVersion, opts SocketOptions) (*Socket, error) {
	if err := c.sendMessage(messages.OpenSocket{
		IPVer:     ipVer,
		TOS:       opts.TOS,
		FWMark:    opts.FWMark,
		BindIface: opts.BindIface,
	}); err != nil {
		return nil, err
	}
	reply := <-c.openSockReply
	if reply.Err != "" {
		return nil, fmt.Errorf("privsep: server failed to open socket: %s", reply.Err)
	}
	sock := &Socket{
		client: c,
		id:     reply.ID,
		echoID: reply.EchoID,
		// Buffered so the server's write doesn't block on a slow reader.
		recv: make(chan messages.PacketReceived, 64),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sockets[reply.ID] = sock
	return sock, nil
}

// Shutdown tells the server to exit.
func (c *Client) Shutdown() error {
	return c.sendMessage(messages.Shutdown{})
}

func (c *Client) sendMessage(msg messages.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := msg.WriteTo(c.out); err != nil {
		return fmt.Errorf("error writing to server: %v", err)
	}
	return nil
}

// inputDemux reads every message from the server and routes it to the
// right socket (or the pending open-reply channel).
func (c *Client) inputDemux() {
	for {
		msg, err := messages.ReadMessage(c.inb)
		if err != nil {
			if !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.EOF) {
				log.Printf("Error reading from privsep server: %v", err)
			}
			return
		}
		switch msg := msg.(type) {
		case messages.OpenSocketReply:
			c.openSockReply <- msg
		case messages.PacketReceived:
			c.handlePacketReceived(msg)
		default:
			log.Printf("Unknown message read from privsep server: %#v", msg)
		}
	}
}

func (c *Client) handlePacketReceived(msg messages.PacketReceived) {
	c.mu.Lock()
	sock, ok := c.sockets[msg.ID]
	c.mu.Unlock()
	if !ok {
		log.Printf("Packet for unknown socket %v", msg.ID)
		return
	}
	sock.recv <- msg
}
