package privsep

import (
	"bufio"
	"io"
	"net"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/pcekm/fprobe/internal/codec"
	"github.com/pcekm/fprobe/internal/privsep/messages"
	"github.com/pcekm/fprobe/internal/util"
)

type serverHarness struct {
	t       *testing.T
	srv     *Server
	srvDone chan any
	out     io.WriteCloser
	in      io.ReadCloser
	inb     *bufio.Reader
}

func newServerHarness(t *testing.T) *serverHarness {
	deadline := time.Now().Add(5 * time.Second)
	fromServer, toServer, err := os.Pipe()
	if err != nil {
		t.Fatalf("Error creating pipe: %v", err)
	}
	fromServer.SetDeadline(deadline)
	toServer.SetDeadline(deadline)
	fromClient, toClient, err := os.Pipe()
	if err != nil {
		t.Fatalf("Error creating pipe: %v", err)
	}
	fromClient.SetDeadline(deadline)
	toClient.SetDeadline(deadline)
	srv := newServer()
	srv.in = fromClient
	srv.out = toServer
	srvDone := make(chan any)
	return &serverHarness{
		t:       t,
		srv:     srv,
		srvDone: srvDone,
		in:      fromServer,
		inb:     bufio.NewReader(fromServer),
		out:     toClient,
	}
}

func (h *serverHarness) Run() {
	h.srv.run()
	close(h.srvDone)
}

// DoneWriting closes the output pipe, and waits for the server to exit.
func (h *serverHarness) DoneWriting() {
	if h.out == nil {
		return
	}
	if err := h.out.Close(); err != nil {
		h.t.Errorf("Error closing out pipe: %v", err)
	}
	h.out = nil
	select {
	case <-h.srvDone:
	case <-time.After(5 * time.Second):
		h.t.Errorf("Timed out waiting for server to exit.")
	}
}

func (h *serverHarness) Close() {
	h.DoneWriting()
	if err := h.srv.Close(); err != nil {
		h.t.Errorf("Error closing server: %v", err)
	}
	if err := h.in.Close(); err != nil {
		h.t.Errorf("Error closing in pipe: %v", err)
	}
}

func (h *serverHarness) Write(msg messages.Message) {
	if _, err := msg.WriteTo(h.out); err != nil {
		h.t.Errorf("Error sending message: %v", err)
	}
}

func (h *serverHarness) Read() messages.Message {
	msg, err := messages.ReadMessage(h.inb)
	if err != nil {
		h.t.Errorf("Error reading message: %v", err)
	}
	return msg
}

func TestShutdown(t *testing.T) {
	h := newServerHarness(t)
	defer h.Close()

	var exitcode *int
	h.srv.osExit = func(x int) {
		exitcode = &x
	}
	go func() {
		h.Write(messages.Shutdown{})
		h.DoneWriting()
	}()

	h.Run()
	if exitcode == nil || *exitcode != 0 {
		t.Errorf("Shutdown did not call sys.Exit")
	}
}

// The privilege-related test is a smoke test, in the sense that it _passes_
// if it emits smoke. Testing it properly needs an integration test in a VM
// running as a non-root setuid binary.

func TestPrivilegeDrop_SmokeTest(t *testing.T) {
	h := newServerHarness(t)
	defer h.Close()

	go func() {
		h.Write(messages.PrivilegeDrop{})
		h.DoneWriting()
	}()
	h.Run()
}

// A real ping test of the loopback address. Only runs on Darwin since it's
// the only platform where an unprivileged test process can open the
// datagram-style ICMP socket internal/socket uses there.
func TestPingLoopback(t *testing.T) {
	if runtime.GOOS != "darwin" {
		t.Skipf("Unsupported OS: %v", runtime.GOOS)
	}

	cases := []struct {
		Ver  util.IPVersion
		Addr net.IP
	}{
		{Ver: util.IPv4, Addr: net.ParseIP("127.0.0.1")},
		{Ver: util.IPv6, Addr: net.ParseIP("::1")},
	}
	for _, c := range cases {
		t.Run(c.Ver.String(), func(t *testing.T) {
			h := newServerHarness(t)
			defer h.Close()

			var id messages.SocketID
			go func() {
				defer h.DoneWriting()
				h.Write(messages.OpenSocket{IPVer: c.Ver})
				msg := h.Read()
				reply, ok := msg.(messages.OpenSocketReply)
				if !ok || reply.Err != "" {
					t.Errorf("Expected OpenSocketReply, got: %#v", msg)
					return
				}
				id = reply.ID

				var wire []byte
				var err error
				req := codec.Request{Kind: codec.EchoRequest, ID: os.Getpid() & 0xffff, Seq: 1, Payload: []byte("8675309")}
				if c.Ver == util.IPv4 {
					wire, err = codec.EncodeV4(req)
				} else {
					wire, err = codec.EncodeV6(req)
				}
				if err != nil {
					t.Errorf("Error encoding probe: %v", err)
					return
				}

				h.Write(messages.SendPacket{ID: id, Data: wire, Addr: c.Addr})

				msg = h.Read()
				pr, ok := msg.(messages.PacketReceived)
				if !ok {
					t.Errorf("Expected PacketReceived, got %#v", msg)
					return
				}
				if pr.ID != id {
					t.Errorf("Wrong socket id: %v (want %v)", pr.ID, id)
				}
			}()

			h.Run()
		})
	}
}
