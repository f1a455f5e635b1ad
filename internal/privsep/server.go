package privsep

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pcekm/fprobe/internal/privsep/messages"
	"github.com/pcekm/fprobe/internal/socket"
	"github.com/pcekm/fprobe/internal/util"
)

// Server handles messages from the privsep client and issues replies. It
// owns every raw socket opened on the client's behalf, each readable only
// while the server still holds root.
type Server struct {
	osExit func(int) // For test injection

	mu      sync.Mutex
	sockets map[messages.SocketID]*socket.Socket
	nextID  messages.SocketID

	in  *os.File
	out *os.File

	writeMu sync.Mutex
}

func newServer() *Server {
	return &Server{
		in:      os.Stdin,
		out:     os.Stdout,
		osExit:  os.Exit,
		sockets: make(map[messages.SocketID]*socket.Socket),
	}
}

// run reads and handles messages until the pipe closes or a Shutdown
// arrives.
func (s *Server) run() {
	r := bufio.NewReader(s.in)
	for {
		msg, err := messages.ReadMessage(r)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.Fatalf("ReadMessage error: %v", err)
		}
		s.handleMessage(msg)
	}
}

// readLoop forwards every packet read off sock as a PacketReceived message,
// until the socket is closed.
func (s *Server) readLoop(id messages.SocketID, sock *socket.Socket) {
	for {
		data, peer, err := sock.RecvFrom(context.Background(), time.Now().Add(time.Hour))
		if err != nil {
			if errors.Is(err, socket.ErrTimeout) {
				continue
			}
			if strings.Contains(err.Error(), "closed network connection") {
				return
			}
			log.Panicf("Error reading from socket: %v", err)
		}
		s.write(messages.PacketReceived{
			ID:   id,
			Data: data,
			Peer: util.IP(peer),
		})
	}
}

// Close releases every open socket and the stdio pipes. Meant for tests;
// doesn't exit the process.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, sock := range s.sockets {
		sock.Close()
	}
	if err := s.in.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.out.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Server) socketFor(id messages.SocketID) *socket.Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock, ok := s.sockets[id]
	if !ok {
		log.Panicf("No socket for id %d", id)
	}
	return sock
}

// write sends msg to the client. Panics on error: a broken pipe to our own
// client is unrecoverable.
func (s *Server) write(msg messages.Message) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := msg.WriteTo(s.out); err != nil {
		log.Panicf("Error writing message: %v", err)
	}
}

func (s *Server) handleMessage(msg messages.Message) {
	switch msg := msg.(type) {
	case messages.Shutdown:
		s.handleShutdown(msg)
	case messages.PrivilegeDrop:
		s.handlePrivilegeDrop(msg)
	case messages.OpenSocket:
		s.handleOpenSocket(msg)
	case messages.SendPacket:
		s.handleSendPacket(msg)
	default:
		log.Panicf("Unexpected message from client: %v", msg)
	}
}

func (s *Server) handleShutdown(messages.Shutdown) {
	s.osExit(0)
}

func (s *Server) handlePrivilegeDrop(messages.PrivilegeDrop) {
	if err := dropPrivileges(); err != nil {
		log.Panicf("Failed to drop privileges: %v", err)
	}
}

func (s *Server) handleOpenSocket(msg messages.OpenSocket) {
	sock, err := socket.Open(msg.IPVer, 0)
	if err != nil {
		s.write(messages.OpenSocketReply{Err: err.Error()})
		return
	}
	if msg.TOS != 0 {
		if err := sock.SetTOS(msg.TOS); err != nil {
			sock.Close()
			s.write(messages.OpenSocketReply{Err: err.Error()})
			return
		}
	}
	if msg.FWMark != 0 {
		if err := sock.SetFWMark(msg.FWMark); err != nil {
			sock.Close()
			s.write(messages.OpenSocketReply{Err: err.Error()})
			return
		}
	}
	if msg.BindIface != "" {
		if err := sock.BindToDevice(msg.BindIface); err != nil {
			sock.Close()
			s.write(messages.OpenSocketReply{Err: err.Error()})
			return
		}
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.sockets[id] = sock
	s.mu.Unlock()
	go s.readLoop(id, sock)
	s.write(messages.OpenSocketReply{ID: id, EchoID: sock.EchoID()})
}

func (s *Server) handleSendPacket(msg messages.SendPacket) {
	sock := s.socketFor(msg.ID)
	if err := sock.SendTo(msg.Data, &net.IPAddr{IP: msg.Addr}, msg.TTL); err != nil {
		log.Printf("privsep: send error: %v", err)
	}
}
