// Package messages contains messages that are passed between the privsep
// client and server and functions for encoding and decoding them.
package messages

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net"

	"github.com/pcekm/fprobe/internal/util"
)

const (
	// maxMessageLen bounds one encoded message: 2 header bytes plus up to
	// 255 args of up to 65535 bytes each. The arg length prefix is 16 bits
	// (not the original 8-bit prefix) because this module's packets carry
	// full ICMP payloads up to 65507 bytes, well past the 255-byte cap a
	// single-byte length would allow.
	maxMessageLen = 2 + 255*(2+65535)
)

// ErrInvalidMessageType is returned when an unrecognized message type is
// read while decoding a message.
var ErrInvalidMessageType = errors.New("invalid message type")

// Used in a panic to communicate an error back up to the top level decode
// operation. This deliberately doesn't implement error. It's meant to be
// unpacked and the original error returned.
type caughtErr struct {
	Err error
}

func panicMsgf(s string, args ...any) {
	panic(caughtErr{Err: fmt.Errorf(s, args...)})
}

// catchError catches panics sent with panicMsg/panicMsgf and sets err.
// Other panic values are re-panicked.
func catchError(err *error) {
	if e := recover(); e != nil {
		if e, ok := e.(caughtErr); ok {
			*err = e.Err
			return
		}
		panic(e)
	}
}

// messageType identifies one message kind on the wire.
type messageType byte

// Message types.
const (
	// msgShutdown tells the server to exit.
	msgShutdown messageType = iota

	// msgPrivilegeDrop tells the server privileges may now be dropped: no
	// more sockets will be requested.
	msgPrivilegeDrop

	// msgLog carries a log line from server to client.
	msgLog

	// msgOpenSocket requests a new shared raw socket for a family.
	msgOpenSocket

	// msgOpenSocketReply replies to msgOpenSocket with the assigned ID, or
	// an error string if opening failed.
	msgOpenSocketReply

	// msgSendPacket requests sending raw bytes out a previously-opened
	// socket.
	msgSendPacket

	// msgPacketReceived carries one packet read off a socket, pushed from
	// server to client as it arrives.
	msgPacketReceived
)

func (t messageType) String() string {
	switch t {
	case msgShutdown:
		return "msgShutdown"
	case msgPrivilegeDrop:
		return "msgPrivilegeDrop"
	case msgLog:
		return "msgLog"
	case msgOpenSocket:
		return "msgOpenSocket"
	case msgOpenSocketReply:
		return "msgOpenSocketReply"
	case msgSendPacket:
		return "msgSendPacket"
	case msgPacketReceived:
		return "msgPacketReceived"
	default:
		return fmt.Sprintf("(unknown:%d)", t)
	}
}

// Message holds a protocol message.
type Message interface {
	io.WriterTo
}

// ReadMessage reads and decodes a message.
func ReadMessage(r io.ByteReader) (msg Message, err error) {
	defer catchError(&err)
	raw, err := readRawMessage(r)
	if err != nil {
		return nil, err
	}
	switch raw.Type {
	case msgShutdown:
		msg = raw.asShutdown()
	case msgPrivilegeDrop:
		msg = raw.asPrivilegeDrop()
	case msgLog:
		msg = raw.asLog()
	case msgOpenSocket:
		msg = raw.asOpenSocket()
	case msgOpenSocketReply:
		msg = raw.asOpenSocketReply()
	case msgSendPacket:
		msg = raw.asSendPacket()
	case msgPacketReceived:
		msg = raw.asPacketReceived()
	default:
		msg = raw
	}
	return msg, err
}

// SocketID identifies one socket opened by the privileged server, handed
// back to the client in an OpenSocketReply.
type SocketID int

func (n SocketID) encode() []byte {
	return encodeInt(int(n))
}

// RawMessage is a basic message: a type byte plus a sequence of
// length-prefixed byte-string args.
type RawMessage struct {
	Type messageType
	Args [][]byte
}

func readRawMessage(r io.ByteReader) (RawMessage, error) {
	msg := RawMessage{}

	b, err := r.ReadByte()
	if err != nil {
		return RawMessage{}, err
	}
	msg.Type = messageType(b)

	numArgs, err := r.ReadByte()
	if err != nil {
		return RawMessage{}, err
	}

	for range numArgs {
		hi, err := r.ReadByte()
		if err != nil {
			return RawMessage{}, err
		}
		lo, err := r.ReadByte()
		if err != nil {
			return RawMessage{}, err
		}
		argLen := int(hi)<<8 | int(lo)
		arg := make([]byte, argLen)
		for i := range arg {
			arg[i], err = r.ReadByte()
			if err != nil {
				return RawMessage{}, err
			}
		}
		msg.Args = append(msg.Args, arg)
	}

	return msg, nil
}

// WriteTo outputs the message.
func (m RawMessage) WriteTo(w io.Writer) (int64, error) {
	if len(m.Args) > math.MaxUint8 {
		return 0, fmt.Errorf("too many args: %d", len(m.Args))
	}
	buf := []byte{byte(m.Type), byte(len(m.Args))}
	for _, arg := range m.Args {
		if len(arg) > math.MaxUint16 {
			return 0, fmt.Errorf("arg too long: %d bytes", len(arg))
		}
		buf = append(buf, byte(len(arg)>>8), byte(len(arg)))
		buf = append(buf, arg...)
	}
	n, err := w.Write(buf)
	return int64(n), err
}

func (m RawMessage) checkNArgs(want int) {
	if len(m.Args) != want {
		panicMsgf("unexpected argument count: %d (want %d)", len(m.Args), want)
	}
}

func (m RawMessage) checkArgExists(i int) {
	if len(m.Args) <= i {
		panicMsgf("arg %d not found", i)
	}
}

func (m RawMessage) checkArgLen(i, wantLen int) {
	m.checkArgExists(i)
	if len(m.Args[i]) != wantLen {
		panicMsgf("arg %d is %d bytes (want %d)", i, len(m.Args[i]), wantLen)
	}
}

// checkType panics if m isn't of the expected type. This is a caller bug if
// it happens, so no panic recovery for this one.
func (m RawMessage) checkType(want messageType) {
	if m.Type != want {
		log.Panicf("Wrong message type: %v (want %v)", m.Type, want)
	}
}

func (m RawMessage) argString(i int) string {
	m.checkArgExists(i)
	return string(m.Args[i])
}

func (m RawMessage) argByte(i int) byte {
	m.checkArgLen(i, 1)
	return m.Args[i][0]
}

func (m RawMessage) argInt(i int) int {
	m.checkArgLen(i, 4)
	b := m.Args[i]
	return int(b[0])<<24 | int(b[1])<<16 | int(b[2])<<8 | int(b[3])
}

func (m RawMessage) argBytes(i int) []byte {
	m.checkArgExists(i)
	return m.Args[i]
}

func (m RawMessage) argSocketID(i int) SocketID {
	return SocketID(m.argInt(i))
}

func (m RawMessage) argIPVersion(i int) util.IPVersion {
	return util.IPVersion(m.argByte(i))
}

func (m RawMessage) argIP(i int) net.IP {
	ip := net.IP(m.argBytes(i))
	if len(ip) != 0 && len(ip) != 4 && len(ip) != 16 {
		panicMsgf("wrong IP length: %d", len(ip))
	}
	return ip
}

func encodeInt(n int) []byte {
	return []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
}

// Shutdown tells the server to exit.
type Shutdown struct{}

func (Shutdown) WriteTo(w io.Writer) (int64, error) {
	return RawMessage{Type: msgShutdown}.WriteTo(w)
}

func (m RawMessage) asShutdown() (msg Shutdown) {
	m.checkType(msgShutdown)
	m.checkNArgs(0)
	return msg
}

// PrivilegeDrop tells the server privileges may now be dropped. Once sent,
// no further msgOpenSocket requests can succeed.
type PrivilegeDrop struct{}

func (PrivilegeDrop) WriteTo(w io.Writer) (int64, error) {
	return RawMessage{Type: msgPrivilegeDrop}.WriteTo(w)
}

func (m RawMessage) asPrivilegeDrop() (msg PrivilegeDrop) {
	m.checkType(msgPrivilegeDrop)
	m.checkNArgs(0)
	return msg
}

// Log carries one log line from server to client.
type Log struct {
	Msg string
}

func (l Log) WriteTo(w io.Writer) (int64, error) {
	return RawMessage{Type: msgLog, Args: [][]byte{[]byte(l.Msg)}}.WriteTo(w)
}

func (m RawMessage) asLog() (msg Log) {
	m.checkType(msgLog)
	return Log{Msg: m.argString(0)}
}

// OpenSocket requests a new shared raw socket for IPVer, configured with
// the given socket-level options before any packet is sent.
type OpenSocket struct {
	IPVer     util.IPVersion
	TOS       int
	FWMark    int
	BindIface string
}

func (c OpenSocket) WriteTo(w io.Writer) (int64, error) {
	return RawMessage{
		Type: msgOpenSocket,
		Args: [][]byte{{byte(c.IPVer)}, encodeInt(c.TOS), encodeInt(c.FWMark), []byte(c.BindIface)},
	}.WriteTo(w)
}

func (m RawMessage) asOpenSocket() OpenSocket {
	m.checkType(msgOpenSocket)
	m.checkNArgs(4)
	return OpenSocket{
		IPVer:     m.argIPVersion(0),
		TOS:       m.argInt(1),
		FWMark:    m.argInt(2),
		BindIface: m.argString(3),
	}
}

// OpenSocketReply answers an OpenSocket request. Err is non-empty if
// opening failed, in which case ID and EchoID are meaningless. EchoID is
// the ICMP identifier the server's socket will stamp on every outgoing
// request, which the client needs to recognize its own replies.
type OpenSocketReply struct {
	ID     SocketID
	EchoID int
	Err    string
}

func (o OpenSocketReply) WriteTo(w io.Writer) (int64, error) {
	return RawMessage{
		Type: msgOpenSocketReply,
		Args: [][]byte{o.ID.encode(), encodeInt(o.EchoID), []byte(o.Err)},
	}.WriteTo(w)
}

func (m RawMessage) asOpenSocketReply() (msg OpenSocketReply) {
	m.checkType(msgOpenSocketReply)
	m.checkNArgs(3)
	msg.ID = m.argSocketID(0)
	msg.EchoID = m.argInt(1)
	msg.Err = m.argString(2)
	return msg
}

// SendPacket requests sending Data out the socket identified by ID.
type SendPacket struct {
	ID   SocketID
	Data []byte
	Addr net.IP
	TTL  int
}

func (s SendPacket) WriteTo(w io.Writer) (int64, error) {
	return RawMessage{
		Type: msgSendPacket,
		Args: [][]byte{s.ID.encode(), s.Data, []byte(s.Addr), encodeInt(s.TTL)},
	}.WriteTo(w)
}

func (m RawMessage) asSendPacket() SendPacket {
	m.checkType(msgSendPacket)
	m.checkNArgs(4)
	return SendPacket{
		ID:   m.argSocketID(0),
		Data: m.argBytes(1),
		Addr: m.argIP(2),
		TTL:  m.argInt(3),
	}
}

// PacketReceived carries one packet read off socket ID, pushed
// unsolicited from server to client as it arrives.
type PacketReceived struct {
	ID   SocketID
	Data []byte
	Peer net.IP
}

func (p PacketReceived) WriteTo(w io.Writer) (int64, error) {
	return RawMessage{
		Type: msgPacketReceived,
		Args: [][]byte{p.ID.encode(), p.Data, []byte(p.Peer)},
	}.WriteTo(w)
}

func (m RawMessage) asPacketReceived() PacketReceived {
	m.checkType(msgPacketReceived)
	m.checkNArgs(3)
	return PacketReceived{
		ID:   m.argSocketID(0),
		Data: m.argBytes(1),
		Peer: m.argIP(2),
	}
}
