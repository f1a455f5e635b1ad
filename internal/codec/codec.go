// Package codec encodes outgoing ICMP Echo and Timestamp requests and
// decodes their replies, including "other ICMP" error replies (destination
// unreachable, time exceeded, etc.) that carry an embedded copy of our
// original request.
//
// Echo requests/replies and error replies go through golang.org/x/net/icmp's
// Message/Echo/DstUnreach/TimeExceeded/ParamProb types and ParseMessage,
// recovering an error reply's embedded original header with a second
// ParseMessage call over the bytes past the embedded IP header. ICMP
// Timestamp (RFC 792 type 13/14) has no body type in that package, so it
// alone is built and parsed at the byte level.
package codec

import (
	"encoding/binary"
	"fmt"
)

// Kind identifies the semantic type of a decoded or encoded ICMP message.
type Kind int

// Values for Kind.
const (
	EchoRequest Kind = iota
	EchoReply
	TimestampRequest
	TimestampReply
	DestinationUnreachable
	TimeExceeded
	SourceQuench
	Redirect
	ParameterProblem
	PacketTooBig
)

func (k Kind) String() string {
	switch k {
	case EchoRequest:
		return "EchoRequest"
	case EchoReply:
		return "EchoReply"
	case TimestampRequest:
		return "TimestampRequest"
	case TimestampReply:
		return "TimestampReply"
	case DestinationUnreachable:
		return "DestinationUnreachable"
	case TimeExceeded:
		return "TimeExceeded"
	case SourceQuench:
		return "SourceQuench"
	case Redirect:
		return "Redirect"
	case ParameterProblem:
		return "ParameterProblem"
	case PacketTooBig:
		return "PacketTooBig"
	default:
		return fmt.Sprintf("(unknown:%d)", k)
	}
}

// IsError reports whether k is one of the ICMP "error" kinds that may carry
// an embedded copy of the original request (as opposed to an Echo/Timestamp
// reply).
func (k Kind) IsError() bool {
	switch k {
	case DestinationUnreachable, TimeExceeded, SourceQuench, Redirect, ParameterProblem, PacketTooBig:
		return true
	default:
		return false
	}
}

// Request is an outgoing Echo or Timestamp request.
type Request struct {
	Kind Kind // EchoRequest or TimestampRequest
	ID   int
	Seq  int

	// Payload is attached to Echo requests only; zero or random bytes up to
	// the configured payload size. Ignored for Timestamp requests, whose
	// body is always a fixed 12 bytes.
	Payload []byte

	// Originate is the outgoing timestamp for a Timestamp request, in
	// milliseconds since midnight UT. Ignored for Echo requests.
	Originate uint32
}

// Reply is a decoded, successfully-correlated Echo or Timestamp reply.
type Reply struct {
	Kind Kind // EchoReply or TimestampReply
	ID   int
	Seq  int

	Payload []byte // Echo only

	Originate uint32 // Timestamp only
	Receive   uint32
	Transmit  uint32
}

// OtherICMP is a decoded ICMP error reply (destination unreachable, time
// exceeded, etc.) that embeds enough of our original request to recover its
// id and sequence number.
type OtherICMP struct {
	Kind Kind // one of the IsError() kinds

	// OrigID and OrigSeq identify the probe that provoked this error, read
	// from the embedded original ICMP header.
	OrigID  int
	OrigSeq int

	// OrigKind is the kind of our original request, best-effort: on some
	// kernels the embedded header is truncated or reuses union storage in a
	// way that makes this unreliable. Per spec, this field is diagnostic
	// only and must never be used to invalidate probe state.
	OrigKind Kind
}

// checksum computes the RFC 792 Internet checksum (one's complement sum of
// 16-bit words, folded, complemented). Used by the hand-rolled v4 Timestamp
// encoder; golang.org/x/net/icmp doesn't export its equivalent.
func checksum(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// MinEchoPayload is the minimum payload length needed to carry the 8-byte
// send timestamp some legacy verification paths expect.
const MinEchoPayload = 8

// DefaultEchoPayload is the default Echo payload size when none is
// configured.
const DefaultEchoPayload = 56
