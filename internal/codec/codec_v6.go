package codec

import (
	"fmt"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"
)

const icmpV6ProtoNum = 58

// ICMPv6 message types, RFC 4443, recognized through golang.org/x/net/icmp's
// own Type values (ipv6.ICMPTypeEchoReply etc.) via the type switch in
// DecodeV6; kept here only for readability/tests.
const (
	v6TypeEchoReply    = 129
	v6TypeTimeExceeded = 3
)

// ipv6HeaderLen is the fixed size of the IPv6 base header. Packets this
// codec generates never carry extension headers, so the embedded datagram
// in an error reply is assumed to start its ICMPv6 header right after these
// 40 bytes, matching ordinary RFC 4443 error traffic.
const ipv6HeaderLen = 40

// EncodeV6 marshals req into a raw ICMPv6 Echo request. Checksum is left
// zero: unlike ICMPv4, the ICMPv6 checksum covers a pseudo-header built from
// the source and destination addresses, which aren't known at this layer.
// The kernel fills it in at send time for ICMPv6 sockets; package socket sets
// no option for this.
func EncodeV6(req Request) ([]byte, error) {
	if req.Kind != EchoRequest {
		return nil, fmt.Errorf("codec: %v has no ICMPv6 wire form", req.Kind)
	}
	m := icmp.Message{
		Type: ipv6.ICMPTypeEchoRequest,
		Code: 0,
		Body: &icmp.Echo{
			ID:   req.ID,
			Seq:  req.Seq,
			Data: req.Payload,
		},
	}
	return m.Marshal(nil)
}

// DecodeV6 parses a raw ICMPv6 packet, mirroring DecodeV4. ICMPv6 has no
// Timestamp message, so reply is always an EchoReply when non-nil.
func DecodeV6(b []byte) (reply *Reply, other *OtherICMP, ok bool, err error) {
	if len(b) < 8 {
		return nil, nil, false, fmt.Errorf("codec: short ICMPv6 packet: %d bytes", len(b))
	}
	m, err := icmp.ParseMessage(icmpV6ProtoNum, b)
	if err != nil {
		return nil, nil, false, fmt.Errorf("codec: parsing ICMPv6 message: %v", err)
	}
	switch body := m.Body.(type) {
	case *icmp.Echo:
		if m.Type != ipv6.ICMPTypeEchoReply {
			return nil, nil, false, nil
		}
		return &Reply{Kind: EchoReply, ID: body.ID, Seq: body.Seq, Payload: body.Data}, nil, true, nil
	case *icmp.DstUnreach:
		o, err := decodeV6Embedded(DestinationUnreachable, body.Data)
		return nil, o, err == nil, err
	case *icmp.PacketTooBig:
		o, err := decodeV6Embedded(PacketTooBig, body.Data)
		return nil, o, err == nil, err
	case *icmp.TimeExceeded:
		o, err := decodeV6Embedded(TimeExceeded, body.Data)
		return nil, o, err == nil, err
	case *icmp.ParamProb:
		o, err := decodeV6Embedded(ParameterProblem, body.Data)
		return nil, o, err == nil, err
	default:
		return nil, nil, false, nil
	}
}

// decodeV6Embedded recovers the id and sequence number of the request that
// provoked an ICMPv6 error reply, mirroring decodeV4Embedded: skip the fixed
// IPv6 base header, then hand the rest to a second icmp.ParseMessage call.
func decodeV6Embedded(kind Kind, embedded []byte) (*OtherICMP, error) {
	if len(embedded) < ipv6HeaderLen+8 {
		return nil, fmt.Errorf("codec: embedded IPv6 datagram truncated")
	}
	origHdr := embedded[ipv6HeaderLen:]
	rm, err := icmp.ParseMessage(icmpV6ProtoNum, origHdr)
	if err != nil {
		return nil, fmt.Errorf("codec: parsing embedded ICMPv6 request: %v", err)
	}
	echo, ok := rm.Body.(*icmp.Echo)
	if !ok {
		return &OtherICMP{Kind: kind, OrigKind: -1}, nil
	}
	return &OtherICMP{
		Kind:     kind,
		OrigID:   echo.ID,
		OrigSeq:  echo.Seq,
		OrigKind: EchoRequest,
	}, nil
}
