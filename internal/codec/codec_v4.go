package codec

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const icmpV4ProtoNum = 1

// ICMPv4 message types, RFC 792. Only Timestamp's are switched on directly;
// the rest are recognized through golang.org/x/net/icmp's own Type values
// (ipv4.ICMPTypeEchoReply etc.) via the type switch in DecodeV4.
const (
	v4TypeEchoReply      = 0
	v4TypeDestUnreach    = 3
	v4TypeSourceQuench   = 4
	v4TypeRedirect       = 5
	v4TypeTimestampReq   = 13
	v4TypeTimestampReply = 14
)

// EncodeV4 marshals req into a raw ICMPv4 packet ready to hand to the
// underlying icmp.PacketConn, checksum included.
func EncodeV4(req Request) ([]byte, error) {
	switch req.Kind {
	case EchoRequest:
		return encodeV4Echo(req)
	case TimestampRequest:
		return encodeV4Timestamp(req)
	default:
		return nil, fmt.Errorf("codec: cannot encode kind %v as a v4 request", req.Kind)
	}
}

func encodeV4Echo(req Request) ([]byte, error) {
	m := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   req.ID,
			Seq:  req.Seq,
			Data: req.Payload,
		},
	}
	return m.Marshal(nil)
}

// encodeV4Timestamp is hand-rolled: golang.org/x/net/icmp has no body type
// for ICMP Timestamp (RFC 792 type 13/14), so this request is built directly
// at the byte level instead.
func encodeV4Timestamp(req Request) ([]byte, error) {
	b := make([]byte, 20)
	b[0] = v4TypeTimestampReq
	b[1] = 0
	binary.BigEndian.PutUint16(b[4:6], uint16(req.ID))
	binary.BigEndian.PutUint16(b[6:8], uint16(req.Seq))
	binary.BigEndian.PutUint32(b[8:12], req.Originate)
	// Receive and Transmit are zero in a request; the responder fills them.
	binary.BigEndian.PutUint16(b[2:4], checksum(b))
	return b, nil
}

// DecodeV4 parses a raw ICMPv4 packet. For Echo/Timestamp replies it returns
// a *Reply; for error types carrying an embedded original datagram it
// returns a *OtherICMP. ok is false for types this codec doesn't
// understand (router advertisements, etc.), which callers should ignore.
func DecodeV4(b []byte) (reply *Reply, other *OtherICMP, ok bool, err error) {
	if len(b) < 8 {
		return nil, nil, false, fmt.Errorf("codec: short ICMPv4 packet: %d bytes", len(b))
	}
	// Timestamp has no golang.org/x/net/icmp body type, so it's decoded at
	// the byte level before handing off to icmp.ParseMessage.
	if b[0] == v4TypeTimestampReply {
		r, err := decodeV4Timestamp(b)
		return r, nil, err == nil, err
	}

	m, err := icmp.ParseMessage(icmpV4ProtoNum, b)
	if err != nil {
		return nil, nil, false, fmt.Errorf("codec: parsing ICMPv4 message: %v", err)
	}
	switch body := m.Body.(type) {
	case *icmp.Echo:
		if m.Type != ipv4.ICMPTypeEchoReply {
			return nil, nil, false, nil
		}
		return &Reply{Kind: EchoReply, ID: body.ID, Seq: body.Seq, Payload: body.Data}, nil, true, nil
	case *icmp.DstUnreach:
		o, err := decodeV4Embedded(DestinationUnreachable, body.Data)
		return nil, o, err == nil, err
	case *icmp.TimeExceeded:
		o, err := decodeV4Embedded(TimeExceeded, body.Data)
		return nil, o, err == nil, err
	case *icmp.ParamProb:
		o, err := decodeV4Embedded(ParameterProblem, body.Data)
		return nil, o, err == nil, err
	case *icmp.RawBody:
		// Redirect and Source Quench have no registered icmp body type, so
		// the library hands them back as raw bytes including the 4-byte
		// gateway-address/unused field DstUnreach's parser would have
		// stripped.
		kind, ok := v4RawKind(m.Type)
		if !ok || len(body.Data) < 4 {
			return nil, nil, false, nil
		}
		o, err := decodeV4Embedded(kind, body.Data[4:])
		return nil, o, err == nil, err
	default:
		return nil, nil, false, nil
	}
}

func decodeV4Timestamp(b []byte) (*Reply, error) {
	if len(b) < 20 {
		return nil, fmt.Errorf("codec: short ICMPv4 timestamp reply: %d bytes", len(b))
	}
	return &Reply{
		Kind:      TimestampReply,
		ID:        int(binary.BigEndian.Uint16(b[4:6])),
		Seq:       int(binary.BigEndian.Uint16(b[6:8])),
		Originate: binary.BigEndian.Uint32(b[8:12]),
		Receive:   binary.BigEndian.Uint32(b[12:16]),
		Transmit:  binary.BigEndian.Uint32(b[16:20]),
	}, nil
}

// decodeV4Embedded recovers the id and sequence number of the request that
// provoked an ICMPv4 error reply from embedded, the copy of the original
// IP+ICMP header the error carries: parse the embedded IP header, then hand
// the bytes right after it to a second icmp.ParseMessage call.
func decodeV4Embedded(kind Kind, embedded []byte) (*OtherICMP, error) {
	iph, err := ipv4.ParseHeader(embedded)
	if err != nil {
		return nil, fmt.Errorf("codec: parsing embedded IPv4 header: %v", err)
	}
	if len(embedded) < iph.Len+8 {
		return nil, fmt.Errorf("codec: embedded datagram truncated before ICMP header")
	}
	origHdr := embedded[iph.Len:]

	// Timestamp requests have no golang.org/x/net/icmp body type either, so
	// the embedded original request is decoded at the byte level when it's
	// one of those.
	if origHdr[0] == v4TypeTimestampReq {
		return &OtherICMP{
			Kind:     kind,
			OrigID:   int(binary.BigEndian.Uint16(origHdr[4:6])),
			OrigSeq:  int(binary.BigEndian.Uint16(origHdr[6:8])),
			OrigKind: TimestampRequest,
		}, nil
	}

	rm, err := icmp.ParseMessage(icmpV4ProtoNum, origHdr)
	if err != nil {
		return nil, fmt.Errorf("codec: parsing embedded ICMPv4 request: %v", err)
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

func v4RawKind(t icmp.Type) (Kind, bool) {
	switch t {
	case ipv4.ICMPTypeRedirect:
		return Redirect, true
	case ipv4.ICMPTypeSourceQuench:
		return SourceQuench, true
	default:
		return 0, false
	}
}
