package codec

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeV4EchoRoundTrip(t *testing.T) {
	req := Request{Kind: EchoRequest, ID: 0x1234, Seq: 42, Payload: []byte("abcdefgh")}
	wire, err := EncodeV4(req)
	require.NoError(t, err)

	// Flip the type byte to simulate the reply the target would send back;
	// id, seq and payload round-trip unchanged for an echo, and the checksum
	// is recomputed for the new type byte.
	wire[0] = v4TypeEchoReply
	binary.BigEndian.PutUint16(wire[2:4], 0)
	binary.BigEndian.PutUint16(wire[2:4], checksum(wire))

	reply, other, ok, err := DecodeV4(wire)
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, other)
	require.NotNil(t, reply)
	assert.Equal(t, EchoReply, reply.Kind)
	assert.Equal(t, 0x1234, reply.ID)
	assert.Equal(t, 42, reply.Seq)
	assert.Equal(t, []byte("abcdefgh"), reply.Payload)
}

func TestEncodeDecodeV4TimestampRoundTrip(t *testing.T) {
	req := Request{Kind: TimestampRequest, ID: 7, Seq: 9, Originate: 123456}
	wire, err := EncodeV4(req)
	require.NoError(t, err)
	assert.Len(t, wire, 20)

	wire[0] = v4TypeTimestampReply
	binary.BigEndian.PutUint32(wire[12:16], 123460) // receive
	binary.BigEndian.PutUint32(wire[16:20], 123461) // transmit
	binary.BigEndian.PutUint16(wire[2:4], 0)
	binary.BigEndian.PutUint16(wire[2:4], checksum(wire))

	reply, _, ok, err := DecodeV4(wire)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TimestampReply, reply.Kind)
	assert.EqualValues(t, 123456, reply.Originate)
	assert.EqualValues(t, 123460, reply.Receive)
	assert.EqualValues(t, 123461, reply.Transmit)
}

func TestDecodeV4EmbeddedDestinationUnreachable(t *testing.T) {
	orig := Request{Kind: EchoRequest, ID: 55, Seq: 3, Payload: []byte("xyz")}
	origWire, err := EncodeV4(orig)
	require.NoError(t, err)

	// Build a minimal embedding: outer ICMP header + a minimal 20-byte IPv4
	// header (IHL=5, no options) + the original ICMP header/body.
	ipHdr := make([]byte, 20)
	ipHdr[0] = 0x45 // version 4, IHL 5
	body := append(ipHdr, origWire...)

	outer := make([]byte, 8+len(body))
	outer[0] = v4TypeDestUnreach
	outer[1] = 1 // code: host unreachable
	copy(outer[8:], body)
	binary.BigEndian.PutUint16(outer[2:4], checksum(outer))

	reply, other, ok, err := DecodeV4(outer)
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, reply)
	require.NotNil(t, other)
	assert.Equal(t, DestinationUnreachable, other.Kind)
	assert.Equal(t, 55, other.OrigID)
	assert.Equal(t, 3, other.OrigSeq)
	assert.Equal(t, EchoRequest, other.OrigKind)
}

func TestDecodeV4UnknownTypeIsIgnoredNotError(t *testing.T) {
	b := make([]byte, 8)
	b[0] = 9 // router advertisement, not handled
	reply, other, ok, err := DecodeV4(b)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, reply)
	assert.Nil(t, other)
}

func TestEncodeDecodeV6EchoRoundTrip(t *testing.T) {
	req := Request{Kind: EchoRequest, ID: 0xabcd, Seq: 17, Payload: []byte("ping-payload")}
	wire, err := EncodeV6(req)
	require.NoError(t, err)

	wire[0] = v6TypeEchoReply
	reply, other, ok, err := DecodeV6(wire)
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, other)
	assert.Equal(t, EchoReply, reply.Kind)
	assert.Equal(t, 0xabcd, reply.ID)
	assert.Equal(t, 17, reply.Seq)
	assert.Equal(t, []byte("ping-payload"), reply.Payload)
}

func TestEncodeV6RejectsTimestamp(t *testing.T) {
	_, err := EncodeV6(Request{Kind: TimestampRequest})
	assert.Error(t, err)
}

func TestDecodeV6EmbeddedTimeExceeded(t *testing.T) {
	orig := Request{Kind: EchoRequest, ID: 88, Seq: 4}
	origWire, err := EncodeV6(orig)
	require.NoError(t, err)

	ipHdr := make([]byte, ipv6HeaderLen)
	body := append(ipHdr, origWire...)

	outer := make([]byte, 8+len(body))
	outer[0] = v6TypeTimeExceeded
	copy(outer[8:], body)

	_, other, ok, err := DecodeV6(outer)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, other)
	assert.Equal(t, TimeExceeded, other.Kind)
	assert.Equal(t, 88, other.OrigID)
	assert.Equal(t, 4, other.OrigSeq)
}

func TestChecksumKnownValue(t *testing.T) {
	// Folding a buffer's own checksum back into it must zero the checksum
	// of the result.
	b := []byte{0x45, 0x00, 0x00, 0x00}
	cs := checksum(b)
	binary.BigEndian.PutUint16(b[2:4], cs)
	assert.Equal(t, uint16(0), checksum(b))
}
