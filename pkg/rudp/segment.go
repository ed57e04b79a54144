// Package rudp implements a reliable, connection-oriented byte-stream
// transport running inside an unreliable datagram service: a three-way
// handshake, Selective-Repeat retransmission, in-order reassembly, and a
// graceful teardown, exposed as a stream-socket-shaped API.
package rudp

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/arjunvarma/rudp/pkg/common"
)

// HeaderSize is the fixed 20-byte segment header length. This design never
// produces or accepts TCP-style options: DataOffset is always 5.
const HeaderSize = 20

// Flag bits. Only FIN, SYN and ACK are meaningful; RST/PSH/URG/ECE/CWR from
// real TCP have no role in this design.
const (
	FlagFIN uint8 = 0x01
	FlagSYN uint8 = 0x02
	FlagACK uint8 = 0x10
)

// FlagsSynAck and FlagsFinAck name the two-flag combinations the handshake
// and close paths look for.
const (
	FlagsSynAck = FlagSYN | FlagACK
	FlagsFinAck = FlagFIN | FlagACK
)

// DefaultWindow is the advisory advertised-window value segments carry.
// It is serialised but never interpreted on receive: flow control in this
// design is the fixed-size send window (§4.3), not this field.
const DefaultWindow uint16 = 1024

// dataOffsetWords is the only data offset this codec ever produces or
// accepts: a fixed 20-byte header, expressed in 32-bit words.
const dataOffsetWords = 5

// Segment is one wire-format protocol data unit: a 20-byte header plus an
// optional payload. It is an immutable value once constructed — callers
// that need to change a field build a new Segment.
type Segment struct {
	SourcePort      uint16
	DestinationPort uint16
	SequenceNumber  uint32
	AckNumber       uint32
	Flags           uint8
	Window          uint16
	Payload         []byte
}

// HasFlag reports whether all bits of flag are set in the segment's flag
// byte.
func (s Segment) HasFlag(flag uint8) bool {
	return s.Flags&flag == flag
}

// Encode serialises the segment to its wire representation: the 20-byte
// header in network byte order followed by the payload, with the checksum
// computed over the whole thing (checksum field zeroed during that
// computation) and then written into the header.
func (s Segment) Encode() []byte {
	buf := make([]byte, HeaderSize+len(s.Payload))
	s.writeHeader(buf, 0)
	copy(buf[HeaderSize:], s.Payload)

	checksum := common.CalculateChecksum(buf)
	binary.BigEndian.PutUint16(buf[16:18], checksum)

	return buf
}

// writeHeader packs the header fields into buf[0:20] with the checksum
// field set to checksum. Encode passes 0 and overwrites the field with the
// computed checksum afterwards.
func (s Segment) writeHeader(buf []byte, checksum uint16) {
	binary.BigEndian.PutUint16(buf[0:2], s.SourcePort)
	binary.BigEndian.PutUint16(buf[2:4], s.DestinationPort)
	binary.BigEndian.PutUint32(buf[4:8], s.SequenceNumber)
	binary.BigEndian.PutUint32(buf[8:12], s.AckNumber)
	buf[12] = dataOffsetWords << 4
	buf[13] = s.Flags
	binary.BigEndian.PutUint16(buf[14:16], s.Window)
	binary.BigEndian.PutUint16(buf[16:18], checksum)
	binary.BigEndian.PutUint16(buf[18:20], 0) // urgent pointer: unused, always 0
}

// Decode parses a segment from its wire representation, verifying the
// checksum and rejecting anything with a data offset other than 5 (this
// design never produces options, so a larger offset indicates either
// corruption or a peer speaking a different dialect).
func Decode(raw []byte) (Segment, error) {
	if len(raw) < HeaderSize {
		return Segment{}, errors.Wrapf(ErrBadChecksum, "segment too short: %d bytes", len(raw))
	}

	dataOffset := raw[12] >> 4
	if dataOffset != dataOffsetWords {
		return Segment{}, errors.Wrapf(ErrBadChecksum, "unexpected data offset %d", dataOffset)
	}

	wireChecksum := binary.BigEndian.Uint16(raw[16:18])

	verifyBuf := make([]byte, len(raw))
	copy(verifyBuf, raw)
	binary.BigEndian.PutUint16(verifyBuf[16:18], 0)
	if !common.VerifyChecksum(verifyBuf, wireChecksum) {
		return Segment{}, ErrBadChecksum
	}

	seg := Segment{
		SourcePort:      binary.BigEndian.Uint16(raw[0:2]),
		DestinationPort: binary.BigEndian.Uint16(raw[2:4]),
		SequenceNumber:  binary.BigEndian.Uint32(raw[4:8]),
		AckNumber:       binary.BigEndian.Uint32(raw[8:12]),
		Flags:           raw[13],
		Window:          binary.BigEndian.Uint16(raw[14:16]),
	}
	if len(raw) > HeaderSize {
		seg.Payload = append([]byte(nil), raw[HeaderSize:]...)
	}

	return seg, nil
}

// newDataSegment builds a Segment carrying payload with the ACK flag set,
// the shape every in-flight data segment in this design takes.
func newDataSegment(srcPort, dstPort uint16, seq, ack uint32, payload []byte) Segment {
	return Segment{
		SourcePort:      srcPort,
		DestinationPort: dstPort,
		SequenceNumber:  seq,
		AckNumber:       ack,
		Flags:           FlagACK,
		Window:          DefaultWindow,
		Payload:         payload,
	}
}

// newControlSegment builds a Segment with no payload and the given flags,
// the shape of SYN, SYN+ACK, ACK-only and FIN(+ACK) segments.
func newControlSegment(srcPort, dstPort uint16, seq, ack uint32, flags uint8) Segment {
	return Segment{
		SourcePort:      srcPort,
		DestinationPort: dstPort,
		SequenceNumber:  seq,
		AckNumber:       ack,
		Flags:           flags,
		Window:          DefaultWindow,
	}
}
