package packet

import (
	"bytes"
	"io"
)

// Packet is the common interface every MQTT control packet satisfies. A
// conn (the server-side endpoint state machine in the mqttd package) and
// Client (its client-side counterpart in the same package) both exchange values behind
// this interface without caring whether they're driving a v3.1.1 or v5.0
// session -- the Version carried on each packet's FixedHeader is what
// decides which optional fields Unpack/Pack touch.
type Packet interface {
	// Kind returns the packet-type nibble from fixed-header byte 0 (bits
	// 7-4): 0x1-0xE for v3.1.1, with 0xF (AUTH) added in v5.0.
	Kind() byte

	// Unpack reads this packet's variable header, properties (v5.0 only)
	// and payload from buf. The fixed header has already been consumed by
	// the caller (see Unpack below) by the time Unpack is called.
	Unpack(buf *bytes.Buffer) error

	// Pack writes this packet's fixed header, variable header, properties
	// (v5.0 only) and payload to w in wire order.
	Pack(w io.Writer) error
}

// packetConstructors maps a fixed-header Kind nibble to the zero-value
// packet it should decode into. conn.serve's read loop and Client's
// response reader both funnel through Unpack, so this table is the single
// place that needs updating when a new control packet type is added.
var packetConstructors = map[byte]func(*FixedHeader) Packet{
	0x1: func(fh *FixedHeader) Packet { return &CONNECT{FixedHeader: fh} },
	0x2: func(fh *FixedHeader) Packet { return &CONNACK{FixedHeader: fh} },
	0x3: func(fh *FixedHeader) Packet { return &PUBLISH{FixedHeader: fh} },
	0x4: func(fh *FixedHeader) Packet { return &PUBACK{FixedHeader: fh} },
	0x5: func(fh *FixedHeader) Packet { return &PUBREC{FixedHeader: fh} },
	0x6: func(fh *FixedHeader) Packet { return &PUBREL{FixedHeader: fh} },
	0x7: func(fh *FixedHeader) Packet { return &PUBCOMP{FixedHeader: fh} },
	0x8: func(fh *FixedHeader) Packet { return &SUBSCRIBE{FixedHeader: fh} },
	0x9: func(fh *FixedHeader) Packet { return &SUBACK{FixedHeader: fh} },
	0xA: func(fh *FixedHeader) Packet { return &UNSUBSCRIBE{FixedHeader: fh} },
	0xB: func(fh *FixedHeader) Packet { return &UNSUBACK{FixedHeader: fh} },
	0xC: func(fh *FixedHeader) Packet { return &PINGREQ{FixedHeader: fh} },
	0xD: func(fh *FixedHeader) Packet { return &PINGRESP{FixedHeader: fh} },
	0xE: func(fh *FixedHeader) Packet { return &DISCONNECT{FixedHeader: fh} },
	0xF: func(fh *FixedHeader) Packet { return &AUTH{FixedHeader: fh} }, // v5.0 only; malformed on v3.1.1 connections
}

// Unpack reads one complete MQTT control packet from r: the fixed header
// (packet type, flags, remaining length) followed by exactly
// RemainingLength bytes, which are then handed to the matching packet
// type's own Unpack. version (VERSION311 or VERSION500) comes from the
// conn/client that owns r -- it is fixed for the lifetime of a connection
// by the CONNECT handshake, so every subsequent Unpack call on that
// connection is told which optional v5.0 fields to expect.
func Unpack(version byte, r io.Reader) (Packet, error) {
	fixed := &FixedHeader{Version: version}
	if err := fixed.Unpack(r); err != nil {
		return &RESERVED{FixedHeader: fixed}, err
	}

	buf := GetBuffer()
	defer PutBuffer(buf)

	if _, err := buf.ReadFrom(io.LimitReader(r, int64(fixed.RemainingLength))); err != nil {
		return Packet(nil), err
	}

	ctor, ok := packetConstructors[fixed.Kind]
	if !ok {
		return Packet(nil), ErrMalformedPacket
	}
	pkt := ctor(fixed)
	return pkt, pkt.Unpack(buf)
}
