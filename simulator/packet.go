package simulator

import (
	"fmt"
	"strings"
)

// HeaderBytes is the TCP/IP header overhead added to every segment on the
// wire (20 bytes IPv4 + 20 bytes TCP, no options).
const HeaderBytes = 40

// PacketFlags are the TCP control bits the simulator models.
type PacketFlags uint8

const (
	FlagSYN PacketFlags = 1 << iota
	FlagACK
	FlagFIN
)

func (f PacketFlags) String() string {
	var parts []string
	if f&FlagSYN != 0 {
		parts = append(parts, "SYN")
	}
	if f&FlagACK != 0 {
		parts = append(parts, "ACK")
	}
	if f&FlagFIN != 0 {
		parts = append(parts, "FIN")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}

// Packet is one TCP segment. Packets are never mutated after creation;
// ownership moves from sender to queue to link to receiver.
type Packet struct {
	Seq         int64   // first payload byte
	Ack         int64   // next expected byte (valid with FlagACK)
	PayloadSize int     // payload bytes
	Window      int     // advertised receive window (valid with FlagACK)
	SentAt      float64 // virtual time the sender emitted it
	Flags       PacketFlags
	Retransmit  bool
}

// WireSize is the number of bytes the packet occupies on a link.
func (p *Packet) WireSize() int { return p.PayloadSize + HeaderBytes }

// End returns the sequence number following the payload.
func (p *Packet) End() int64 { return p.Seq + int64(p.PayloadSize) }

// IsAck reports whether the packet carries an acknowledgment.
func (p *Packet) IsAck() bool { return p.Flags&FlagACK != 0 }

func (p *Packet) String() string {
	return fmt.Sprintf("Packet(%s seq=%d ack=%d len=%d t=%.6fs)", p.Flags, p.Seq, p.Ack, p.PayloadSize, p.SentAt)
}
