// Package protocol defines the on-wire framing of the reliable UDP link layer:
// Data Units, the Packet envelope that carries them, and their codec.
package protocol

import (
	"fmt"
	"net/netip"

	"github.com/google/uuid"
)

// Tag is the protocol byte that starts every Packet.
const Tag byte = 'A'

// Packet header layout:
// Tag(1) + Session(8) + Src(36) + Dst(36) + DstAddr(6) + SrcAddr(6) + Count(2) + Checksum(8).
const (
	PeerIDSize   = 36
	addrSize     = 6
	HeaderSize   = 1 + 8 + PeerIDSize*2 + addrSize*2 + 2 + 8
	checksumFrom = HeaderSize - 8
)

// Path MTU bounds and the IP + UDP overhead that is not part of the datagram.
const (
	MinMTU       = 576
	MaxMTU       = 1364
	IPUDPHeaders = 28

	// MaxDatagramSize is the largest datagram a peer ever writes.
	MaxDatagramSize = MaxMTU - IPUDPHeaders
)

// MaxPayload returns the datagram size available at the given MTU.
func MaxPayload(mtu int) int { return mtu - IPUDPHeaders }

// MaxMessage returns the space left for Data Units at the given MTU.
func MaxMessage(mtu int) int { return MaxPayload(mtu) - HeaderSize }

// MaxData returns the largest unit payload that fits a single Packet at the given MTU.
func MaxData(mtu int) int { return MaxMessage(mtu) - UnitHeaderSize }

// ---------------------------------------------------------------------------
// PeerID
// ---------------------------------------------------------------------------

// PeerID identifies a transport endpoint. It is the 36-character textual
// form of a UUID.
type PeerID [PeerIDSize]byte

// UnknownPeer is the id used before the remote side has introduced itself.
var UnknownPeer = PeerIDFromUUID(uuid.Nil)

// NewPeerID returns a fresh random id.
func NewPeerID() PeerID {
	return PeerIDFromUUID(uuid.New())
}

// PeerIDFromUUID converts a UUID to its wire form.
func PeerIDFromUUID(u uuid.UUID) PeerID {
	var id PeerID
	copy(id[:], u.String())
	return id
}

// ParsePeerID parses the textual form of a PeerID.
func ParsePeerID(s string) (PeerID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return PeerID{}, fmt.Errorf("invalid peer id %q: %w", s, err)
	}
	return PeerIDFromUUID(u), nil
}

// IsUnknown reports whether id is the placeholder for an unknown peer.
func (id PeerID) IsUnknown() bool {
	return id == UnknownPeer || id == PeerID{}
}

func (id PeerID) String() string { return string(id[:]) }

// Short returns the first block of the id, enough to tell peers apart in logs.
func (id PeerID) Short() string { return string(id[:8]) }

// ---------------------------------------------------------------------------
// Packet
// ---------------------------------------------------------------------------

// Packet is one datagram: a checksummed header plus one or more Data Units.
type Packet struct {
	Session uint64
	Src     PeerID
	Dst     PeerID
	DstAddr netip.AddrPort // where the sender addressed the datagram
	SrcAddr netip.AddrPort // the sender's own socket address

	// Apparent is the address the datagram actually arrived from. It is
	// filled in on receipt and is not part of the wire format.
	Apparent netip.AddrPort

	Units []*Unit
}

// Len returns the encoded size of the Packet.
func (p *Packet) Len() int {
	n := HeaderSize
	for _, u := range p.Units {
		n += u.Len()
	}
	return n
}

// WireLen returns the size of the Packet including IP and UDP headers.
func (p *Packet) WireLen() int {
	return p.Len() + IPUDPHeaders
}

// HasSpace reports whether u still fits within maxPayload bytes.
func (p *Packet) HasSpace(maxPayload int, u *Unit) bool {
	return maxPayload-p.Len() >= u.Len()
}

// Add appends a unit.
func (p *Packet) Add(u *Unit) {
	p.Units = append(p.Units, u)
}

// RequiresExistingLink reports whether the Packet must not create a new link:
// it carries a GOODBYE or only acknowledgments.
func (p *Packet) RequiresExistingLink() bool {
	onlyAcks := true
	for _, u := range p.Units {
		switch u.Type {
		case TypeGoodbye:
			return true
		case TypePingAck, TypeMTUAck:
		default:
			onlyAcks = false
		}
	}
	return onlyAcks
}

func (p *Packet) String() string {
	return fmt.Sprintf("session=%d %s->%s units=%d len=%d", p.Session, p.Src.Short(), p.Dst.Short(), len(p.Units), p.Len())
}
