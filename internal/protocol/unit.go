package protocol

import (
	"fmt"
	"time"
)

// UnitType is the kind of a Data Unit.
type UnitType uint8

// Data Unit types, in wire order.
const (
	TypePingAck UnitType = iota // acknowledgment payload, doubles as keep-alive
	TypeMessage                 // application payload
	TypeHello                   // session start
	TypeGoodbye                 // session teardown
	TypeMTUTest                 // path MTU probe
	TypeMTUAck                  // acknowledgment of MTU probes
)

func (t UnitType) String() string {
	switch t {
	case TypePingAck:
		return "PING_ACK"
	case TypeMessage:
		return "MESSAGE"
	case TypeHello:
		return "HELLO"
	case TypeGoodbye:
		return "GOODBYE"
	case TypeMTUTest:
		return "MTU_TEST"
	case TypeMTUAck:
		return "MTU_ACK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// IsAck reports whether units of this type carry acknowledgments.
func (t UnitType) IsAck() bool {
	return t == TypePingAck || t == TypeMTUAck
}

// UnitHeaderSize is Type(1) + UserType(1) + SendCount(1) + ID(4) + Part(2) + Parts(2) + Length(4).
const UnitHeaderSize = 15

// MaxParts is the largest number of fragments one message may be split into.
const MaxParts = 32767

// UserTypeUnspecified is the user type of payloads queued without one.
const UserTypeUnspecified uint8 = 0xFF

// Unit is one sequence-numbered Data Unit. A message larger than one
// Packet is carried by Parts units with contiguous IDs; Part is 1-based.
type Unit struct {
	Type      UnitType
	UserType  uint8
	SendCount uint8
	ID        uint32
	Part      uint16
	Parts     uint16
	Payload   []byte

	// Sender-side bookkeeping, guarded by the owning link's lock.
	queued bool
	sent   bool
	sentAt time.Time
}

// NewUnit returns a single-part unit.
func NewUnit(t UnitType, id uint32, payload []byte) *Unit {
	return &Unit{Type: t, UserType: UserTypeUnspecified, ID: id, Part: 1, Parts: 1, Payload: payload}
}

// Len returns the encoded size of the unit.
func (u *Unit) Len() int {
	return UnitHeaderSize + len(u.Payload)
}

// IsQueued reports whether the unit is packed into a Packet that has not
// been written yet.
func (u *Unit) IsQueued() bool { return u.queued }

// IsSent reports whether the unit has been written and not yet marked for resend.
func (u *Unit) IsSent() bool { return u.sent }

// SentAt returns the time of the last write, zero if never written.
func (u *Unit) SentAt() time.Time { return u.sentAt }

// MarkQueued records that the unit was packed into an outgoing Packet.
func (u *Unit) MarkQueued() { u.queued = true }

// MarkSent records a completed write.
func (u *Unit) MarkSent(now time.Time) {
	u.queued = false
	u.sent = true
	u.sentAt = now
	if u.SendCount < 0xFF {
		u.SendCount++
	}
}

// Unqueue returns a unit whose write failed to the pending state.
func (u *Unit) Unqueue() { u.queued = false }

// Resend makes the unit eligible for the next packing pass.
func (u *Unit) Resend() {
	u.queued = false
	u.sent = false
	u.sentAt = time.Time{}
}

// Elapsed returns the time since the last write, zero if the unit was never
// written or is waiting to be resent.
func (u *Unit) Elapsed(now time.Time) time.Duration {
	if u.sentAt.IsZero() {
		return 0
	}
	return now.Sub(u.sentAt)
}

func (u *Unit) String() string {
	if u.Parts > 1 {
		return fmt.Sprintf("%s#%d (%d/%d) %dB", u.Type, u.ID, u.Part, u.Parts, len(u.Payload))
	}
	return fmt.Sprintf("%s#%d %dB", u.Type, u.ID, len(u.Payload))
}

// Combine joins the parts of a fragmented message into one unit with the
// first part's identity. The parts must be in order.
func Combine(parts []*Unit) *Unit {
	if len(parts) == 1 {
		return parts[0]
	}

	size := 0
	for _, p := range parts {
		size += len(p.Payload)
	}

	first := parts[0]
	out := &Unit{
		Type:      first.Type,
		UserType:  first.UserType,
		SendCount: first.SendCount,
		ID:        first.ID,
		Part:      1,
		Parts:     1,
		Payload:   make([]byte, 0, size),
	}
	for _, p := range parts {
		out.Payload = append(out.Payload, p.Payload...)
	}
	return out
}
