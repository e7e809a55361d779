package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"net/netip"
)

var (
	ErrTooShort  = errors.New("packet too short")
	ErrProtocol  = errors.New("unknown protocol tag")
	ErrChecksum  = errors.New("checksum mismatch")
	ErrTruncated = errors.New("truncated data unit")
)

// salt is appended to the header bytes before computing the checksum so
// that stray traffic on the port does not pass as a valid Packet.
var salt = []byte{8, 6, 7, 5, 3, 0, 9, 55, 39, 1, 10, 31, 19, 68, 5, 27, 20, 1}

var be = binary.BigEndian

// Encode serializes a Packet into a datagram.
func Encode(pkt *Packet) []byte {
	buf := make([]byte, pkt.Len())

	buf[0] = Tag
	be.PutUint64(buf[1:9], pkt.Session)
	copy(buf[9:45], pkt.Src[:])
	copy(buf[45:81], pkt.Dst[:])
	putAddr(buf[81:87], pkt.DstAddr)
	putAddr(buf[87:93], pkt.SrcAddr)
	be.PutUint16(buf[93:95], uint16(len(pkt.Units)))
	be.PutUint64(buf[95:103], uint64(checksum(buf[:checksumFrom])))

	off := HeaderSize
	for _, u := range pkt.Units {
		off += encodeUnit(buf[off:], u)
	}
	return buf
}

// Decode parses a datagram received from the given address. Packets that
// are undersized, carry the wrong tag, or fail the checksum are rejected.
func Decode(data []byte, from netip.AddrPort) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrTooShort, len(data), HeaderSize)
	}
	if data[0] != Tag {
		return nil, fmt.Errorf("%w: 0x%02x", ErrProtocol, data[0])
	}

	want := be.Uint64(data[95:103])
	if got := uint64(checksum(data[:checksumFrom])); got != want {
		return nil, fmt.Errorf("%w: got %08x, header says %08x", ErrChecksum, got, want)
	}

	pkt := &Packet{
		Session:  be.Uint64(data[1:9]),
		DstAddr:  getAddr(data[81:87]),
		SrcAddr:  getAddr(data[87:93]),
		Apparent: from,
	}
	copy(pkt.Src[:], data[9:45])
	copy(pkt.Dst[:], data[45:81])

	count := int(be.Uint16(data[93:95]))
	pkt.Units = make([]*Unit, 0, count)

	off := HeaderSize
	for i := 0; i < count; i++ {
		u, n, err := decodeUnit(data[off:])
		if err != nil {
			return nil, fmt.Errorf("unit %d of %d: %w", i+1, count, err)
		}
		pkt.Units = append(pkt.Units, u)
		off += n
	}

	return pkt, nil
}

func checksum(header []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write(header)
	h.Write(salt)
	return h.Sum32()
}

// putAddr writes an IPv4 address and port. Other address families are
// written as 0.0.0.0 with their port.
func putAddr(b []byte, ap netip.AddrPort) {
	if a := ap.Addr().Unmap(); a.Is4() {
		ip := a.As4()
		copy(b[0:4], ip[:])
	}
	be.PutUint16(b[4:6], ap.Port())
}

func getAddr(b []byte) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte(b[0:4])), be.Uint16(b[4:6]))
}

func encodeUnit(b []byte, u *Unit) int {
	b[0] = byte(u.Type)
	b[1] = u.UserType
	b[2] = u.SendCount
	be.PutUint32(b[3:7], u.ID)
	be.PutUint16(b[7:9], u.Part)
	be.PutUint16(b[9:11], u.Parts)
	be.PutUint32(b[11:15], uint32(len(u.Payload)))
	copy(b[UnitHeaderSize:], u.Payload)
	return u.Len()
}

func decodeUnit(b []byte) (*Unit, int, error) {
	if len(b) < UnitHeaderSize {
		return nil, 0, fmt.Errorf("%w: %d header bytes left", ErrTruncated, len(b))
	}

	t := UnitType(b[0])
	if t > TypeMTUAck {
		return nil, 0, fmt.Errorf("%w: unit type %d", ErrProtocol, b[0])
	}

	size := be.Uint32(b[11:15])
	if uint64(size) > uint64(len(b)-UnitHeaderSize) {
		return nil, 0, fmt.Errorf("%w: length %d, %d bytes left", ErrTruncated, size, len(b)-UnitHeaderSize)
	}

	// the count on the wire excludes the transmission carrying it
	count := b[2]
	if count < 0xFF {
		count++
	}

	u := &Unit{
		Type:      t,
		UserType:  b[1],
		SendCount: count,
		ID:        be.Uint32(b[3:7]),
		Part:      be.Uint16(b[7:9]),
		Parts:     be.Uint16(b[9:11]),
	}
	if size > 0 {
		u.Payload = make([]byte, size)
		copy(u.Payload, b[UnitHeaderSize:UnitHeaderSize+int(size)])
	}

	return u, UnitHeaderSize + int(size), nil
}
