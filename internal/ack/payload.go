package ack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
)

// Ack payload layout: Session(8) + Count(4) + Count * (Start(4) + End(4)).
const (
	payloadHeader = 12
	rangeSize     = 8
)

var ErrMalformed = errors.New("malformed ack payload")

// MaxRanges returns how many ranges fit into one payload of maxData bytes.
func MaxRanges(maxData int) int {
	return max(1, (maxData-payloadHeader)/rangeSize)
}

// Encode serializes ranges for the given session.
func Encode(session uint64, ranges []Range) []byte {
	buf := make([]byte, payloadHeader+len(ranges)*rangeSize)
	binary.BigEndian.PutUint64(buf[0:8], session)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(ranges)))

	off := payloadHeader
	for _, r := range ranges {
		binary.BigEndian.PutUint32(buf[off:], r.Start)
		binary.BigEndian.PutUint32(buf[off+4:], r.End)
		off += rangeSize
	}
	return buf
}

// Set is a decoded ack payload. It is only used to prune a send buffer.
type Set struct {
	Session uint64
	Ranges  []Range
}

// Decode parses an ack payload.
func Decode(b []byte) (*Set, error) {
	if len(b) < payloadHeader {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}

	count := binary.BigEndian.Uint32(b[8:12])
	if uint64(count)*rangeSize != uint64(len(b)-payloadHeader) {
		return nil, fmt.Errorf("%w: %d ranges in %d bytes", ErrMalformed, count, len(b))
	}

	s := &Set{
		Session: binary.BigEndian.Uint64(b[0:8]),
		Ranges:  make([]Range, count),
	}
	off := payloadHeader
	for i := range s.Ranges {
		r := Range{
			Start: binary.BigEndian.Uint32(b[off:]),
			End:   binary.BigEndian.Uint32(b[off+4:]),
		}
		if r.End < r.Start {
			return nil, fmt.Errorf("%w: range %s", ErrMalformed, r)
		}
		s.Ranges[i] = r
		off += rangeSize
	}

	slices.SortFunc(s.Ranges, func(a, b Range) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})
	return s, nil
}

// Contains reports whether id is covered by the set.
func (s *Set) Contains(id uint32) bool {
	_, found := slices.BinarySearchFunc(s.Ranges, id, func(r Range, id uint32) int {
		switch {
		case r.End < id:
			return -1
		case r.Start > id:
			return 1
		}
		return 0
	})
	return found
}
