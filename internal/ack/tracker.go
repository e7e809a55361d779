// Package ack records received Data Unit ids as an ordered set of merged
// ranges and encodes that set for transmission inside acknowledgment units.
package ack

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/btree"
)

// Metering limits how often an unchanged ack set is re-sent.
const (
	MeterInterval = 2500 * time.Millisecond
	meterRepeats  = 5
)

// Range is an inclusive span of ids.
type Range struct {
	Start, End uint32
}

// Contains reports whether id lies within the range.
func (r Range) Contains(id uint32) bool {
	return id >= r.Start && id <= r.End
}

func (r Range) String() string {
	if r.Start == r.End {
		return fmt.Sprintf("%d", r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

func byStart(a, b Range) bool { return a.Start < b.Start }

// Tracker is the set of ids received in one session. Ranges never touch or
// overlap: an id adjacent to a range extends it, and a range that grows into
// its neighbour is merged with it.
//
// Tracker is not safe for concurrent use.
type Tracker struct {
	session uint64
	ranges  *btree.BTreeG[Range]

	// ids of the ack units generated from this tracker
	unitID uint32

	meter     bool
	mods      uint64
	sentMods  uint64
	sentAt    time.Time
	sentTimes int
}

// New returns an empty tracker for the given session. Metering is on.
func New(session uint64) *Tracker {
	return &Tracker{
		session: session,
		ranges:  btree.NewG[Range](8, byStart),
		meter:   true,
	}
}

// Session returns the session the tracked ids belong to.
func (t *Tracker) Session() uint64 { return t.session }

// SetMeter switches ack metering on or off.
func (t *Tracker) SetMeter(on bool) { t.meter = on }

// Len returns the number of ranges.
func (t *Tracker) Len() int { return t.ranges.Len() }

// Ack records id. It returns false if id was already present.
func (t *Tracker) Ack(id uint32) bool {
	prev, hasPrev := t.floor(id)
	if hasPrev && prev.End >= id {
		return false
	}

	var next Range
	var hasNext bool
	if id < math.MaxUint32 {
		t.ranges.AscendGreaterOrEqual(Range{Start: id + 1}, func(r Range) bool {
			next, hasNext = r, true
			return false
		})
	}

	joinPrev := hasPrev && prev.End+1 == id
	joinNext := hasNext && next.Start == id+1

	switch {
	case joinPrev && joinNext:
		t.ranges.Delete(next)
		t.ranges.ReplaceOrInsert(Range{Start: prev.Start, End: next.End})
	case joinPrev:
		t.ranges.ReplaceOrInsert(Range{Start: prev.Start, End: id})
	case joinNext:
		t.ranges.Delete(next)
		t.ranges.ReplaceOrInsert(Range{Start: id, End: next.End})
	default:
		t.ranges.ReplaceOrInsert(Range{Start: id, End: id})
	}

	t.mods++
	return true
}

// Contains reports whether id has been acked.
func (t *Tracker) Contains(id uint32) bool {
	r, ok := t.floor(id)
	return ok && r.End >= id
}

// Ascend calls fn for each range in increasing order until fn returns false.
func (t *Tracker) Ascend(fn func(Range) bool) {
	t.ranges.Ascend(fn)
}

// Ranges returns a copy of the ranges in increasing order.
func (t *Tracker) Ranges() []Range {
	out := make([]Range, 0, t.ranges.Len())
	t.Ascend(func(r Range) bool {
		out = append(out, r)
		return true
	})
	return out
}

// floor returns the range with the largest start not above id.
func (t *Tracker) floor(id uint32) (r Range, ok bool) {
	t.ranges.DescendLessOrEqual(Range{Start: id}, func(item Range) bool {
		r, ok = item, true
		return false
	})
	return
}

// Flush returns the ack payloads to send now, each fitting in maxData bytes.
// It returns nil when the set is empty, or when metering holds back a set
// that was already sent several times within MeterInterval.
func (t *Tracker) Flush(now time.Time, maxData int) [][]byte {
	if t.meter && t.mods == t.sentMods && now.Sub(t.sentAt) < MeterInterval && t.sentTimes > meterRepeats {
		return nil
	}

	if t.mods == t.sentMods {
		t.sentTimes++
	} else {
		t.sentMods = t.mods
		t.sentTimes = 1
	}
	t.sentAt = now

	if t.ranges.Len() == 0 {
		return nil
	}

	perChunk := MaxRanges(maxData)
	ranges := t.Ranges()

	var out [][]byte
	for len(ranges) > 0 {
		n := min(len(ranges), perChunk)
		out = append(out, Encode(t.session, ranges[:n]))
		ranges = ranges[n:]
	}
	return out
}

// NextUnitID returns the id for the next ack unit built from this tracker.
// Ack units are never reassembled, so these ids live in their own space.
func (t *Tracker) NextUnitID() uint32 {
	t.unitID++
	return t.unitID
}

func (t *Tracker) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "session %d [", t.session)
	first := true
	t.Ascend(func(r Range) bool {
		if !first {
			sb.WriteString(", ")
		}
		first = false
		sb.WriteString(r.String())
		return true
	})
	sb.WriteString("]")
	return sb.String()
}
