package link

import (
	rb "github.com/glycerine/rbtree"

	"github.com/1ureka/udplink/internal/protocol"
)

// Buffer classes, in send order.
const (
	classUrgent uint8 = iota // acknowledgments, sent ahead of everything else
	classNormal
)

type bufEntry struct {
	class uint8
	seq   uint64
	unit  *protocol.Unit
}

// SendBuffer holds the units of one link that are waiting to be sent or
// acknowledged, in send order. Acknowledgment units pushed to the front
// precede all others. It is not safe for concurrent use; the owning link
// guards it with its lock.
type SendBuffer struct {
	tree *rb.Tree
	seq  uint64
}

// NewSendBuffer returns an empty buffer.
func NewSendBuffer() *SendBuffer {
	return &SendBuffer{
		tree: rb.NewTree(func(a, b rb.Item) int {
			av := a.(*bufEntry)
			bv := b.(*bufEntry)
			switch {
			case av.class != bv.class:
				return int(av.class) - int(bv.class)
			case av.seq < bv.seq:
				return -1
			case av.seq > bv.seq:
				return 1
			}
			return 0
		}),
	}
}

// Append adds u at the back.
func (b *SendBuffer) Append(u *protocol.Unit) {
	b.seq++
	b.tree.Insert(&bufEntry{class: classNormal, seq: b.seq, unit: u})
}

// PushFront adds units ahead of every non-urgent unit, keeping their order.
func (b *SendBuffer) PushFront(units ...*protocol.Unit) {
	for _, u := range units {
		b.seq++
		b.tree.Insert(&bufEntry{class: classUrgent, seq: b.seq, unit: u})
	}
}

// Len returns the number of buffered units.
func (b *SendBuffer) Len() int {
	return b.tree.Len()
}

// Visit is returned by a Scan callback.
type Visit int

const (
	Keep       Visit = iota // leave the unit and continue
	Remove                  // drop the unit and continue
	Stop                    // leave the unit and end the scan
	RemoveStop              // drop the unit and end the scan
)

// Scan calls fn for each unit in send order.
func (b *SendBuffer) Scan(fn func(u *protocol.Unit) Visit) {
	for it := b.tree.Min(); !it.Limit(); {
		e := it.Item().(*bufEntry)
		v := fn(e.unit)

		next := it.Next()
		if v == Remove || v == RemoveStop {
			b.tree.DeleteWithIterator(it)
		}
		if v == Stop || v == RemoveStop {
			return
		}
		it = next
	}
}

// Units returns the buffered units in send order.
func (b *SendBuffer) Units() []*protocol.Unit {
	out := make([]*protocol.Unit, 0, b.tree.Len())
	b.Scan(func(u *protocol.Unit) Visit {
		out = append(out, u)
		return Keep
	})
	return out
}

// Clear drops every unit.
func (b *SendBuffer) Clear() {
	b.tree.DeleteAll()
}
