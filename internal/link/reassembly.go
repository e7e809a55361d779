package link

import (
	"sync"

	"github.com/google/btree"

	"github.com/1ureka/udplink/internal/protocol"
)

// DispatchBatch bounds the messages delivered per dispatch pass so that one
// busy link cannot starve the others sharing the dispatch worker.
const DispatchBatch = 10

// Reassembly holds received units of one remote session until they can be
// delivered in id order. Fragments are joined once every part is present.
// It is fed by the link manager and drained by the dispatch worker.
type Reassembly struct {
	mu    sync.Mutex
	units *btree.BTreeG[*protocol.Unit]
	last  uint32 // id of the last delivered unit
}

// NewReassembly creates a queue expecting ids starting at 1.
func NewReassembly() *Reassembly {
	return &Reassembly{
		units: btree.NewG[*protocol.Unit](16, func(a, b *protocol.Unit) bool { return a.ID < b.ID }),
	}
}

// Add inserts u. It returns false if u was already delivered or is already held.
func (r *Reassembly) Add(u *protocol.Unit) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if u.ID <= r.last || r.units.Has(u) {
		return false
	}
	r.units.ReplaceOrInsert(u)
	return true
}

// Len returns the number of held units.
func (r *Reassembly) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.units.Len()
}

// Next removes and returns up to limit messages that are ready for delivery,
// in order. more is true when another message was ready beyond limit.
// A limit of zero or less means no limit.
func (r *Reassembly) Next(limit int) (msgs []*protocol.Unit, more bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		parts, ok := r.ready()
		if !ok {
			return msgs, false
		}
		if limit > 0 && len(msgs) == limit {
			return msgs, true
		}

		for _, p := range parts {
			r.units.Delete(p)
		}
		r.last = parts[len(parts)-1].ID
		msgs = append(msgs, protocol.Combine(parts))
	}
}

// ready returns the parts of the next message if it directly follows the
// last delivered id and all of its parts are present.
func (r *Reassembly) ready() ([]*protocol.Unit, bool) {
	first, ok := r.units.Min()
	if !ok || first.ID != r.last+1 {
		return nil, false
	}

	n := max(1, int(first.Parts))
	parts := make([]*protocol.Unit, 0, n)
	r.units.AscendGreaterOrEqual(first, func(u *protocol.Unit) bool {
		if u.ID != first.ID+uint32(len(parts)) {
			return false
		}
		parts = append(parts, u)
		return len(parts) < n
	})

	if len(parts) < n {
		return nil, false
	}
	return parts, true
}

// HasGap reports whether units are held that cannot be delivered yet.
func (r *Reassembly) HasGap() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	first, ok := r.units.Min()
	return ok && first.ID != r.last+1
}
