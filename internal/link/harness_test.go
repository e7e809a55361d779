package link

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/udplink/internal/protocol"
)

var (
	addrA = netip.MustParseAddrPort("10.0.0.1:7000")
	addrB = netip.MustParseAddrPort("10.0.0.2:7000")
)

const tickInterval = 333 * time.Millisecond

// ---------------------------------------------------------------------------
// fake clock
// ---------------------------------------------------------------------------

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// fake host
// ---------------------------------------------------------------------------

type sendReq struct {
	l   *Link
	pkt *protocol.Packet
}

type dispatchReq struct {
	l    *Link
	q    *Reassembly
	last bool
}

// fakeHost records everything a link asks of its manager. Queued work is
// executed by the test through pair.drain.
type fakeHost struct {
	id protocol.PeerID

	mu         sync.Mutex
	sends      []sendReq
	dispatches []dispatchReq
	flushes    []*Link
	written    [][]byte
	removed    []*Link
	notified   []Event
	writeErr   error
}

func newFakeHost() *fakeHost {
	return &fakeHost{id: protocol.NewPeerID()}
}

func (h *fakeHost) LocalID(netip.AddrPort) protocol.PeerID { return h.id }

func (h *fakeHost) Write(_, _ netip.AddrPort, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writeErr != nil {
		return h.writeErr
	}
	h.written = append(h.written, data)
	return nil
}

func (h *fakeHost) QueueSend(l *Link, pkt *protocol.Packet) {
	h.mu.Lock()
	h.sends = append(h.sends, sendReq{l, pkt})
	h.mu.Unlock()
}

func (h *fakeHost) QueueDispatch(l *Link, q *Reassembly, last bool) {
	h.mu.Lock()
	h.dispatches = append(h.dispatches, dispatchReq{l, q, last})
	h.mu.Unlock()
}

func (h *fakeHost) QueueFlush(l *Link) {
	h.mu.Lock()
	h.flushes = append(h.flushes, l)
	h.mu.Unlock()
}

func (h *fakeHost) Remove(l *Link) {
	h.mu.Lock()
	h.removed = append(h.removed, l)
	h.mu.Unlock()
}

func (h *fakeHost) Notify(e Event) {
	h.mu.Lock()
	h.notified = append(h.notified, e)
	h.mu.Unlock()
}

func (h *fakeHost) take() ([]sendReq, []dispatchReq, []*Link) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, d, f := h.sends, h.dispatches, h.flushes
	h.sends, h.dispatches, h.flushes = nil, nil, nil
	return s, d, f
}

func (h *fakeHost) lastWritten() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.written[len(h.written)-1]
}

func (h *fakeHost) wasRemoved(l *Link) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.removed {
		if r == l {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// pair: two links wired back to back
// ---------------------------------------------------------------------------

// pair connects link a (host ha) and link b (host hb) through an in-memory
// path. Every Packet is encoded and decoded on the way, and filter may drop
// or rewrite it. Time only moves through tick.
type pair struct {
	t      *testing.T
	clock  *fakeClock
	opts   Options
	ha, hb *fakeHost
	a, b   *Link

	filter func(from *Link, pkt *protocol.Packet) *protocol.Packet

	received map[*Link][][]byte
	events   map[*Link][]EventType
	ticks    int
}

func newPair(t *testing.T, opts Options) *pair {
	t.Helper()
	p := &pair{
		t:        t,
		clock:    newFakeClock(),
		ha:       newFakeHost(),
		hb:       newFakeHost(),
		received: make(map[*Link][][]byte),
		events:   make(map[*Link][]EventType),
	}
	opts.Clock = p.clock.Now
	p.opts = opts

	p.a = p.attach(New(p.ha, p.hb.id, addrA, addrB, opts))
	p.b = p.attach(New(p.hb, p.ha.id, addrB, addrA, opts))
	return p
}

func (p *pair) attach(l *Link) *Link {
	l.Subscribe(func(e Event) {
		p.events[l] = append(p.events[l], e.Type)
		if e.Type == EventReceived {
			p.received[l] = append(p.received[l], e.Unit.Payload)
		}
	})
	return l
}

// restartA replaces a with a fresh link, as if its process restarted.
func (p *pair) restartA() *Link {
	p.clock.Advance(time.Millisecond)
	p.a = p.attach(New(p.ha, p.hb.id, addrA, addrB, p.opts))
	return p.a
}

func (p *pair) peerOf(l *Link) *Link {
	if l == p.b {
		return p.a
	}
	return p.b
}

func (p *pair) hostOf(l *Link) *fakeHost {
	if l == p.b {
		return p.hb
	}
	return p.ha
}

// drain runs queued sends, flushes and dispatches until nothing is left.
func (p *pair) drain() {
	p.t.Helper()
	for round := 0; round < 1000; round++ {
		busy := false
		for _, h := range []*fakeHost{p.ha, p.hb} {
			sends, dispatches, flushes := h.take()
			for _, l := range flushes {
				busy = true
				l.Send()
			}
			for _, s := range sends {
				busy = true
				p.deliver(h, s)
			}
			for _, d := range dispatches {
				busy = true
				for d.l.Dispatch(d.q, d.last) {
				}
			}
		}
		if !busy {
			return
		}
	}
	p.t.Fatal("traffic did not settle")
}

func (p *pair) deliver(h *fakeHost, s sendReq) {
	p.t.Helper()

	s.l.Transmit(s.pkt)
	if h.writeErr != nil {
		return
	}

	pkt, err := protocol.Decode(h.lastWritten(), s.l.Local())
	require.NoError(p.t, err)

	if p.filter != nil {
		if pkt = p.filter(s.l, pkt); pkt == nil {
			return
		}
	}

	to := p.peerOf(s.l)
	if to.IsDone() {
		return
	}
	to.ProcessPacket(pkt)
}

// tick advances time by one manager tick and runs the timers of both links
// the way the manager does: every third tick sends everything, the others
// only acknowledgments.
func (p *pair) tick() {
	p.clock.Advance(tickInterval)
	p.ticks++
	for _, l := range []*Link{p.a, p.b} {
		if p.ticks%3 == 0 {
			l.SendAll()
		} else {
			l.SendAcksPing()
		}
	}
	p.drain()
}

func (p *pair) run(n int) {
	for i := 0; i < n; i++ {
		p.tick()
	}
}

// runUntil ticks until cond holds, at most limit times.
func (p *pair) runUntil(limit int, cond func() bool) bool {
	for i := 0; i < limit; i++ {
		if cond() {
			return true
		}
		p.tick()
	}
	return cond()
}

// connect performs the handshake and waits for both sides to settle.
func (p *pair) connect() {
	p.t.Helper()
	p.a.Connect()
	p.drain()
	ok := p.runUntil(30, func() bool {
		return p.a.IsEstablished() && p.b.IsEstablished() && p.a.mtuIsDone() && p.b.mtuIsDone()
	})
	require.True(p.t, ok, "handshake did not complete")
}

func (p *pair) count(l *Link, t EventType) int {
	n := 0
	for _, e := range p.events[l] {
		if e == t {
			n++
		}
	}
	return n
}

func (l *Link) mtuIsDone() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mtuDone
}

// queued counts the units of type t in the send buffer.
func (l *Link) queued(t protocol.UnitType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	l.buffer.Scan(func(u *protocol.Unit) Visit {
		if u.Type == t {
			n++
		}
		return Keep
	})
	return n
}
