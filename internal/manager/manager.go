// Package manager owns the set of peer links of one transport instance. A
// single event goroutine routes inbound packets to links, creates links on
// first contact and drives their timers; a dispatch worker delivers
// reassembled messages outside that goroutine.
package manager

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/glycerine/idem"

	"github.com/1ureka/udplink/internal/link"
	"github.com/1ureka/udplink/internal/metrics"
	"github.com/1ureka/udplink/internal/protocol"
	"github.com/1ureka/udplink/internal/util"
)

// TickInterval is the manager timer period. Every sendAllEvery-th tick runs
// the full resend scan; the others only flush acknowledgments.
const (
	TickInterval = 333 * time.Millisecond
	sendAllEvery = 3
)

var ErrStopped = errors.New("link manager stopped")

// Sockets is what the manager needs from the transport server.
type Sockets interface {
	LocalID(local netip.AddrPort) protocol.PeerID
	Write(local, remote netip.AddrPort, data []byte) error
	QueueSend(l *link.Link, pkt *protocol.Packet)
}

// Options configure a Manager.
type Options struct {
	Link    link.Options
	Metrics metrics.Recorder
	Stats   *util.Stats

	// TickInterval overrides the timer period. Tests only.
	TickInterval time.Duration
}

// EventType is a manager lifecycle notification.
type EventType int

const (
	EventCreated EventType = iota + 1
	EventDestroyed
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "CREATED"
	case EventDestroyed:
		return "DESTROYED"
	}
	return "UNKNOWN"
}

// Event reports a link entering or leaving the manager.
type Event struct {
	Type EventType
	Link *link.Link
}

// ---------------------------------------------------------------------------
// Event queue items
// ---------------------------------------------------------------------------

type eventKind int

const (
	evPacket eventKind = iota
	evOpen
	evFlush
	evRemove
	evTick
)

type event struct {
	kind  eventKind
	pkt   *protocol.Packet
	local netip.AddrPort
	link  *link.Link

	remote netip.AddrPort
	reply  chan *link.Link
}

type addrKey struct{ local, remote netip.AddrPort }

type idKey struct {
	id    protocol.PeerID
	local netip.AddrPort
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// Manager routes packets to links and runs their timers. All link state
// transitions happen on its event goroutine.
type Manager struct {
	sockets Sockets
	opts    Options
	events  *util.Queue[event]
	disp    *Dispatcher
	halt    *idem.Halter
	ticks   int

	mu     sync.Mutex
	byAddr map[addrKey]*link.Link
	byID   map[idKey]*link.Link

	subs     util.Subscribers[Event]
	linkSubs util.Subscribers[link.Event]
}

// New creates a stopped manager. Call Start to run it.
func New(sockets Sockets, opts Options) *Manager {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewDummy()
	}
	if opts.Stats == nil {
		opts.Stats = util.NewStats()
	}
	if opts.Link.Metrics == nil {
		opts.Link.Metrics = opts.Metrics
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = TickInterval
	}

	return &Manager{
		sockets: sockets,
		opts:    opts,
		events:  util.NewQueue[event](),
		disp:    NewDispatcher(),
		halt:    idem.NewHalter(),
		byAddr:  make(map[addrKey]*link.Link),
		byID:    make(map[idKey]*link.Link),
	}
}

// Start launches the event goroutine, the timer and the dispatch worker.
func (m *Manager) Start() {
	m.disp.Start()
	go m.timer()
	go m.run()
}

// Stop finishes every link and stops the event goroutine and the dispatch
// worker. Links are killed, not closed; use Drain first for a graceful stop.
func (m *Manager) Stop() {
	m.halt.ReqStop.Close()
	<-m.halt.Done.Chan
}

// Done is closed once the manager has stopped.
func (m *Manager) Done() <-chan struct{} { return m.halt.Done.Chan }

// Subscribe registers fn for CREATED and DESTROYED events.
func (m *Manager) Subscribe(fn func(Event)) (cancel func()) {
	return m.subs.Subscribe(fn)
}

// SubscribeLinks registers fn for the events of every link.
func (m *Manager) SubscribeLinks(fn func(link.Event)) (cancel func()) {
	return m.linkSubs.Subscribe(fn)
}

// Deliver hands a decoded packet received on the socket bound to local to
// the event goroutine.
func (m *Manager) Deliver(pkt *protocol.Packet, local netip.AddrPort) {
	m.events.Put(event{kind: evPacket, pkt: pkt, local: local})
}

// Open returns the link from local to remote, creating it and starting the
// handshake if none exists. A link that is closing is returned as is; a new
// one is created only after it has finished.
func (m *Manager) Open(local, remote netip.AddrPort) (*link.Link, error) {
	reply := make(chan *link.Link, 1)
	if !m.events.Put(event{kind: evOpen, local: local, remote: remote, reply: reply}) {
		return nil, ErrStopped
	}
	select {
	case l := <-reply:
		return l, nil
	case <-m.halt.Done.Chan:
		return nil, ErrStopped
	}
}

// Links returns a snapshot of the live links.
func (m *Manager) Links() []*link.Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*link.Link, 0, len(m.byAddr))
	for _, l := range m.byAddr {
		out = append(out, l)
	}
	return out
}

// Find returns the live link whose name, peer id or remote address is key.
func (m *Manager) Find(key string) *link.Link {
	for _, l := range m.Links() {
		if l.Name() == key || l.ID().String() == key || l.Remote().String() == key {
			return l
		}
	}
	return nil
}

// Drain closes every link gracefully and waits until all have finished or
// ctx is done.
func (m *Manager) Drain(ctx context.Context) error {
	for _, l := range m.Links() {
		l.Close()
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(m.Links()) == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-m.halt.Done.Chan:
			return nil
		}
	}
}

// ---------------------------------------------------------------------------
// Event goroutine
// ---------------------------------------------------------------------------

func (m *Manager) timer() {
	ticker := time.NewTicker(m.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.events.Put(event{kind: evTick})
		case <-m.halt.ReqStop.Chan:
			return
		}
	}
}

func (m *Manager) run() {
	defer m.halt.Done.Close()
	defer m.shutdown()

	for {
		e, ok := m.events.Take(m.halt.ReqStop.Chan)
		if !ok {
			return
		}

		switch e.kind {
		case evPacket:
			m.handlePacket(e.pkt, e.local)
		case evOpen:
			e.reply <- m.open(e.local, e.remote)
		case evFlush:
			if !e.link.IsDone() {
				e.link.Send()
			}
		case evRemove:
			m.remove(e.link)
		case evTick:
			m.tick()
		}
	}
}

func (m *Manager) handlePacket(pkt *protocol.Packet, local netip.AddrPort) {
	l := m.lookup(pkt.Src, local, pkt.Apparent)

	if l == nil {
		if pkt.RequiresExistingLink() {
			util.LogDebug("no link for %s from %s, dropping", pkt, pkt.Apparent)
			return
		}
		l = m.create(pkt.Src, local, pkt.Apparent)
	} else if !pkt.Src.IsUnknown() && l.ID() != pkt.Src {
		if !l.ID().IsUnknown() {
			util.LogWarning("%s peer id changed to %s", l, pkt.Src)
		}
		m.setID(l, pkt.Src)
	}

	if pkt.SrcAddr.Port() != 0 && pkt.SrcAddr != pkt.Apparent && util.DebugEnabled() {
		util.LogDebug("%s reports itself as %s", l, pkt.SrcAddr)
	}
	l.ProcessPacket(pkt)
}

// lookup finds a link by peer id on the given local socket, falling back to
// the remote address for peers that have not introduced themselves.
func (m *Manager) lookup(id protocol.PeerID, local, remote netip.AddrPort) *link.Link {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !id.IsUnknown() {
		if l, ok := m.byID[idKey{id, local}]; ok {
			return l
		}
	}
	return m.byAddr[addrKey{local, remote}]
}

func (m *Manager) open(local, remote netip.AddrPort) *link.Link {
	m.mu.Lock()
	l, ok := m.byAddr[addrKey{local, remote}]
	m.mu.Unlock()

	// A closing link is still the link to remote until it finishes; callers
	// get ErrClosing from Queue and may open again once it is done.
	if ok && !l.IsDone() {
		return l
	}
	if ok {
		m.remove(l)
	}

	l = m.create(protocol.UnknownPeer, local, remote)
	l.Connect()
	return l
}

func (m *Manager) create(id protocol.PeerID, local, remote netip.AddrPort) *link.Link {
	l := link.New(m, id, local, remote, m.opts.Link)

	m.mu.Lock()
	m.byAddr[addrKey{local, remote}] = l
	if !id.IsUnknown() {
		m.byID[idKey{id, local}] = l
	}
	m.mu.Unlock()

	m.opts.Stats.AddLink()
	m.opts.Metrics.LinkCreated()
	util.LogDebug("%s created on %s", l, local)
	m.subs.Publish(Event{Type: EventCreated, Link: l})
	return l
}

func (m *Manager) setID(l *link.Link, id protocol.PeerID) {
	m.mu.Lock()
	old := l.ID()
	if m.byID[idKey{old, l.Local()}] == l {
		delete(m.byID, idKey{old, l.Local()})
	}
	m.byID[idKey{id, l.Local()}] = l
	m.mu.Unlock()

	l.SetID(id)
}

// remove drops l from the tables. It is a no-op if l was already removed
// or replaced.
func (m *Manager) remove(l *link.Link) {
	m.mu.Lock()
	ak := addrKey{l.Local(), l.Remote()}
	if m.byAddr[ak] != l {
		m.mu.Unlock()
		return
	}
	delete(m.byAddr, ak)
	ik := idKey{l.ID(), l.Local()}
	if m.byID[ik] == l {
		delete(m.byID, ik)
	}
	m.mu.Unlock()

	m.opts.Stats.RemoveLink()
	m.opts.Metrics.LinkDestroyed()
	util.LogDebug("%s destroyed", l)
	m.subs.Publish(Event{Type: EventDestroyed, Link: l})
}

func (m *Manager) tick() {
	m.ticks++
	all := m.ticks%sendAllEvery == 0

	for _, l := range m.Links() {
		if l.IsDone() {
			continue
		}
		if all {
			l.SendAll()
		} else {
			l.SendAcksPing()
		}
	}
}

// shutdown runs on the event goroutine after it leaves its loop.
func (m *Manager) shutdown() {
	m.events.Close()

	for _, l := range m.Links() {
		l.Kill()
		m.remove(l)
	}
	m.disp.Stop()
}

// ---------------------------------------------------------------------------
// link.Host
// ---------------------------------------------------------------------------

func (m *Manager) LocalID(local netip.AddrPort) protocol.PeerID {
	return m.sockets.LocalID(local)
}

func (m *Manager) Write(local, remote netip.AddrPort, data []byte) error {
	if err := m.sockets.Write(local, remote, data); err != nil {
		return err
	}
	m.opts.Stats.AddSent(len(data) + protocol.IPUDPHeaders)
	return nil
}

func (m *Manager) QueueSend(l *link.Link, pkt *protocol.Packet) {
	m.sockets.QueueSend(l, pkt)
}

func (m *Manager) QueueDispatch(l *link.Link, q *link.Reassembly, last bool) {
	m.disp.Queue(l, q, last)
}

func (m *Manager) QueueFlush(l *link.Link) {
	m.events.Put(event{kind: evFlush, link: l})
}

func (m *Manager) Remove(l *link.Link) {
	m.events.Put(event{kind: evRemove, link: l})
}

func (m *Manager) Notify(e link.Event) {
	m.linkSubs.Publish(e)
}
