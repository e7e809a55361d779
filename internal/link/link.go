// Package link implements the per-peer session of the reliable UDP layer:
// handshake, fragmentation, acknowledgment, retransmission, MTU discovery
// and liveness, on top of the Packet framing in package protocol.
package link

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/udplink/internal/ack"
	"github.com/1ureka/udplink/internal/metrics"
	"github.com/1ureka/udplink/internal/protocol"
	"github.com/1ureka/udplink/internal/util"
)

// Timing and retry limits.
const (
	DefaultTimeout  = 7500 * time.Millisecond
	ResendMin       = 1000 * time.Millisecond
	ResendMaxFactor = 7
	GoodbyeTimeout  = time.Second

	maxResendsPerPass = 5
	mtuTestAttempts   = 3
	unitAttempts      = 25
)

var (
	ErrClosing  = errors.New("link is closing")
	ErrTooLarge = errors.New("payload too large")
)

// Options tune a link. Zero fields take their defaults.
type Options struct {
	Timeout                 time.Duration // silence after which the link is torn down
	PossibleTimeout         time.Duration // silence after which EventPossibleTimeout fires
	PossibleTimeoutInterval time.Duration // minimum gap between EventPossibleTimeout
	Metrics                 metrics.Recorder
	Clock                   func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.PossibleTimeout <= 0 {
		o.PossibleTimeout = o.Timeout
	}
	if o.PossibleTimeoutInterval <= 0 {
		o.PossibleTimeoutInterval = o.Timeout
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewDummy()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Host is what a Link needs from the manager that owns it. Methods other
// than Write must not block.
type Host interface {
	// LocalID returns the peer id of the socket bound to local.
	LocalID(local netip.AddrPort) protocol.PeerID
	// Write sends one datagram from the socket bound to local.
	Write(local, remote netip.AddrPort, data []byte) error
	// QueueSend hands a packed Packet to the send worker.
	QueueSend(l *Link, pkt *protocol.Packet)
	// QueueDispatch hands the link's reassembly queue to the dispatch worker.
	QueueDispatch(l *Link, q *Reassembly, last bool)
	// QueueFlush asks the manager goroutine to run l.Send.
	QueueFlush(l *Link)
	// Remove tells the manager the link has finished.
	Remove(l *Link)
	// Notify forwards a link event to manager-wide subscribers.
	Notify(e Event)
}

// Link is the session state machine for one remote peer.
//
// Methods documented as manager-only must be called from the manager's
// event goroutine. Everything else is safe for concurrent use.
type Link struct {
	host    Host
	opts    Options
	now     func() time.Time
	local   netip.AddrPort
	remote  netip.AddrPort
	created time.Time
	stats   *Stats
	events  util.Subscribers[Event]
	label   atomic.Pointer[string]

	goodbyeAt    atomic.Int64 // unix nanos of close(), 0 while open
	goodbyeAcked atomic.Bool
	done         atomic.Bool
	established  atomic.Bool

	// mu guards the send buffer, unit bookkeeping and the fields below.
	mu            sync.Mutex
	id            protocol.PeerID
	name          string
	buffer        *SendBuffer
	seq           *SeqGen
	localSession  uint64
	remoteSession uint64
	inbound       *Reassembly
	mtu           int
	mtuDone       bool
	helloSent     bool
	testNum       uint8
	lastProbe     uint32

	// manager goroutine only
	acks          *ack.Tracker
	mtuAcks       *ack.Tracker
	helloReceived bool
	lastReceived  time.Time
	lastWarned    time.Time // last EventPossibleTimeout

	// send worker only
	lastErr      string
	lastErrCount int
}

// New creates a link between local and remote. id is the remote peer's id,
// protocol.UnknownPeer if it has not introduced itself yet.
func New(host Host, id protocol.PeerID, local, remote netip.AddrPort, opts Options) *Link {
	opts = opts.withDefaults()
	l := &Link{
		host:    host,
		opts:    opts,
		now:     opts.Clock,
		local:   local,
		remote:  remote,
		created: opts.Clock(),
		stats:   newStats(),
		id:      id,
		buffer:  NewSendBuffer(),
		seq:     NewSeqGen(),
		mtu:     protocol.MinMTU,
	}
	l.localSession = nextSession(l.created, 0)
	l.relabel()
	return l
}

// nextSession returns a session id derived from the clock that is always
// greater than prev, so a restarted session supersedes the old one.
func nextSession(now time.Time, prev uint64) uint64 {
	id := uint64(now.UnixMilli())
	if id <= prev {
		id = prev + 1
	}
	return id
}

// ---------------------------------------------------------------------------
// Identity
// ---------------------------------------------------------------------------

// ID returns the remote peer's id.
func (l *Link) ID() protocol.PeerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.id
}

// SetID records the remote peer's id once it is known.
func (l *Link) SetID(id protocol.PeerID) {
	l.mu.Lock()
	l.id = id
	l.mu.Unlock()
	l.relabel()
}

// Name returns the application-assigned name.
func (l *Link) Name() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.name
}

// SetName assigns a display name used in logs and diagnostics.
func (l *Link) SetName(name string) {
	l.mu.Lock()
	l.name = name
	l.mu.Unlock()
	l.relabel()
}

func (l *Link) relabel() {
	l.mu.Lock()
	who := l.name
	if who == "" {
		who = l.id.Short()
	}
	l.mu.Unlock()

	s := fmt.Sprintf("[%s %s]", who, l.remote)
	l.label.Store(&s)
}

// Local returns the local socket address the link sends from.
func (l *Link) Local() netip.AddrPort { return l.local }

// Remote returns the peer's address.
func (l *Link) Remote() netip.AddrPort { return l.remote }

// Stats returns the link's counters.
func (l *Link) Stats() *Stats { return l.stats }

func (l *Link) String() string { return *l.label.Load() }

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// IsEstablished reports whether our HELLO has been acknowledged in the
// current session.
func (l *Link) IsEstablished() bool { return l.established.Load() }

// IsClosing reports whether Close has been called.
func (l *Link) IsClosing() bool { return l.goodbyeAt.Load() != 0 }

// IsDone reports whether the link has finished.
func (l *Link) IsDone() bool { return l.done.Load() }

// GoodbyeAcked reports whether the peer acknowledged our GOODBYE. A GOODBYE
// is only sent once every message ahead of it was acknowledged, so true
// means everything queued before Close reached the peer.
func (l *Link) GoodbyeAcked() bool { return l.goodbyeAcked.Load() }

// MTU returns the current path MTU.
func (l *Link) MTU() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mtu
}

// QueueSize returns the number of units waiting to be sent or acknowledged.
func (l *Link) QueueSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buffer.Len()
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// Subscribe registers fn for this link's events and returns a function that
// removes it. fn runs on the goroutine that produced the event and must not
// block.
func (l *Link) Subscribe(fn func(Event)) (cancel func()) {
	return l.events.Subscribe(fn)
}

func (l *Link) publish(e Event) {
	e.Link = l
	l.opts.Metrics.LinkEvent(e.Type.String())
	l.events.Publish(e)
	l.host.Notify(e)
}

// ---------------------------------------------------------------------------
// Application API
// ---------------------------------------------------------------------------

// Connect starts the handshake: a HELLO followed by MTU discovery. It is a
// no-op if a HELLO was already sent in this session.
func (l *Link) Connect() {
	if l.hello() {
		l.host.QueueFlush(l)
	}
}

// Queue enqueues payload for reliable, ordered delivery as one message.
func (l *Link) Queue(payload []byte) error {
	return l.QueueUser(payload, protocol.UserTypeUnspecified)
}

// QueueUser is Queue with an application-defined user type that is delivered
// with the message.
func (l *Link) QueueUser(payload []byte, userType uint8) error {
	if l.IsClosing() || l.IsDone() {
		return ErrClosing
	}
	if err := l.enqueue(protocol.TypeMessage, bytes.Clone(payload), userType); err != nil {
		return err
	}
	l.host.QueueFlush(l)
	return nil
}

// Close starts a graceful shutdown: a GOODBYE is queued behind pending
// messages and the link finishes once it is acknowledged, or when the peer
// has been silent for GoodbyeTimeout.
func (l *Link) Close() {
	if l.IsDone() || !l.goodbyeAt.CompareAndSwap(0, l.now().UnixNano()) {
		return
	}
	_ = l.enqueue(protocol.TypeGoodbye, nil, protocol.UserTypeUnspecified)
	l.publish(Event{Type: EventClosing})
	l.host.QueueFlush(l)
}

// Kill finishes the link immediately without notifying the peer.
func (l *Link) Kill() {
	l.finish()
}

// finish tears the link down once.
func (l *Link) finish() {
	if !l.done.CompareAndSwap(false, true) {
		return
	}

	l.mu.Lock()
	l.buffer.Clear()
	l.mu.Unlock()

	l.publish(Event{Type: EventClosed})
	l.host.Remove(l)
}

// enqueue assigns ids to payload, fragmenting it to the current unit size,
// and appends the units to the send buffer.
func (l *Link) enqueue(t protocol.UnitType, payload []byte, userType uint8) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enqueueLocked(t, payload, userType)
}

func (l *Link) enqueueLocked(t protocol.UnitType, payload []byte, userType uint8) error {
	maxData := protocol.MaxData(l.mtu)
	parts := max(1, (len(payload)+maxData-1)/maxData)
	if parts > protocol.MaxParts {
		return fmt.Errorf("%w: %d bytes needs %d parts at %d bytes per part (mtu %d)",
			ErrTooLarge, len(payload), parts, maxData, l.mtu)
	}

	for i := 0; i < parts; i++ {
		chunk := payload[i*maxData : min(len(payload), (i+1)*maxData)]
		l.buffer.Append(&protocol.Unit{
			Type:     t,
			UserType: userType,
			ID:       l.nextID(),
			Part:     uint16(i + 1),
			Parts:    uint16(parts),
			Payload:  chunk,
		})
		l.stats.UnitsOut.Add(1)
	}
	return nil
}

func (l *Link) nextID() uint32 {
	id, wrapped := l.seq.Next()
	if wrapped {
		util.LogWarning("%s unit id rolled over in session %d", l, l.localSession)
	}
	return id
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

// Diagnostics is a point-in-time view of a link.
type Diagnostics struct {
	ID              string        `json:"id"`
	Name            string        `json:"name,omitempty"`
	Local           string        `json:"local"`
	Remote          string        `json:"remote"`
	Established     bool          `json:"established"`
	Closing         bool          `json:"closing"`
	MTU             int           `json:"mtu"`
	MTUDone         bool          `json:"mtu_done"`
	QueueDepth      int           `json:"queue_depth"`
	Inbound         int           `json:"inbound"`
	LocalSession    uint64        `json:"local_session"`
	RemoteSession   uint64        `json:"remote_session"`
	RTTAverage      time.Duration `json:"rtt_avg_ns"`
	RTTP50          time.Duration `json:"rtt_p50_ns"`
	RTTP99          time.Duration `json:"rtt_p99_ns"`
	PacketsSent     int64         `json:"packets_sent"`
	PacketsReceived int64         `json:"packets_received"`
	UnitsOut        int64         `json:"units_out"`
	UnitsIn         int64         `json:"units_in"`
	UnitsResent     int64         `json:"units_resent"`
	UnitsDuplicate  int64         `json:"units_duplicate"`
	SendErrors      int64         `json:"send_errors"`
	BytesIn         int64         `json:"bytes_in"`
	BytesOut        int64         `json:"bytes_out"`
	Age             time.Duration `json:"age_ns"`
}

// Diagnostics returns the link's current state and counters.
func (l *Link) Diagnostics() Diagnostics {
	l.mu.Lock()
	d := Diagnostics{
		ID:            l.id.String(),
		Name:          l.name,
		MTU:           l.mtu,
		MTUDone:       l.mtuDone,
		QueueDepth:    l.buffer.Len(),
		LocalSession:  l.localSession,
		RemoteSession: l.remoteSession,
	}
	inbound := l.inbound
	l.mu.Unlock()

	if inbound != nil {
		d.Inbound = inbound.Len()
	}

	s := l.stats
	d.Local = l.local.String()
	d.Remote = l.remote.String()
	d.Established = l.IsEstablished()
	d.Closing = l.IsClosing()
	d.RTTAverage = s.AverageRoundTrip()
	d.RTTP50 = s.RoundTripQuantile(0.5)
	d.RTTP99 = s.RoundTripQuantile(0.99)
	d.PacketsSent = s.PacketsSent.Load()
	d.PacketsReceived = s.PacketsReceived.Load()
	d.UnitsOut = s.UnitsOut.Load()
	d.UnitsIn = s.UnitsIn.Load()
	d.UnitsResent = s.UnitsResent.Load()
	d.UnitsDuplicate = s.UnitsDuplicate.Load()
	d.SendErrors = s.SendErrors.Load()
	d.BytesIn = s.BytesIn.Load()
	d.BytesOut = s.BytesOut.Load()
	d.Age = l.now().Sub(l.created)
	return d
}
