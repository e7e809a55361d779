package link

import (
	"bytes"
	"time"

	"github.com/1ureka/udplink/internal/ack"
	"github.com/1ureka/udplink/internal/protocol"
	"github.com/1ureka/udplink/internal/util"
)

// MTU probe sizing. Probes cover [MinMTU, MaxMTU] in mtuStep increments;
// the last step is shortened so the final probe lands on MaxMTU exactly.
const (
	mtuStep     = 128
	mtuFudge    = (protocol.MaxMTU - protocol.MinMTU) % mtuStep
	probeHeader = protocol.IPUDPHeaders + protocol.HeaderSize + protocol.UnitHeaderSize
)

var probeFill = bytes.Repeat([]byte{'d'}, protocol.MaxMTU-probeHeader)

// connect queues a HELLO if needed and sends. Manager-only.
func (l *Link) connect() {
	l.hello()
	l.Send()
}

// hello queues a HELLO and starts MTU discovery unless one was already sent
// in this session. It reports whether a HELLO was queued.
func (l *Link) hello() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.helloSent {
		return false
	}
	l.helloSent = true
	_ = l.enqueueLocked(protocol.TypeHello, nil, protocol.UserTypeUnspecified)
	l.startMTUDiscoveryLocked()
	return true
}

// startMTUDiscoveryLocked queues one probe per candidate size. A probe's id
// is its total size on the wire including IP and UDP headers, so an ack of
// the probe directly names a working MTU.
func (l *Link) startMTUDiscoveryLocked() {
	l.testNum++
	l.mtuDone = false

	minPayload := protocol.MinMTU - probeHeader
	maxPayload := protocol.MaxMTU - probeHeader

	var id uint32
	for n := minPayload; n <= maxPayload; {
		id = uint32(n + probeHeader)
		l.buffer.Append(&protocol.Unit{
			Type:     protocol.TypeMTUTest,
			UserType: l.testNum,
			ID:       id,
			Part:     1,
			Parts:    1,
			Payload:  probeFill[:n],
		})

		if n < maxPayload-mtuFudge || mtuFudge == 0 {
			n += mtuStep
		} else {
			n += mtuFudge
		}
	}
	l.lastProbe = id
}

// resetSession forgets everything about the remote session and starts a new
// local one. Manager-only.
func (l *Link) resetSession() {
	l.helloReceived = false
	l.lastReceived = time.Time{}
	l.acks = nil
	l.mtuAcks = nil

	l.mu.Lock()
	l.remoteSession = 0
	l.inbound = nil
	l.mu.Unlock()

	l.newLocalSession()
}

// newLocalSession restarts our side of the link: a fresh session id, ids
// from 1, an empty send buffer and MTU back at the minimum. Manager-only.
func (l *Link) newLocalSession() {
	l.mu.Lock()
	l.localSession = nextSession(l.now(), l.localSession)
	l.seq.Reset()
	l.buffer.Clear()
	l.mtu = protocol.MinMTU
	l.mtuDone = false
	l.helloSent = false
	session := l.localSession
	l.mu.Unlock()

	l.stats.clear()
	l.established.Store(false)
	util.LogDebug("%s local session %d", l, session)
}

// newRemoteSession adopts session as the peer's current session. Unless it
// is the first session seen, the peer restarted: our own session restarts
// too and subscribers get EventSessionChanged. Manager-only.
func (l *Link) newRemoteSession(session uint64) {
	first := l.remoteSession == 0
	if !first {
		util.LogInfo("%s remote session changed %d -> %d", l, l.remoteSession, session)
		l.publish(Event{Type: EventSessionChanged})
	}

	l.acks = ack.New(session)
	l.mtuAcks = nil

	l.mu.Lock()
	l.remoteSession = session
	l.inbound = NewReassembly()
	l.mu.Unlock()

	if !first {
		l.newLocalSession()
	}
	l.connect()
}
