package link

import (
	"time"

	"github.com/1ureka/udplink/internal/ack"
	"github.com/1ureka/udplink/internal/protocol"
	"github.com/1ureka/udplink/internal/util"
)

// ProcessPacket applies one inbound Packet addressed to this link.
// Manager-only.
func (l *Link) ProcessPacket(pkt *protocol.Packet) {
	if l.IsDone() {
		return
	}

	// Packets from an older remote session are stale.
	if pkt.Session < l.remoteSession {
		util.LogDebug("%s ignoring packet from old session %d", l, pkt.Session)
		return
	}
	newSession := pkt.Session > l.remoteSession
	if newSession {
		l.helloReceived = false
	}

	l.stats.PacketsReceived.Add(1)
	l.stats.BytesIn.Add(int64(pkt.WireLen()))
	l.opts.Metrics.PacketIn(pkt.WireLen())
	l.lastReceived = l.now()

	var dispatch, last bool

loop:
	for _, u := range pkt.Units {
		if !u.Type.IsAck() {
			l.stats.UnitsIn.Add(1)
		}

		switch u.Type {
		case protocol.TypeHello:
			l.helloReceived = true
			if newSession {
				newSession = false
				l.newRemoteSession(pkt.Session)
			}
			fallthrough

		case protocol.TypeMessage:
			if !l.helloReceived || l.acks == nil {
				break
			}
			if !l.acks.Contains(u.ID) && l.inbound.Add(u) {
				l.acks.Ack(u.ID)
				dispatch = true
			} else {
				l.duplicate(u)
			}

		case protocol.TypeGoodbye:
			if l.acks != nil {
				l.acks.Ack(u.ID)
			}
			l.sendAcks(true)
			last = true
			break loop

		case protocol.TypePingAck:
			l.processAcks(u, false)

		case protocol.TypeMTUTest:
			if !l.helloReceived {
				break
			}
			if l.mtuAcks == nil || l.mtuAcks.Session() != uint64(u.UserType) {
				l.mtuAcks = ack.New(uint64(u.UserType))
				l.mtuAcks.SetMeter(false)
			}
			if !l.mtuAcks.Ack(u.ID) {
				l.duplicate(u)
			}
			l.queueAcks(l.mtuAcks, protocol.TypeMTUAck)
			l.Send()

		case protocol.TypeMTUAck:
			l.processAcks(u, true)
		}
	}

	if !dispatch && !last {
		return
	}
	if l.inbound == nil {
		// GOODBYE before any session was set up: nothing to deliver.
		l.finish()
		return
	}
	l.host.QueueDispatch(l, l.inbound, last)
}

func (l *Link) duplicate(u *protocol.Unit) {
	l.stats.UnitsDuplicate.Add(1)
	l.opts.Metrics.UnitDuplicate()
	util.LogDebug("%s duplicate %s", l, u)
}

// processAcks removes the units acknowledged by an ack unit from the send
// buffer. mtu selects probe acknowledgments, which only cover MTU_TEST
// units; regular acknowledgments cover everything else.
func (l *Link) processAcks(u *protocol.Unit, mtu bool) {
	set, err := ack.Decode(u.Payload)
	if err != nil {
		util.LogWarning("%s dropping %s: %v", l, u, err)
		return
	}

	if !mtu && set.Session != l.localSession {
		// The peer is acking a session we no longer have; it missed our
		// restart. Introduce the current session again.
		if l.hello() {
			util.LogDebug("%s acks for session %d, resending HELLO", l, set.Session)
		}
		return
	}

	var established, finished, mtuFinished bool
	now := l.now()

	l.mu.Lock()
	l.buffer.Scan(func(q *protocol.Unit) Visit {
		if (q.Type == protocol.TypeMTUTest) != mtu || !set.Contains(q.ID) {
			return Keep
		}

		if !q.SentAt().IsZero() {
			rtt := now.Sub(q.SentAt())
			l.stats.RecordRoundTrip(rtt)
			l.opts.Metrics.RoundTrip(rtt)
		}

		switch q.Type {
		case protocol.TypeHello:
			established = true
		case protocol.TypeGoodbye:
			finished = true
			return RemoveStop
		case protocol.TypeMTUTest:
			if int(q.ID) > l.mtu {
				l.mtu = int(q.ID)
			}
			if q.ID == l.lastProbe && !l.mtuDone {
				l.mtuDone = true
				mtuFinished = true
			}
		}
		return Remove
	})
	mtuNow := l.mtu
	l.mu.Unlock()

	if established && l.established.CompareAndSwap(false, true) {
		util.LogDebug("%s established", l)
		l.publish(Event{Type: EventEstablished})
	}
	if mtuFinished {
		l.mtuFinished(mtuNow)
	}
	if finished {
		l.goodbyeAcked.Store(true)
		l.finish()
		return
	}
	if l.IsClosing() {
		// the GOODBYE may have been waiting on these acks
		l.Send()
	}
}

func (l *Link) mtuFinished(mtu int) {
	util.LogDebug("%s path mtu %d", l, mtu)
	l.publish(Event{Type: EventMTUTestFinished})
}

// SendAcksPing sends the current acknowledgments if the link is still
// alive. Acks double as keep-alives. Manager-only.
func (l *Link) SendAcksPing() {
	if l.aliveCheck() {
		l.sendAcks(true)
	}
}

// aliveCheck enforces the goodbye and silence timeouts. It returns false if
// the link has finished or has never been used.
func (l *Link) aliveCheck() bool {
	if l.IsDone() || (l.seq.Last() == 0 && l.acks == nil) {
		return false
	}

	now := l.now()
	if l.lastReceived.IsZero() {
		l.lastReceived = now
	}
	elapsed := now.Sub(l.lastReceived)

	if at := l.goodbyeAt.Load(); at != 0 {
		since := l.lastReceived
		if start := time.Unix(0, at); start.After(since) {
			since = start
		}
		if now.Sub(since) > GoodbyeTimeout {
			util.LogDebug("%s goodbye not acknowledged, finishing", l)
			l.finish()
			return false
		}
	}

	if elapsed > l.opts.Timeout {
		util.LogWarning("%s timed out after %v", l, elapsed.Round(time.Millisecond))
		l.publish(Event{Type: EventTimeout, Elapsed: elapsed})
		l.resetSession()
		l.finish()
		return false
	}

	if elapsed > l.opts.PossibleTimeout &&
		(l.lastWarned.IsZero() || now.Sub(l.lastWarned) >= l.opts.PossibleTimeoutInterval) {
		l.lastWarned = now
		l.publish(Event{Type: EventPossibleTimeout, Elapsed: elapsed})
	}
	return true
}

// Dispatch delivers ready messages from q to subscribers as EventReceived.
// A regular pass delivers at most DispatchBatch messages and reports whether
// more are ready. The last pass delivers everything deliverable and then
// finishes the link. It runs on the dispatch worker.
func (l *Link) Dispatch(q *Reassembly, last bool) (more bool) {
	if l.IsDone() {
		return false
	}

	limit := DispatchBatch
	if last {
		limit = 0
	}

	msgs, more := q.Next(limit)
	for _, m := range msgs {
		if m.Type != protocol.TypeMessage {
			continue
		}
		l.publish(Event{Type: EventReceived, Unit: m})
	}

	if last {
		if q.HasGap() {
			util.LogWarning("%s closed by peer with %d undeliverable units", l, q.Len())
		}
		l.finish()
		return false
	}
	return more
}
