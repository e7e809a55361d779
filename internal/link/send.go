package link

import (
	"time"

	"github.com/1ureka/udplink/internal/ack"
	"github.com/1ureka/udplink/internal/protocol"
	"github.com/1ureka/udplink/internal/util"
)

// sendErrorLogEvery is how many repeats of the same write error pass
// between log lines.
const sendErrorLogEvery = 10

// SendAll queues acknowledgments, marks overdue units for resend and sends.
// Manager-only.
func (l *Link) SendAll() {
	if l.IsDone() {
		return
	}
	l.sendAcks(false)

	wait := l.resendAfter()
	now := l.now()

	var failed *protocol.Unit
	var mtuFinished bool
	resends := 0

	l.mu.Lock()
	l.buffer.Scan(func(u *protocol.Unit) Visit {
		if resends >= maxResendsPerPass {
			return Stop
		}
		if u.Elapsed(now) <= wait {
			return Keep
		}

		if u.Type == protocol.TypeMTUTest {
			if u.SendCount >= mtuTestAttempts {
				// The path does not carry this size.
				if u.ID == l.lastProbe && !l.mtuDone {
					l.mtuDone = true
					mtuFinished = true
				}
				return Remove
			}
		} else if u.SendCount >= unitAttempts {
			failed = u
			return RemoveStop
		}

		u.Resend()
		resends++
		l.stats.UnitsResent.Add(1)
		l.opts.Metrics.UnitResent()
		return Keep
	})
	mtu := l.mtu
	l.mu.Unlock()

	if mtuFinished {
		l.mtuFinished(mtu)
	}
	if failed != nil {
		util.LogWarning("%s gave up on %s after %d sends", l, failed, failed.SendCount)
		l.publish(Event{Type: EventResendFailure, Unit: failed})
		l.Close()
	}
	l.Send()
}

// resendAfter is how long a unit may go unacknowledged before it is resent:
// 1.25 times the average round trip, within [ResendMin, ResendMin*ResendMaxFactor].
func (l *Link) resendAfter() time.Duration {
	wait := l.stats.AverageRoundTrip() * 5 / 4
	return min(max(wait, ResendMin), ResendMin*ResendMaxFactor)
}

// sendAcks queues the current acknowledgments and, if immediate, sends
// them right away. Manager-only.
func (l *Link) sendAcks(immediate bool) {
	if l.acks == nil || l.IsClosing() || l.IsDone() {
		return
	}
	l.queueAcks(l.acks, protocol.TypePingAck)
	if immediate {
		l.Send()
	}
}

// queueAcks pushes t's payloads to the front of the send buffer.
func (l *Link) queueAcks(t *ack.Tracker, typ protocol.UnitType) {
	if l.IsClosing() {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	payloads := t.Flush(l.now(), protocol.MaxData(l.mtu))
	if len(payloads) == 0 {
		return
	}
	units := make([]*protocol.Unit, 0, len(payloads))
	for _, p := range payloads {
		units = append(units, protocol.NewUnit(typ, t.NextUnitID(), p))
	}
	l.buffer.PushFront(units...)
}

// Send packs every unsent unit into Packets and hands them to the send
// worker. Messages wait until MTU discovery has finished, and a GOODBYE
// waits until every HELLO and MESSAGE ahead of it is acknowledged.
// Manager-only.
func (l *Link) Send() {
	if l.IsDone() {
		return
	}

	var out []*protocol.Packet
	var pkt *protocol.Packet
	single := false  // pkt holds a probe or probe ack and takes nothing else
	pending := false // a HELLO or MESSAGE ahead is still unacknowledged

	l.mu.Lock()
	maxPayload := protocol.MaxPayload(l.mtu)
	l.buffer.Scan(func(u *protocol.Unit) Visit {
		switch u.Type {
		case protocol.TypeGoodbye:
			if pending {
				return Keep
			}
		case protocol.TypeHello, protocol.TypeMessage:
			pending = true
		}

		if u.IsSent() || u.IsQueued() {
			return Keep
		}
		if u.Type == protocol.TypeMessage && !l.mtuDone {
			return Keep
		}

		probe := u.Type == protocol.TypeMTUTest || u.Type == protocol.TypeMTUAck
		if pkt != nil && (single || probe || !pkt.HasSpace(maxPayload, u)) {
			out = append(out, pkt)
			pkt = nil
		}
		if pkt == nil {
			pkt = l.newPacketLocked()
			single = probe
		}

		pkt.Add(u)
		u.MarkQueued()

		if u.Type.IsAck() {
			// Acks are rebuilt from the tracker on every pass.
			return Remove
		}
		return Keep
	})
	if pkt != nil {
		out = append(out, pkt)
	}
	l.mu.Unlock()

	for _, p := range out {
		l.host.QueueSend(l, p)
	}
}

func (l *Link) newPacketLocked() *protocol.Packet {
	return &protocol.Packet{
		Session: l.localSession,
		Src:     l.host.LocalID(l.local),
		Dst:     l.id,
		DstAddr: l.remote,
		SrcAddr: l.local,
	}
}

// Transmit encodes and writes pkt. Units of a failed write return to the
// pending state and go out with the next Send. It runs on the send worker,
// and writes even after the link has finished so that final acks leave.
func (l *Link) Transmit(pkt *protocol.Packet) {
	l.mu.Lock()
	data := protocol.Encode(pkt)
	l.mu.Unlock()

	err := l.host.Write(l.local, l.remote, data)
	now := l.now()

	l.mu.Lock()
	for _, u := range pkt.Units {
		if err != nil {
			u.Unqueue()
		} else {
			u.MarkSent(now)
		}
	}
	l.mu.Unlock()

	if err != nil {
		l.stats.SendErrors.Add(1)
		l.opts.Metrics.SendError()
		l.logSendError(err)
		return
	}

	l.stats.PacketsSent.Add(1)
	l.stats.BytesOut.Add(int64(pkt.WireLen()))
	l.opts.Metrics.PacketOut(pkt.WireLen())

	if l.lastErrCount > 0 {
		util.LogInfo("%s send recovered after %d errors: %s", l, l.lastErrCount+1, l.lastErr)
	}
	l.lastErr = ""
	l.lastErrCount = 0
}

// logSendError logs the first occurrence of an error and every
// sendErrorLogEvery-th repeat.
func (l *Link) logSendError(err error) {
	msg := err.Error()
	if msg != l.lastErr {
		l.lastErr = msg
		l.lastErrCount = 0
		util.LogWarning("%s send failed: %s", l, msg)
		return
	}

	l.lastErrCount++
	if l.lastErrCount%sendErrorLogEvery == 0 {
		util.LogWarning("%s send failed %d times: %s", l, l.lastErrCount+1, msg)
	}
}
