package link

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/udplink/internal/protocol"
)

func TestHandshake(t *testing.T) {
	p := newPair(t, Options{})
	p.connect()

	require.Equal(t, protocol.MaxMTU, p.a.MTU())
	require.Equal(t, protocol.MaxMTU, p.b.MTU())
	require.Equal(t, 1, p.count(p.a, EventEstablished))
	require.Equal(t, 1, p.count(p.b, EventEstablished))
	require.Equal(t, 1, p.count(p.a, EventMTUTestFinished))
	require.Zero(t, p.count(p.b, EventSessionChanged))

	// Every probe and HELLO has been acknowledged.
	p.run(3)
	require.Zero(t, p.a.QueueSize())
	require.Zero(t, p.b.QueueSize())

	d := p.a.Diagnostics()
	require.True(t, d.Established)
	require.Equal(t, p.b.Diagnostics().LocalSession, d.RemoteSession)
}

func TestMessagesInOrder(t *testing.T) {
	p := newPair(t, Options{})
	p.connect()

	var want [][]byte
	for i := 0; i < 25; i++ {
		msg := []byte(fmt.Sprintf("message %02d", i))
		want = append(want, msg)
		require.NoError(t, p.a.Queue(msg))
	}
	require.NoError(t, p.a.Queue(bytes.Repeat([]byte{'x'}, 5000)))
	want = append(want, bytes.Repeat([]byte{'x'}, 5000))

	require.True(t, p.runUntil(20, func() bool { return len(p.received[p.b]) == len(want) }))
	require.Equal(t, want, p.received[p.b])

	// Nothing arrives twice.
	p.run(10)
	require.Len(t, p.received[p.b], len(want))
}

func TestMessageHeldUntilMTUKnown(t *testing.T) {
	h := newFakeHost()
	l := New(h, protocol.NewPeerID(), addrA, addrB, Options{})
	l.Connect()
	require.NoError(t, l.Queue([]byte("early")))
	l.Send()

	sends, _, _ := h.take()

	// One HELLO packet and one packet per probe, no message.
	require.Len(t, sends, 9)
	require.Equal(t, protocol.TypeHello, sends[0].pkt.Units[0].Type)

	ids := make([]uint32, 0, 8)
	for _, s := range sends[1:] {
		require.Len(t, s.pkt.Units, 1, "probes travel alone")
		u := s.pkt.Units[0]
		require.Equal(t, protocol.TypeMTUTest, u.Type)
		require.Equal(t, int(u.ID), s.pkt.WireLen(), "probe id is its size on the wire")
		ids = append(ids, u.ID)
	}
	require.Equal(t, []uint32{576, 704, 832, 960, 1088, 1216, 1344, 1364}, ids)

	for _, s := range sends {
		for _, u := range s.pkt.Units {
			require.NotEqual(t, protocol.TypeMessage, u.Type)
		}
	}
}

func TestLossyPath(t *testing.T) {
	p := newPair(t, Options{})
	rng := rand.New(rand.NewPCG(7, 11))
	p.filter = func(_ *Link, pkt *protocol.Packet) *protocol.Packet {
		if rng.IntN(100) < 20 {
			return nil
		}
		return pkt
	}
	p.a.Connect()
	p.drain()

	var want [][]byte
	for i := 0; i < 50; i++ {
		msg := []byte(fmt.Sprintf("lossy %d", i))
		if i%10 == 0 {
			msg = bytes.Repeat(msg, 300)
		}
		want = append(want, msg)
		require.NoError(t, p.a.Queue(msg))
	}

	require.True(t, p.runUntil(600, func() bool { return len(p.received[p.b]) == len(want) }),
		"delivered %d of %d", len(p.received[p.b]), len(want))
	require.Equal(t, want, p.received[p.b])
	require.False(t, p.a.IsDone())
	require.Positive(t, p.a.Stats().UnitsResent.Load())
}

func TestPathMTU(t *testing.T) {
	p := newPair(t, Options{})
	const limit = 1000
	p.filter = func(from *Link, pkt *protocol.Packet) *protocol.Packet {
		if pkt.Len() > limit {
			return nil
		}
		return pkt
	}
	p.connect()

	require.Equal(t, 960, p.a.MTU())

	big := bytes.Repeat([]byte("0123456789"), 700)
	require.NoError(t, p.a.Queue(big))
	require.True(t, p.runUntil(30, func() bool { return len(p.received[p.b]) == 1 }))
	require.Equal(t, big, p.received[p.b][0])
}

func TestPathMTUOversizeDropped(t *testing.T) {
	p := newPair(t, Options{})
	const limit = 800
	oversize := 0
	p.filter = func(_ *Link, pkt *protocol.Packet) *protocol.Packet {
		if pkt.Len() <= limit {
			return pkt
		}
		for _, u := range pkt.Units {
			if u.Type != protocol.TypeMTUTest {
				oversize++
			}
		}
		return nil
	}
	p.a.Connect()
	p.drain()

	// Unanswered MTU tests are abandoned after their last attempt.
	require.True(t, p.runUntil(150, func() bool { return p.a.mtuIsDone() && p.b.mtuIsDone() }))
	require.Equal(t, 704, p.a.MTU())
	require.Equal(t, 704, p.b.MTU())

	big := bytes.Repeat([]byte("abcdefghij"), 300)
	require.NoError(t, p.a.Queue(big))
	require.True(t, p.runUntil(30, func() bool { return len(p.received[p.b]) == 1 }))
	require.Equal(t, big, p.received[p.b][0])
	p.run(30)

	for _, l := range []*Link{p.a, p.b} {
		require.Equal(t, 1, p.count(l, EventMTUTestFinished))
		require.Zero(t, p.count(l, EventResendFailure))
		require.Zero(t, p.count(l, EventClosed))
		require.True(t, l.IsEstablished())
		require.Zero(t, l.queued(protocol.TypeMTUTest))
	}
	require.Zero(t, oversize, "only MTU tests may exceed the path MTU")
}

func TestDuplicatePacket(t *testing.T) {
	p := newPair(t, Options{})
	p.connect()

	var dup *protocol.Packet
	p.filter = func(from *Link, pkt *protocol.Packet) *protocol.Packet {
		if from == p.a && dup == nil {
			for _, u := range pkt.Units {
				if u.Type == protocol.TypeMessage {
					dup = pkt
				}
			}
		}
		return pkt
	}

	require.NoError(t, p.a.Queue([]byte("once")))
	p.drain()
	require.NotNil(t, dup)

	before := p.b.Stats().UnitsDuplicate.Load()
	p.b.ProcessPacket(dup)
	p.drain()
	p.run(3)

	require.Equal(t, [][]byte{[]byte("once")}, p.received[p.b])
	require.Equal(t, before+1, p.b.Stats().UnitsDuplicate.Load())
}

func TestGracefulClose(t *testing.T) {
	p := newPair(t, Options{})
	p.connect()

	require.NoError(t, p.a.Queue([]byte("last words")))
	p.a.Close()
	require.True(t, p.a.IsClosing())
	require.ErrorIs(t, p.a.Queue([]byte("too late")), ErrClosing)

	require.True(t, p.runUntil(20, func() bool { return p.a.IsDone() && p.b.IsDone() }))
	require.Equal(t, [][]byte{[]byte("last words")}, p.received[p.b])

	require.Equal(t, 1, p.count(p.a, EventClosing))
	require.Equal(t, 1, p.count(p.a, EventClosed))
	require.Equal(t, 1, p.count(p.b, EventClosed))
	require.True(t, p.a.GoodbyeAcked())
	require.False(t, p.b.GoodbyeAcked(), "b only received a GOODBYE")
	require.True(t, p.ha.wasRemoved(p.a))
	require.True(t, p.hb.wasRemoved(p.b))

	p.a.Close()
	require.Equal(t, 1, p.count(p.a, EventClosing), "close is idempotent")
}

func TestGoodbyeUnanswered(t *testing.T) {
	p := newPair(t, Options{})
	p.connect()

	p.filter = func(*Link, *protocol.Packet) *protocol.Packet { return nil }
	p.a.Close()
	p.drain()

	require.True(t, p.runUntil(6, p.a.IsDone), "goodbye must give up after %v of silence", GoodbyeTimeout)
	require.Zero(t, p.count(p.a, EventTimeout))
	require.False(t, p.a.GoodbyeAcked())
}

func TestTimeout(t *testing.T) {
	p := newPair(t, Options{PossibleTimeout: 3 * time.Second})
	p.connect()

	p.filter = func(*Link, *protocol.Packet) *protocol.Packet { return nil }
	require.True(t, p.runUntil(30, p.a.IsDone))

	require.Equal(t, 1, p.count(p.a, EventPossibleTimeout))
	require.Equal(t, 1, p.count(p.a, EventTimeout))
	require.Equal(t, 1, p.count(p.a, EventClosed))
	require.True(t, p.ha.wasRemoved(p.a))

	events := p.events[p.a]
	require.Less(t, indexOf(events, EventPossibleTimeout), indexOf(events, EventTimeout))
}

func TestResendFailure(t *testing.T) {
	p := newPair(t, Options{})
	p.connect()

	// b never sees the message, but everything else gets through.
	p.filter = func(from *Link, pkt *protocol.Packet) *protocol.Packet {
		if from != p.a {
			return pkt
		}
		kept := pkt.Units[:0]
		for _, u := range pkt.Units {
			if u.Type != protocol.TypeMessage {
				kept = append(kept, u)
			}
		}
		if len(kept) == 0 {
			return nil
		}
		pkt.Units = kept
		return pkt
	}

	require.NoError(t, p.a.Queue([]byte("lost")))
	require.True(t, p.runUntil(300, p.a.IsDone))

	require.Equal(t, 1, p.count(p.a, EventResendFailure))
	require.Zero(t, p.count(p.a, EventTimeout))
	require.Empty(t, p.received[p.b])
}

func TestSessionRestart(t *testing.T) {
	p := newPair(t, Options{})
	p.connect()
	require.NoError(t, p.a.Queue([]byte("before")))
	p.run(3)

	old := p.a
	oldSession := old.Diagnostics().LocalSession
	a := p.restartA()
	require.Greater(t, a.Diagnostics().LocalSession, oldSession)

	a.Connect()
	p.drain()
	require.True(t, p.runUntil(30, func() bool { return a.IsEstablished() && p.b.IsEstablished() }))
	require.Equal(t, 1, p.count(p.b, EventSessionChanged))

	require.NoError(t, a.Queue([]byte("after")))
	require.True(t, p.runUntil(10, func() bool { return len(p.received[p.b]) == 2 }))
	require.Equal(t, [][]byte{[]byte("before"), []byte("after")}, p.received[p.b])

	// A packet from the old session is ignored entirely.
	stale := &protocol.Packet{
		Session: oldSession,
		Src:     p.ha.id,
		Dst:     p.hb.id,
		Units:   []*protocol.Unit{protocol.NewUnit(protocol.TypeMessage, 99, []byte("stale"))},
	}
	received := p.b.Stats().PacketsReceived.Load()
	p.b.ProcessPacket(stale)
	_, dispatches, _ := p.hb.take()
	require.Empty(t, dispatches)
	require.Equal(t, received, p.b.Stats().PacketsReceived.Load())
	require.Equal(t, 1, p.count(p.b, EventSessionChanged))
}

func TestSessionRestartMidStream(t *testing.T) {
	p := newPair(t, Options{})
	p.connect()

	// b's messages never reach a, so they stay in b's send buffer.
	p.filter = func(from *Link, pkt *protocol.Packet) *protocol.Packet {
		if from == p.b {
			for _, u := range pkt.Units {
				if u.Type == protocol.TypeMessage {
					return nil
				}
			}
		}
		return pkt
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, p.b.Queue([]byte(fmt.Sprintf("stale %d", i))))
	}
	p.drain()
	p.run(2)
	require.Equal(t, 5, p.b.queued(protocol.TypeMessage))
	oldSession := p.b.Diagnostics().LocalSession

	old := p.a
	a := p.restartA()
	p.filter = nil
	a.Connect()
	p.drain()

	require.Equal(t, 1, p.count(p.b, EventSessionChanged))
	require.Zero(t, p.b.queued(protocol.TypeMessage), "units of the old session are dropped")
	require.Greater(t, p.b.Diagnostics().LocalSession, oldSession)

	require.True(t, p.runUntil(60, func() bool {
		return a.IsEstablished() && p.b.IsEstablished() && a.mtuIsDone() && p.b.mtuIsDone()
	}))
	p.run(10)
	require.Empty(t, p.received[a])
	require.Empty(t, p.received[old])

	require.NoError(t, p.b.Queue([]byte("fresh")))
	require.NoError(t, a.Queue([]byte("hello again")))
	require.True(t, p.runUntil(10, func() bool { return len(p.received[a]) == 1 && len(p.received[p.b]) == 1 }))
	require.Equal(t, [][]byte{[]byte("fresh")}, p.received[a])
	require.Equal(t, [][]byte{[]byte("hello again")}, p.received[p.b])

	require.Equal(t, 1, p.count(p.b, EventSessionChanged))
	require.Zero(t, p.count(a, EventSessionChanged))
	require.Zero(t, p.count(p.b, EventClosed))
}

func TestQueueTooLarge(t *testing.T) {
	l := New(newFakeHost(), protocol.NewPeerID(), addrA, addrB, Options{})
	err := l.Queue(make([]byte, (protocol.MaxParts+1)*protocol.MaxData(protocol.MinMTU)))
	require.ErrorIs(t, err, ErrTooLarge)
	require.Zero(t, l.QueueSize())
}

func TestWriteFailureRetries(t *testing.T) {
	p := newPair(t, Options{})
	p.connect()

	p.ha.writeErr = errors.New("network is unreachable")
	require.NoError(t, p.a.Queue([]byte("retry me")))
	p.run(3)
	require.Empty(t, p.received[p.b])
	require.Positive(t, p.a.Stats().SendErrors.Load())

	p.ha.writeErr = nil
	require.True(t, p.runUntil(10, func() bool { return len(p.received[p.b]) == 1 }))
}

func TestAliveCheckIdleLink(t *testing.T) {
	h := newFakeHost()
	clock := newFakeClock()
	l := New(h, protocol.UnknownPeer, addrA, addrB, Options{Clock: clock.Now})

	clock.Advance(time.Hour)
	l.SendAcksPing()
	require.False(t, l.IsDone(), "a link that never sent or received cannot time out")
}

func TestPossibleTimeoutFollowsClock(t *testing.T) {
	h := newFakeHost()
	clock := newFakeClock()
	l := New(h, protocol.NewPeerID(), addrA, addrB, Options{
		Timeout:                 10 * time.Second,
		PossibleTimeout:         time.Second,
		PossibleTimeoutInterval: 2 * time.Second,
		Clock:                   clock.Now,
	})
	warned := 0
	l.Subscribe(func(e Event) {
		if e.Type == EventPossibleTimeout {
			warned++
		}
	})
	l.Connect()

	l.SendAcksPing()
	require.Zero(t, warned)

	// Only the link clock moves, wall time does not.
	for _, step := range []struct {
		advance time.Duration
		want    int
	}{
		{1500 * time.Millisecond, 1},
		{time.Second, 1},
		{time.Second, 2},
		{500 * time.Millisecond, 2},
		{1500 * time.Millisecond, 3},
	} {
		clock.Advance(step.advance)
		l.SendAcksPing()
		require.Equal(t, step.want, warned)
	}
	require.False(t, l.IsDone())
}

func TestKill(t *testing.T) {
	p := newPair(t, Options{})
	p.connect()
	p.a.Kill()

	require.True(t, p.a.IsDone())
	require.ErrorIs(t, p.a.Queue([]byte("x")), ErrClosing)
	require.Equal(t, 1, p.count(p.a, EventClosed))
	require.Zero(t, p.count(p.a, EventClosing))
	require.False(t, p.a.GoodbyeAcked())
}

func indexOf(events []EventType, t EventType) int {
	for i, e := range events {
		if e == t {
			return i
		}
	}
	return -1
}
