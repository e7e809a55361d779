package manager

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/udplink/internal/ack"
	"github.com/1ureka/udplink/internal/link"
	"github.com/1ureka/udplink/internal/protocol"
)

// fakeNet connects managers in memory. Writes are decoded and delivered to
// the manager bound to the destination address.
type fakeNet struct {
	mu    sync.Mutex
	nodes map[netip.AddrPort]*node
}

type node struct {
	net  *fakeNet
	addr netip.AddrPort
	id   protocol.PeerID
	m    *Manager

	mu     sync.Mutex
	events []Event
	recv   []string
	paused bool
	held   []*protocol.Packet
}

func newFakeNet() *fakeNet {
	return &fakeNet{nodes: make(map[netip.AddrPort]*node)}
}

func (fn *fakeNet) add(t *testing.T, addr string) *node {
	t.Helper()
	n := &node{net: fn, addr: netip.MustParseAddrPort(addr), id: protocol.NewPeerID()}
	n.m = New(n, Options{TickInterval: 20 * time.Millisecond})
	n.m.Subscribe(func(e Event) {
		n.mu.Lock()
		n.events = append(n.events, e)
		n.mu.Unlock()
	})
	n.m.SubscribeLinks(func(e link.Event) {
		if e.Type == link.EventReceived {
			n.mu.Lock()
			n.recv = append(n.recv, string(e.Unit.Payload))
			n.mu.Unlock()
		}
	})

	fn.mu.Lock()
	fn.nodes[n.addr] = n
	fn.mu.Unlock()

	n.m.Start()
	t.Cleanup(n.m.Stop)
	return n
}

func (n *node) LocalID(netip.AddrPort) protocol.PeerID { return n.id }

func (n *node) Write(local, remote netip.AddrPort, data []byte) error {
	n.net.mu.Lock()
	to := n.net.nodes[remote]
	n.net.mu.Unlock()
	if to == nil {
		return errors.New("host unreachable")
	}

	pkt, err := protocol.Decode(data, local)
	if err != nil {
		return err
	}

	to.mu.Lock()
	if to.paused {
		to.held = append(to.held, pkt)
		to.mu.Unlock()
		return nil
	}
	to.mu.Unlock()

	to.m.Deliver(pkt, remote)
	return nil
}

// pause holds packets addressed to n until resume.
func (n *node) pause() {
	n.mu.Lock()
	n.paused = true
	n.mu.Unlock()
}

func (n *node) resume() {
	n.mu.Lock()
	held := n.held
	n.paused, n.held = false, nil
	n.mu.Unlock()

	for _, pkt := range held {
		n.m.Deliver(pkt, n.addr)
	}
}

func (n *node) QueueSend(l *link.Link, pkt *protocol.Packet) {
	l.Transmit(pkt)
}

func (n *node) count(t EventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.Type == t {
			c++
		}
	}
	return c
}

func (n *node) received() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.recv...)
}

const (
	waitFor = 5 * time.Second
	poll    = 10 * time.Millisecond
)

func TestOpenSendClose(t *testing.T) {
	net := newFakeNet()
	a := net.add(t, "10.0.0.1:7000")
	b := net.add(t, "10.0.0.2:7000")

	l, err := a.m.Open(a.addr, b.addr)
	require.NoError(t, err)

	again, err := a.m.Open(a.addr, b.addr)
	require.NoError(t, err)
	require.Same(t, l, again, "open returns the existing link")

	require.Eventually(t, l.IsEstablished, waitFor, poll)
	require.Eventually(t, func() bool { return l.ID() == b.id }, waitFor, poll, "link adopts the peer id")

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, l.Queue([]byte(msg)))
	}
	require.Eventually(t, func() bool { return len(b.received()) == 3 }, waitFor, poll)
	require.Equal(t, []string{"one", "two", "three"}, b.received())

	require.Equal(t, 1, a.count(EventCreated))
	require.Equal(t, 1, b.count(EventCreated))
	require.Len(t, b.m.Links(), 1)
	require.Same(t, b.m.Links()[0], b.m.Find(a.addr.String()))

	l.Close()
	require.Eventually(t, func() bool {
		return a.count(EventDestroyed) == 1 && b.count(EventDestroyed) == 1
	}, waitFor, poll)
	require.Empty(t, a.m.Links())
	require.Empty(t, b.m.Links())
}

func TestOpenWhileClosing(t *testing.T) {
	net := newFakeNet()
	a := net.add(t, "10.0.0.1:7000")
	b := net.add(t, "10.0.0.2:7000")

	var changed atomic.Int32
	for _, n := range []*node{a, b} {
		n.m.SubscribeLinks(func(e link.Event) {
			if e.Type == link.EventSessionChanged {
				changed.Add(1)
			}
		})
	}

	l, err := a.m.Open(a.addr, b.addr)
	require.NoError(t, err)
	require.Eventually(t, l.IsEstablished, waitFor, poll)

	var closed atomic.Int32
	l.Subscribe(func(e link.Event) {
		if e.Type == link.EventClosed {
			closed.Add(1)
		}
	})

	// Hold the GOODBYE back so the link is still closing when reopened.
	b.pause()
	l.Close()
	again, err := a.m.Open(a.addr, b.addr)
	require.NoError(t, err)
	require.Same(t, l, again, "a closing link is not replaced")
	require.ErrorIs(t, again.Queue([]byte("late")), link.ErrClosing)
	require.False(t, l.IsDone())
	b.resume()

	require.Eventually(t, l.IsDone, waitFor, poll)
	require.Eventually(t, func() bool {
		return a.count(EventDestroyed) == 1 && len(b.m.Links()) == 0
	}, waitFor, poll)
	require.EqualValues(t, 1, closed.Load())

	fresh, err := a.m.Open(a.addr, b.addr)
	require.NoError(t, err)
	require.NotSame(t, l, fresh)
	require.Eventually(t, fresh.IsEstablished, waitFor, poll)
	require.NoError(t, fresh.Queue([]byte("after")))
	require.Eventually(t, func() bool {
		got := b.received()
		return len(got) > 0 && got[len(got)-1] == "after"
	}, waitFor, poll)

	require.Never(t, func() bool { return changed.Load() > 0 }, 500*time.Millisecond, poll)
	require.Equal(t, 2, a.count(EventCreated))
	require.Len(t, a.m.Links(), 1)
}

func TestAckOnlyPacketCreatesNoLink(t *testing.T) {
	net := newFakeNet()
	b := net.add(t, "10.0.0.2:7000")
	stranger := netip.MustParseAddrPort("10.0.0.9:7000")

	for _, typ := range []protocol.UnitType{protocol.TypePingAck, protocol.TypeMTUAck, protocol.TypeGoodbye} {
		b.m.Deliver(&protocol.Packet{
			Session:  1,
			Src:      protocol.NewPeerID(),
			Apparent: stranger,
			Units:    []*protocol.Unit{protocol.NewUnit(typ, 1, ack.Encode(1, nil))},
		}, b.addr)
	}

	require.Never(t, func() bool { return len(b.m.Links()) > 0 }, 200*time.Millisecond, poll)
	require.Zero(t, b.count(EventCreated))
}

func TestPeerMovesAddress(t *testing.T) {
	net := newFakeNet()
	a := net.add(t, "10.0.0.1:7000")
	b := net.add(t, "10.0.0.2:7000")

	l, err := a.m.Open(a.addr, b.addr)
	require.NoError(t, err)
	require.Eventually(t, l.IsEstablished, waitFor, poll)

	// A packet from a's peer id arriving from another address reaches the
	// existing link instead of creating a new one.
	moved := &protocol.Packet{
		Session:  l.Diagnostics().LocalSession,
		Src:      a.id,
		Apparent: netip.MustParseAddrPort("192.0.2.1:40000"),
		Units:    []*protocol.Unit{protocol.NewUnit(protocol.TypePingAck, 1, ack.Encode(1, nil))},
	}
	b.m.Deliver(moved, b.addr)

	require.Never(t, func() bool { return b.count(EventCreated) > 1 }, 200*time.Millisecond, poll)
	require.Len(t, b.m.Links(), 1)
}

func TestStopKillsLinks(t *testing.T) {
	net := newFakeNet()
	a := net.add(t, "10.0.0.1:7000")
	b := net.add(t, "10.0.0.2:7000")

	l, err := a.m.Open(a.addr, b.addr)
	require.NoError(t, err)
	require.Eventually(t, l.IsEstablished, waitFor, poll)

	a.m.Stop()
	require.True(t, l.IsDone())
	require.Empty(t, a.m.Links())
	require.Equal(t, 1, a.count(EventDestroyed))

	_, err = a.m.Open(a.addr, b.addr)
	require.ErrorIs(t, err, ErrStopped)
}

func TestDrain(t *testing.T) {
	net := newFakeNet()
	a := net.add(t, "10.0.0.1:7000")
	b := net.add(t, "10.0.0.2:7000")
	c := net.add(t, "10.0.0.3:7000")

	for _, to := range []*node{b, c} {
		l, err := a.m.Open(a.addr, to.addr)
		require.NoError(t, err)
		require.Eventually(t, l.IsEstablished, waitFor, poll)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, a.m.Drain(ctx))
	require.Empty(t, a.m.Links())
	require.Eventually(t, func() bool { return len(b.m.Links())+len(c.m.Links()) == 0 }, waitFor, poll)
}

func TestStatusTable(t *testing.T) {
	out, err := StatusTable([]link.Diagnostics{{
		ID:          protocol.NewPeerID().String(),
		Remote:      "10.0.0.2:7000",
		Established: true,
		MTUDone:     true,
		MTU:         1364,
		BytesIn:     2048,
	}})
	require.NoError(t, err)
	require.Contains(t, out, "10.0.0.2:7000")
	require.Contains(t, out, "established")
	require.True(t, strings.Contains(out, "1364"))
}
