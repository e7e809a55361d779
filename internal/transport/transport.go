// Package transport is the transport server: it owns the bound datagram
// sockets, reads and decodes inbound packets for the link manager, writes
// outbound packets through the send worker, and exposes the application API
// for opening links.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/1ureka/udplink/internal/link"
	"github.com/1ureka/udplink/internal/manager"
	"github.com/1ureka/udplink/internal/metrics"
	"github.com/1ureka/udplink/internal/protocol"
	"github.com/1ureka/udplink/internal/util"
)

// readBufferSize is larger than any valid datagram so oversized ones are
// seen whole and rejected by the codec.
const readBufferSize = 64 * 1024

// DefaultShutdownTimeout bounds the graceful part of Shutdown.
const DefaultShutdownTimeout = 2 * time.Second

// After a burst of readErrorBurst failed reads, a socket is read at most
// once per readErrorEvery until a read succeeds. Only every
// readErrorLogEvery-th failure in a row is logged.
const (
	readErrorEvery    = 100 * time.Millisecond
	readErrorBurst    = 5
	readErrorLogEvery = 50
)

var (
	ErrNoSocket = errors.New("no usable socket")
	ErrClosed   = errors.New("transport closed")
)

// IDStore provides the persistent peer id of a bound port.
type IDStore interface {
	PeerID(port int) (protocol.PeerID, error)
}

// Options configure a Server.
type Options struct {
	Ports            []int
	Bind             []netip.Addr // empty binds the IPv4 wildcard address
	Failover         bool
	FailoverAttempts int

	Link     link.Options
	Identity IDStore // nil gives every socket a fresh random id
	Metrics  metrics.Recorder
	Listen   ListenFunc // nil uses net.ListenPacket

	// Report logs a traffic summary periodically.
	Report bool

	// TickInterval overrides the link manager timer. Tests only.
	TickInterval time.Duration
}

// Server is one transport instance. Several servers may run in one process.
type Server struct {
	opts    Options
	sockets []*socket
	byLocal map[netip.AddrPort]*socket
	mgr     *manager.Manager
	sender  *sender
	stats   *util.Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// NewServer binds the configured sockets and starts the server.
func NewServer(ctx context.Context, opts Options) (*Server, error) {
	if opts.Listen == nil {
		opts.Listen = net.ListenPacket
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewDummy()
	}
	if len(opts.Ports) == 0 {
		opts.Ports = []int{0}
	}

	sCtx, sCancel := context.WithCancel(ctx)
	s := &Server{
		opts:    opts,
		byLocal: make(map[netip.AddrPort]*socket),
		stats:   util.NewStats(),
		ctx:     sCtx,
		cancel:  sCancel,
	}

	if err := s.bind(); err != nil {
		sCancel()
		return nil, err
	}

	s.sender = newSender(context.Background())
	s.mgr = manager.New(s, manager.Options{
		Link:         opts.Link,
		Metrics:      opts.Metrics,
		Stats:        s.stats,
		TickInterval: opts.TickInterval,
	})
	s.mgr.Start()

	for _, sock := range s.sockets {
		s.wg.Add(1)
		go s.readLoop(sock)
	}
	if opts.Report {
		s.stats.StartReporter(sCtx)
	}

	// Parent context cancellation closes the server.
	go func() {
		<-sCtx.Done()
		s.Close()
	}()

	return s, nil
}

// ---------------------------------------------------------------------------
// Read loop
// ---------------------------------------------------------------------------

// readLoop is the only reader of sock. It blocks in ReadFrom; Close unblocks
// it by closing the socket.
func (s *Server) readLoop(sock *socket) {
	defer s.wg.Done()

	buf := make([]byte, readBufferSize)
	var retry *rate.Limiter
	failures := 0
	for {
		n, from, err := sock.conn.ReadFrom(buf)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			failures++
			if failures == 1 || failures%readErrorLogEvery == 0 {
				util.LogWarning("read on %s failed (%d in a row): %v", sock.local, failures, err)
			}
			if retry == nil {
				retry = rate.NewLimiter(rate.Every(readErrorEvery), readErrorBurst)
			}
			if retry.Wait(s.ctx) != nil {
				return
			}
			continue
		}
		if failures > 0 {
			util.LogInfo("read on %s recovered after %d errors", sock.local, failures)
			failures = 0
			retry = nil
		}

		s.stats.AddRecv(n + protocol.IPUDPHeaders)

		apparent, err := addrPortOf(from)
		if err != nil {
			util.LogDebug("dropping datagram: %v", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		pkt, err := protocol.Decode(data, apparent)
		if err != nil {
			s.stats.AddRejected()
			s.opts.Metrics.PacketRejected()
			util.LogDebug("rejected %d bytes from %s: %v", n, apparent, err)
			continue
		}

		s.mgr.Deliver(pkt, sock.local)
	}
}

// ---------------------------------------------------------------------------
// manager.Sockets
// ---------------------------------------------------------------------------

func (s *Server) LocalID(local netip.AddrPort) protocol.PeerID {
	if sock, ok := s.byLocal[local]; ok {
		return sock.id
	}
	return protocol.UnknownPeer
}

func (s *Server) Write(local, remote netip.AddrPort, data []byte) error {
	sock, ok := s.byLocal[local]
	if !ok {
		return fmt.Errorf("%w for %s", ErrNoSocket, local)
	}
	_, err := sock.conn.WriteTo(data, net.UDPAddrFromAddrPort(remote))
	return err
}

func (s *Server) QueueSend(l *link.Link, pkt *protocol.Packet) {
	s.sender.send(l, pkt)
}

// ---------------------------------------------------------------------------
// Application API
// ---------------------------------------------------------------------------

// Open returns the link to remote from the default socket, creating it and
// starting the handshake if needed.
func (s *Server) Open(remote netip.AddrPort) (*link.Link, error) {
	return s.OpenFrom(s.defaultSocket().local, remote)
}

// OpenFrom is Open from a specific local socket.
func (s *Server) OpenFrom(local, remote netip.AddrPort) (*link.Link, error) {
	if s.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if _, ok := s.byLocal[local]; !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoSocket, local)
	}
	remote = netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port())
	if !remote.Addr().Is4() {
		return nil, fmt.Errorf("remote %s: only IPv4 peers are supported", remote)
	}

	l, err := s.mgr.Open(local, remote)
	if errors.Is(err, manager.ErrStopped) {
		return nil, ErrClosed
	}
	return l, err
}

// Dial resolves a "host:port" address and opens a link to it.
func (s *Server) Dial(address string) (*link.Link, error) {
	ua, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", address, err)
	}
	return s.Open(ua.AddrPort())
}

// Links returns the live links.
func (s *Server) Links() []*link.Link { return s.mgr.Links() }

// Find returns the live link whose name, peer id or remote address is key.
func (s *Server) Find(key string) *link.Link { return s.mgr.Find(key) }

// Diagnostics returns the diagnostics of every live link.
func (s *Server) Diagnostics() []link.Diagnostics { return s.mgr.Diagnostics() }

// Subscribe registers fn for link CREATED and DESTROYED events.
func (s *Server) Subscribe(fn func(manager.Event)) (cancel func()) {
	return s.mgr.Subscribe(fn)
}

// SubscribeLinks registers fn for the events of every link, including
// delivered messages.
func (s *Server) SubscribeLinks(fn func(link.Event)) (cancel func()) {
	return s.mgr.SubscribeLinks(fn)
}

// LocalAddrs returns the addresses of the bound sockets.
func (s *Server) LocalAddrs() []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(s.sockets))
	for _, sock := range s.sockets {
		out = append(out, sock.local)
	}
	return out
}

// DefaultAddr returns the address links are opened from by default.
func (s *Server) DefaultAddr() netip.AddrPort { return s.defaultSocket().local }

// PeerID returns the id presented on the default socket.
func (s *Server) PeerID() protocol.PeerID { return s.defaultSocket().id }

// Stats returns the server-wide traffic counters.
func (s *Server) Stats() *util.Stats { return s.stats }

// Done is closed when the server has been closed.
func (s *Server) Done() <-chan struct{} { return s.ctx.Done() }

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

// Shutdown closes every link gracefully, waiting at most until ctx is done,
// then closes the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.ctx.Err() == nil {
		if err := s.mgr.Drain(ctx); err != nil {
			util.LogWarning("%d links still open at shutdown: %v", len(s.mgr.Links()), err)
		}
	}
	return s.Close()
}

// Close stops the server immediately: the link manager (killing every
// link), the dispatch worker, the send worker, then the sockets.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.mgr.Stop()
		s.sender.stop()

		var errs []error
		for _, sock := range s.sockets {
			if err := sock.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		s.wg.Wait()
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
