package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/1ureka/udplink/internal/protocol"
	"github.com/1ureka/udplink/internal/util"
)

// socketBufferSize is the kernel read and write buffer requested for every
// bound socket.
const socketBufferSize = 32 * 1024

// ListenFunc opens a datagram socket. net.ListenPacket and the virtual
// network used in tests both satisfy it.
type ListenFunc func(network, address string) (net.PacketConn, error)

// socket is one bound datagram socket and the peer id it presents.
type socket struct {
	conn  net.PacketConn
	local netip.AddrPort
	id    protocol.PeerID
}

func (s *socket) String() string {
	return fmt.Sprintf("%s (%s)", s.local, s.id.Short())
}

func (s *socket) isLoopback() bool {
	return s.local.Addr().IsLoopback()
}

// bind opens one socket per (address, port) pair. A pair that fails does
// not stop the others; bind fails only if nothing could be bound.
func (s *Server) bind() error {
	addrs := s.opts.Bind
	if len(addrs) == 0 {
		addrs = []netip.Addr{netip.IPv4Unspecified()}
	}

	var errs []error
	for _, port := range s.opts.Ports {
		for _, ip := range addrs {
			sock, err := s.listen(ip, port)
			if err != nil {
				util.LogWarning("bind %s failed: %v", netip.AddrPortFrom(ip, uint16(port)), err)
				errs = append(errs, err)
				continue
			}
			s.sockets = append(s.sockets, sock)
			s.byLocal[sock.local] = sock
			util.LogInfo("listening on %s", sock)
		}
	}

	if len(s.sockets) == 0 {
		return fmt.Errorf("%w: %w", ErrNoSocket, errors.Join(errs...))
	}
	return nil
}

// listen binds ip:port. With fail-over enabled a busy port is retried on
// the next lower ports.
func (s *Server) listen(ip netip.Addr, port int) (*socket, error) {
	attempts := 1
	if s.opts.Failover && port != 0 {
		attempts += s.opts.FailoverAttempts
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		p := port - i
		if i > 0 && p <= 0 {
			break
		}
		conn, err := s.opts.Listen("udp", netip.AddrPortFrom(ip, uint16(p)).String())
		if err != nil {
			lastErr = err
			continue
		}
		if i > 0 {
			util.LogWarning("port %d unavailable, failed over to %d", port, p)
		}

		sock, err := s.newSocket(conn)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return sock, nil
	}
	return nil, lastErr
}

func (s *Server) newSocket(conn net.PacketConn) (*socket, error) {
	setBuffers(conn)

	local, err := addrPortOf(conn.LocalAddr())
	if err != nil {
		return nil, err
	}

	id := protocol.NewPeerID()
	if s.opts.Identity != nil {
		if id, err = s.opts.Identity.PeerID(int(local.Port())); err != nil {
			return nil, fmt.Errorf("failed to load peer id for port %d: %w", local.Port(), err)
		}
	}

	return &socket{conn: conn, local: local, id: id}, nil
}

func setBuffers(conn net.PacketConn) {
	type buffered interface {
		SetReadBuffer(int) error
		SetWriteBuffer(int) error
	}
	b, ok := conn.(buffered)
	if !ok {
		return
	}
	if err := b.SetReadBuffer(socketBufferSize); err != nil {
		util.LogDebug("set read buffer: %v", err)
	}
	if err := b.SetWriteBuffer(socketBufferSize); err != nil {
		util.LogDebug("set write buffer: %v", err)
	}
}

func addrPortOf(addr net.Addr) (netip.AddrPort, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		ap := a.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("unsupported address %v: %w", addr, err)
		}
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
}

// defaultSocket returns the first non-loopback socket, else the first.
func (s *Server) defaultSocket() *socket {
	for _, sock := range s.sockets {
		if !sock.isLoopback() {
			return sock
		}
	}
	return s.sockets[0]
}
