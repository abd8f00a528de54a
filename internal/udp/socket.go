// Package udp is the local UDP side of the tunnel: a bound socket with a
// receive that never blocks and a send to an explicit address.
package udp

import (
	"fmt"
	"net"
	"net/netip"
	"syscall"
)

// Socket is a bound UDP socket polled from a single goroutine.
type Socket struct {
	conn *net.UDPConn
	raw  syscall.RawConn
}

// Open binds a UDP socket on all interfaces. Port 0 picks an ephemeral port.
func Open(port int) (*Socket, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP port %d: %w", port, err)
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to access UDP socket: %w", err)
	}
	return &Socket{conn: conn, raw: raw}, nil
}

// LocalAddr returns the bound address.
func (s *Socket) LocalAddr() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// SendTo writes one datagram to addr.
func (s *Socket) SendTo(addr netip.AddrPort, b []byte) error {
	_, err := s.conn.WriteToUDPAddrPort(b, addr)
	return err
}

// Close releases the socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}
