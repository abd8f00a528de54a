//go:build unix

package udp

import (
	"errors"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Receive reads one pending datagram into buf. ok is false when nothing is
// queued; it never waits. Datagrams larger than buf are truncated to
// len(buf), so a caller that must detect oversized datagrams passes a buffer
// one byte larger than the largest datagram it accepts.
func (s *Socket) Receive(buf []byte) (n int, from netip.AddrPort, ok bool, err error) {
	var sa unix.Sockaddr
	var rerr error
	err = s.raw.Read(func(fd uintptr) bool {
		n, sa, rerr = unix.Recvfrom(int(fd), buf, unix.MSG_DONTWAIT)
		return true
	})
	if err != nil {
		return 0, netip.AddrPort{}, false, err
	}
	if errors.Is(rerr, unix.EAGAIN) || errors.Is(rerr, unix.EWOULDBLOCK) {
		return 0, netip.AddrPort{}, false, nil
	}
	if rerr != nil {
		return 0, netip.AddrPort{}, false, rerr
	}
	return n, sockaddrToAddrPort(sa), true, nil
}

func sockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}
