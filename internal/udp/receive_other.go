//go:build !unix

package udp

import (
	"errors"
	"net/netip"
	"os"
	"time"
)

// pollDeadline bounds the wait when no datagram is queued. A queued datagram
// is returned without waiting.
const pollDeadline = 10 * time.Microsecond

// Receive reads one pending datagram into buf. ok is false when nothing is
// queued. Datagrams larger than buf are truncated to len(buf), as on unix.
func (s *Socket) Receive(buf []byte) (n int, from netip.AddrPort, ok bool, err error) {
	s.conn.SetReadDeadline(time.Now().Add(pollDeadline))
	n, from, err = s.conn.ReadFromUDPAddrPort(buf)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return 0, netip.AddrPort{}, false, nil
	}
	if err != nil && n == len(buf) && from.IsValid() {
		// Windows reports a truncated datagram as WSAEMSGSIZE.
		err = nil
	}
	if err != nil {
		return 0, netip.AddrPort{}, false, err
	}
	return n, netip.AddrPortFrom(from.Addr().Unmap(), from.Port()), true, nil
}
