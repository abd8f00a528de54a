package udp

import (
	"net"
	"net/netip"
	"testing"
	"time"
)

func openSocket(t *testing.T) *Socket {
	t.Helper()
	s, err := Open(0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func loopback(s *Socket) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), s.LocalAddr().Port())
}

// pollReceive calls Receive until a datagram arrives or the timeout elapses.
func pollReceive(t *testing.T, s *Socket, buf []byte) (int, netip.AddrPort) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, from, ok, err := s.Receive(buf)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if ok {
			return n, from
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no datagram received")
	return 0, netip.AddrPort{}
}

func TestReceiveEmptyDoesNotBlock(t *testing.T) {
	s := openSocket(t)
	buf := make([]byte, 64)

	start := time.Now()
	for range 100 {
		_, _, ok, err := s.Receive(buf)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if ok {
			t.Fatal("unexpected datagram on an idle socket")
		}
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("100 empty receives took %s", elapsed)
	}
}

func TestReceiveReportsSender(t *testing.T) {
	s := openSocket(t)

	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("peer listen: %v", err)
	}
	defer peer.Close()

	if _, err := peer.WriteToUDPAddrPort([]byte("hello"), loopback(s)); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	buf := make([]byte, 64)
	n, from := pollReceive(t, s, buf)
	if string(buf[:n]) != "hello" {
		t.Errorf("payload: got %q", buf[:n])
	}
	want := peer.LocalAddr().(*net.UDPAddr).AddrPort()
	if from != want {
		t.Errorf("sender: got %s, want %s", from, want)
	}
}

func TestSendTo(t *testing.T) {
	s := openSocket(t)

	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("peer listen: %v", err)
	}
	defer peer.Close()

	to := peer.LocalAddr().(*net.UDPAddr).AddrPort()
	if err := s.SendTo(to, []byte("xy")); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	buf := make([]byte, 64)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := peer.ReadFromUDPAddrPort(buf)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if string(buf[:n]) != "xy" {
		t.Errorf("got %q, want %q", buf[:n], "xy")
	}
}

func TestOpenPortInUse(t *testing.T) {
	s := openSocket(t)
	if _, err := Open(int(s.LocalAddr().Port())); err == nil {
		t.Fatal("expected bind failure on a port already in use")
	}
}

// TestReceiveOversizeFillsBuffer checks that a datagram larger than the
// buffer fills it completely, so callers can size the buffer one byte past
// their limit and detect the overflow.
func TestReceiveOversizeFillsBuffer(t *testing.T) {
	s := openSocket(t)

	sender, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(loopback(s)))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer sender.Close()

	if _, err := sender.Write(make([]byte, 2000)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 1373)
	n, _ := pollReceive(t, s, buf)
	if n != len(buf) {
		t.Errorf("n: got %d, want %d", n, len(buf))
	}
}
