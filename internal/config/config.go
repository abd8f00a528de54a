// Package config holds the CLI configuration types.
package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// Mode selects which end of the tunnel this instance is.
type Mode string

const (
	// ModeIn listens on the UDP port and learns the return address from traffic.
	ModeIn Mode = "in"
	// ModeOut forwards to a fixed UDP destination.
	ModeOut Mode = "out"
)

// MinPort is the lowest UDP port the tunnel accepts.
const MinPort = 1024

// DefaultTickInterval is the sleep between two iterations of the main loop.
// Shorter intervals trade CPU for latency.
const DefaultTickInterval = time.Millisecond

// DefaultRendezvous is the rendezvous server used when none is configured.
const DefaultRendezvous = "ws://127.0.0.1:33445/ws"

var (
	ErrInvalidMode   = errors.New("invalid mode, must be either in or out")
	ErrInvalidPort   = errors.New("port must be between 1024 and 65535")
	ErrInvalidTarget = errors.New("invalid target host")
)

// ParseMode converts the CLI mode argument.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeIn, ModeOut:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Config stores all parameters gathered from the command line.
type Config struct {
	Mode        Mode
	UDPPort     int
	PeerAddress string // optional hex overlay address to add on startup

	TargetHost string // Out: host the fixed return address points to

	Rendezvous     string
	STUNServers    []string
	HolePunching   bool
	LocalDiscovery bool

	TickInterval time.Duration
	MetricsAddr  string // empty disables the Prometheus endpoint
	Debug        bool
	Trace        bool // also show per-packet drops and WebRTC internals
}

// Validate checks the fields that the tunnel cannot start without.
func (c *Config) Validate() error {
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.UDPPort < MinPort || c.UDPPort > 65535 {
		return fmt.Errorf("%w: got %d", ErrInvalidPort, c.UDPPort)
	}
	if c.Mode == ModeOut {
		if _, err := c.InitialReturnAddress(); err != nil {
			return err
		}
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", c.TickInterval)
	}
	return nil
}

// BindPort is the local port the UDP socket binds to. The out side sends
// from an ephemeral port.
func (c *Config) BindPort() int {
	if c.Mode == ModeIn {
		return c.UDPPort
	}
	return 0
}

// InitialReturnAddress is where inbound overlay traffic goes before any
// local datagram has been seen. Port 0 means unknown. In out mode the target
// host is resolved here, once; IPv4 results are preferred.
func (c *Config) InitialReturnAddress() (netip.AddrPort, error) {
	if c.Mode != ModeOut {
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), 0), nil
	}
	addr, err := resolveHost(c.TargetHost)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, uint16(c.UDPPort)), nil
}

// resolveTimeout bounds the target host lookup at startup.
const resolveTimeout = 5 * time.Second

func resolveHost(host string) (netip.Addr, error) {
	if host == "" {
		return netip.Addr{}, ErrInvalidTarget
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w %q: %v", ErrInvalidTarget, host, err)
	}
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return a.Unmap(), nil
		}
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("%w %q: no addresses", ErrInvalidTarget, host)
	}
	return addrs[0], nil
}
