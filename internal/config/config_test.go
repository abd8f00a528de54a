package config

import (
	"errors"
	"net/netip"
	"testing"
	"time"
)

func validConfig(mode Mode, port int) *Config {
	return &Config{
		Mode:         mode,
		UDPPort:      port,
		TargetHost:   "127.0.0.1",
		TickInterval: DefaultTickInterval,
	}
}

func TestParseMode(t *testing.T) {
	testCases := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"in", ModeIn, false},
		{"out", ModeOut, false},
		{"IN", "", true},
		{"", "", true},
		{"both", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseMode(tc.in)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidMode) {
					t.Fatalf("expected ErrInvalidMode, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestValidatePort(t *testing.T) {
	testCases := []struct {
		name    string
		port    int
		wantErr bool
	}{
		{"below minimum", 1023, true},
		{"zero", 0, true},
		{"minimum", 1024, false},
		{"typical", 9000, false},
		{"maximum", 65535, false},
		{"above maximum", 65536, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := validConfig(ModeIn, tc.port).Validate()
			if tc.wantErr && !errors.Is(err, ErrInvalidPort) {
				t.Fatalf("expected ErrInvalidPort, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateRejectsBadTargetAndTick(t *testing.T) {
	cfg := validConfig(ModeOut, 9001)
	cfg.TargetHost = "not a host"
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("expected ErrInvalidTarget, got %v", err)
	}

	cfg = validConfig(ModeOut, 9001)
	cfg.TickInterval = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero tick interval")
	}

	// The target host is irrelevant on the in side.
	cfg = validConfig(ModeIn, 9000)
	cfg.TargetHost = ""
	cfg.TickInterval = 5 * time.Millisecond
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAddressesPerMode(t *testing.T) {
	in := validConfig(ModeIn, 9000)
	if in.BindPort() != 9000 {
		t.Errorf("in BindPort: got %d, want 9000", in.BindPort())
	}
	if ra, err := in.InitialReturnAddress(); err != nil || ra.Port() != 0 {
		t.Errorf("in return address should start unset, got %s (%v)", ra, err)
	}

	out := validConfig(ModeOut, 5000)
	if out.BindPort() != 0 {
		t.Errorf("out BindPort: got %d, want 0", out.BindPort())
	}
	want := netip.MustParseAddrPort("127.0.0.1:5000")
	if ra, err := out.InitialReturnAddress(); err != nil || ra != want {
		t.Errorf("out return address: got %s (%v), want %s", ra, err, want)
	}
}

func TestTargetHostResolution(t *testing.T) {
	testCases := []struct {
		name    string
		host    string
		want    netip.Addr
		wantErr bool
	}{
		{"ipv4 literal", "192.0.2.7", netip.MustParseAddr("192.0.2.7"), false},
		{"mapped ipv4", "::ffff:192.0.2.7", netip.MustParseAddr("192.0.2.7"), false},
		{"ipv6 literal", "::1", netip.MustParseAddr("::1"), false},
		{"localhost", "localhost", netip.MustParseAddr("127.0.0.1"), false},
		{"empty", "", netip.Addr{}, true},
		{"invalid name", "not a host", netip.Addr{}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig(ModeOut, 5000)
			cfg.TargetHost = tc.host

			ra, err := cfg.InitialReturnAddress()
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidTarget) {
					t.Fatalf("expected ErrInvalidTarget, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ra.Addr() != tc.want || ra.Port() != 5000 {
				t.Errorf("got %s, want %s:5000", ra, tc.want)
			}
		})
	}
}
