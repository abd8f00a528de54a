package main

import (
	"testing"

	"github.com/pterm/pterm"

	"github.com/1ureka/udptunnel/internal/config"
)

func TestLoggingFlags(t *testing.T) {
	prev := pterm.DefaultLogger.Level
	t.Cleanup(func() { pterm.DefaultLogger.Level = prev })

	testCases := []struct {
		name string
		args []string
		want pterm.LogLevel
	}{
		{"default", nil, pterm.LogLevelInfo},
		{"debug", []string{"--debug"}, pterm.LogLevelDebug},
		{"trace", []string{"--trace"}, pterm.LogLevelTrace},
		{"both", []string{"--debug", "--trace"}, pterm.LogLevelTrace},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pterm.DefaultLogger.Level = pterm.LogLevelInfo

			cfg := &config.Config{}
			cmd := newRootCmd(cfg)
			if err := cmd.ParseFlags(tc.args); err != nil {
				t.Fatalf("ParseFlags: %v", err)
			}
			configureLogging(cfg)

			if got := pterm.DefaultLogger.Level; got != tc.want {
				t.Errorf("level: got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFlagDefaults(t *testing.T) {
	cfg := &config.Config{}
	cmd := newRootCmd(cfg)
	if err := cmd.ParseFlags(nil); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	if cfg.Rendezvous != config.DefaultRendezvous {
		t.Errorf("rendezvous: got %q", cfg.Rendezvous)
	}
	if cfg.TickInterval != config.DefaultTickInterval {
		t.Errorf("tick: got %s", cfg.TickInterval)
	}
	if !cfg.LocalDiscovery || cfg.TargetHost != "127.0.0.1" {
		t.Errorf("discovery/target: got %v %q", cfg.LocalDiscovery, cfg.TargetHost)
	}
}

func TestRejectsBadArguments(t *testing.T) {
	testCases := []struct {
		name string
		args []string
	}{
		{"bad mode", []string{"sideways", "9000"}},
		{"low port", []string{"in", "80"}},
		{"high port", []string{"in", "70000"}},
		{"port not a number", []string{"in", "abc"}},
		{"missing port", []string{"in"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := newRootCmd(&config.Config{})
			cmd.SetArgs(tc.args)
			if err := cmd.Execute(); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
