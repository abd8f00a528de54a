// Tunnel CLI entry point.
//
// This tool relays UDP datagrams to one peer on the overlay. The "in" side
// listens on a local UDP port and learns where replies go from the traffic it
// receives; the "out" side forwards everything to a fixed local port.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/udptunnel/internal/config"
	"github.com/1ureka/udptunnel/internal/metrics"
	"github.com/1ureka/udptunnel/internal/overlay"
	"github.com/1ureka/udptunnel/internal/tunnel"
	"github.com/1ureka/udptunnel/internal/udp"
	"github.com/1ureka/udptunnel/internal/util"
)

var version = "dev"

func main() {
	if err := newRootCmd(&config.Config{}).Execute(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	var noHolePunching bool

	cmd := &cobra.Command{
		Use:   "tunnel <in|out> <udp_port> [peer_address_hex]",
		Short: "Relay UDP datagrams to one peer over the overlay",
		Long: `Tunnel relays UDP datagrams between a local endpoint and one overlay peer.

  in   listen on udp_port; replies go to the sender of the last datagram
  out  forward everything to <target-host>:udp_port

The first peer to connect becomes the relay target. Pass the other side's
overlay address to connect to it; otherwise wait for it to connect to us.`,
		Version:       version,
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := config.ParseMode(args[0])
			if err != nil {
				return err
			}
			port, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("%w: %q", config.ErrInvalidPort, args[1])
			}

			cfg.Mode = mode
			cfg.UDPPort = port
			cfg.HolePunching = !noHolePunching
			if len(args) == 3 {
				cfg.PeerAddress = args[2]
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			configureLogging(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Rendezvous, "rendezvous", config.DefaultRendezvous, "Rendezvous server WebSocket URL")
	flags.StringArrayVar(&cfg.STUNServers, "stun", nil, "STUN server URL for hole punching (repeatable)")
	flags.BoolVar(&noHolePunching, "no-hole-punching", false, "Disable STUN hole punching")
	flags.BoolVar(&cfg.LocalDiscovery, "local-discovery", true, "Discover peers on the LAN via mDNS")
	flags.StringVar(&cfg.TargetHost, "target-host", "127.0.0.1", "Destination host in out mode")
	flags.DurationVar(&cfg.TickInterval, "tick", config.DefaultTickInterval, "Main loop interval")
	flags.StringVar(&cfg.MetricsAddr, "metrics", "", "Serve Prometheus metrics on this address (disabled when empty)")
	flags.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	flags.BoolVar(&cfg.Trace, "trace", false, "Enable trace logging, including WebRTC internals (implies --debug)")

	return cmd
}

// configureLogging applies the verbosity flags to the process logger.
func configureLogging(cfg *config.Config) {
	switch {
	case cfg.Trace:
		util.EnableTrace()
	case cfg.Debug:
		util.EnableDebug()
	}
}

// run starts the tunnel and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	pterm.Info.Println(fmt.Sprintf("UDP Tunnel — v%s", version))
	pterm.Println()

	sock, err := udp.Open(cfg.BindPort())
	if err != nil {
		return err
	}
	defer sock.Close()

	session, err := overlay.New(ctx, overlay.Options{
		Rendezvous:            cfg.Rendezvous,
		HolePunchingEnabled:   cfg.HolePunching,
		STUNServers:           cfg.STUNServers,
		LocalDiscoveryEnabled: cfg.LocalDiscovery,
	})
	if err != nil {
		return fmt.Errorf("failed to create overlay session: %w", err)
	}
	defer session.Close()

	relay, err := tunnel.New(cfg, sock, session)
	if err != nil {
		return err
	}

	util.LogInfo("mode %s, local udp %s", cfg.Mode, sock.LocalAddr())
	if cfg.Mode == config.ModeOut {
		util.LogInfo("forwarding to %s", relay.ReturnAddress())
	}
	util.LogSuccess("overlay address: %s", session.SelfAddress())

	if cfg.PeerAddress != "" {
		if err := relay.AddFriend(cfg.PeerAddress); err != nil {
			return err
		}
	}

	util.StartStatsReporter(ctx)

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		if err := metrics.Register(reg); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, reg); err != nil {
				util.LogError("metrics server stopped: %v", err)
			}
		}()
	}

	start := time.Now()
	err = relay.Run(ctx)
	if errors.Is(err, context.Canceled) {
		util.LogInfo("tunnel closed after %s", time.Since(start).Round(time.Second))
		return nil
	}
	return err
}
