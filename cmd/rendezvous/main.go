// Rendezvous server entry point.
//
// Peers register their overlay public key over WebSocket and exchange sealed
// signals through this server until they have a direct connection. The server
// cannot read or forge those signals.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/udptunnel/internal/signaling"
	"github.com/1ureka/udptunnel/internal/util"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		listen string
		opts   = signaling.DefaultServerOptions
		debug  bool
	)

	cmd := &cobra.Command{
		Use:           "rendezvous",
		Short:         "Run the rendezvous server tunnel peers meet on",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Rate <= 0 || opts.Burst <= 0 {
				return fmt.Errorf("rate and burst must be positive")
			}
			if debug {
				util.EnableDebug()
			}

			pterm.Info.Println(fmt.Sprintf("Rendezvous — v%s", version))
			pterm.Println()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return signaling.NewServer(opts).ListenAndServe(ctx, listen)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&listen, "listen", ":33445", "Address to listen on")
	flags.Float64Var(&opts.Rate, "rate", opts.Rate, "Messages per second allowed per peer")
	flags.IntVar(&opts.Burst, "burst", opts.Burst, "Message burst allowed per peer")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")

	return cmd
}
