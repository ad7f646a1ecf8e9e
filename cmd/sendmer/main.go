package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bruceblink/sendmer/internal/config"
	"github.com/bruceblink/sendmer/pkg/logger"
)

var version = "0.1.0"

func newRootCommand(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:   "sendmer",
		Short: "Send files and directories over a peer-to-peer link",
		Long: `Share files and directories directly between two machines.

The sender imports data into a content-addressed session store and prints
a ticket. Anyone holding the ticket can fetch the data while the sender
is running; transfers go peer to peer, falling back to a relay server
when no direct route exists. Every blob is verified against its BLAKE3
hash on arrival.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().CountP("verbose", "v", "Increase output detail (repeatable)")
	root.PersistentFlags().Bool("no-progress", false, "Disable the progress bar")

	root.AddCommand(newSendCommand(cfg))
	root.AddCommand(newReceiveCommand(cfg))
	return root
}

func main() {
	cfg := config.New()
	logger.Init(cfg.LogFile(), cfg.LogLevel(), false)

	if err := newRootCommand(cfg).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
