package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/bruceblink/sendmer/internal/blob"
	"github.com/bruceblink/sendmer/internal/config"
	"github.com/bruceblink/sendmer/internal/ticket"
	"github.com/bruceblink/sendmer/internal/transfer"
)

type receiveFlags struct {
	outputDir string
	relayURL  string
	noRelay   bool
	format    string
}

func newReceiveCommand(cfg *config.Config) *cobra.Command {
	var f receiveFlags

	cmd := &cobra.Command{
		Use:     "receive TICKET",
		Aliases: []string{"recv"},
		Short:   "Fetch a shared transfer by its ticket",
		Long: `Fetch the file or directory a ticket points at.

The data is downloaded into a temporary session store, verified against
the hashes in the ticket's collection, and exported into the output
directory. Existing files are never overwritten; a name conflict aborts
the transfer before anything is written.`,
		Example: `  # into the Downloads folder (or the current directory)
  sendmer receive sendmerabc...

  # into a specific directory
  sendmer receive sendmerabc... --output /srv/incoming`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Root().PersistentFlags().GetCount("verbose")
			return runReceive(cmd, cfg, args[0], f, verbose)
		},
	}

	cmd.Flags().StringVarP(&f.outputDir, "output", "o", "",
		"Destination directory (default the Downloads folder, else the current directory)")
	cmd.Flags().StringVar(&f.relayURL, "relay", "", "Relay server URL (overrides SENDMER_RELAY)")
	cmd.Flags().BoolVar(&f.noRelay, "no-relay", false, "Never fall back to a relay")
	cmd.Flags().StringVar(&f.format, "format", "hex", "Hash display format: hex or cid")
	return cmd
}

func runReceive(cmd *cobra.Command, cfg *config.Config, ticketStr string, f receiveFlags, verbose int) error {
	displayFormat, err := blob.ParseDisplayFormat(f.format)
	if err != nil {
		return err
	}

	out := f.outputDir
	if out == "" {
		out = downloadsDir()
	}
	out, err = filepath.Abs(out)
	if err != nil {
		return err
	}

	if verbose > 0 {
		tk, err := ticket.Parse(ticketStr)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "fetching %s from node %s\n",
			blob.FormatHash(tk.Root, displayFormat), tk.Addr.ID.Short())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := transfer.Receive(ctx, ticketStr, transfer.ReceiveOptions{
		OutputDir: out,
		Secret:    cfg.Secret(),
		RelayURL:  resolveRelay(cfg, f.relayURL, f.noRelay),
		Sink:      newReceiveSink(cmd, verbose),
	})
	if err != nil {
		return err
	}

	fmt.Println(color.GreenString(res.Message))
	fmt.Println("saved to", res.FilePath)
	return nil
}
