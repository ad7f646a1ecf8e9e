package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/bruceblink/sendmer/cmd/sendmer/ui"
	"github.com/bruceblink/sendmer/internal/blob"
	"github.com/bruceblink/sendmer/internal/config"
	"github.com/bruceblink/sendmer/internal/event"
	"github.com/bruceblink/sendmer/internal/ticket"
	"github.com/bruceblink/sendmer/internal/transfer"
	"github.com/bruceblink/sendmer/internal/transport"
)

type sendFlags struct {
	addrType   string
	relayURL   string
	noRelay    bool
	stunServer string
	bindAddr   string
	format     string
	showSecret bool
}

func newSendCommand(cfg *config.Config) *cobra.Command {
	var f sendFlags

	cmd := &cobra.Command{
		Use:   "send PATH",
		Short: "Share a file or directory and print the ticket for it",
		Long: `Share a file or directory with anyone who holds the ticket.

The path is imported into a hidden session directory under the current
directory and served until interrupted with ctrl-c. Nothing is uploaded
anywhere; receivers connect straight to this process, or through the
configured relay when no direct route exists.`,
		Example: `  # share a file
  sendmer send big-file.tar.gz

  # share a directory, ticket restricted to the relay route
  sendmer send ./photos --addr-type relay

  # share without registering at any relay
  sendmer send notes.txt --no-relay`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Root().PersistentFlags().GetCount("verbose")
			return runSend(cmd, cfg, args[0], f, verbose)
		},
	}

	cmd.Flags().StringVar(&f.addrType, "addr-type", "relay-and-addresses",
		"Reachability hints in the ticket: id, relay, addresses or relay-and-addresses")
	cmd.Flags().StringVar(&f.relayURL, "relay", "", "Relay server URL (overrides SENDMER_RELAY)")
	cmd.Flags().BoolVar(&f.noRelay, "no-relay", false, "Disable relay registration")
	cmd.Flags().StringVar(&f.stunServer, "stun", "", "STUN server for public address discovery (overrides SENDMER_STUN)")
	cmd.Flags().StringVar(&f.bindAddr, "bind", "", "Listen address (default an ephemeral port on all interfaces)")
	cmd.Flags().StringVar(&f.format, "format", "hex", "Hash display format: hex or cid")
	cmd.Flags().BoolVar(&f.showSecret, "show-secret", false, "Print the identity secret to stderr")
	return cmd
}

func runSend(cmd *cobra.Command, cfg *config.Config, path string, f sendFlags, verbose int) error {
	addrOpts, err := ticket.ParseAddrOptions(f.addrType)
	if err != nil {
		return err
	}
	displayFormat, err := blob.ParseDisplayFormat(f.format)
	if err != nil {
		return err
	}

	secret := cfg.Secret()
	if secret == "" {
		secret, err = transport.GenerateSecret()
		if err != nil {
			return err
		}
		if verbose > 0 && !f.showSecret {
			fmt.Fprintf(os.Stderr, "using secret key %s\n", secret)
		}
	}
	if f.showSecret {
		fmt.Fprintf(os.Stderr, "using secret key %s\n", secret)
	}

	stun := f.stunServer
	if stun == "" {
		stun = cfg.StunServerAddr()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	share, err := transfer.Send(ctx, path, transfer.SendOptions{
		Secret:     secret,
		BindAddr:   f.bindAddr,
		StunServer: stun,
		RelayURL:   resolveRelay(cfg, f.relayURL, f.noRelay),
		AddrOpts:   addrOpts,
		Sink:       event.LogSink{},
	})
	if err != nil {
		if errors.Is(err, transfer.ErrCancelled) {
			os.Exit(130)
		}
		var busy *transfer.ShareDirBusyError
		if errors.Is(err, transfer.ErrShareCurrentDir) || errors.As(err, &busy) {
			fmt.Println(err)
			os.Exit(1)
		}
		return err
	}
	defer share.Close()

	entryType := "file"
	if share.IsDir {
		entryType = "directory"
	}
	fmt.Printf("imported %s %s, %s, hash %s\n",
		entryType, path, ui.HumanBytes(share.TotalSize), blob.FormatHash(share.Root, displayFormat))
	if verbose > 1 {
		for _, e := range share.Collection.Entries() {
			fmt.Printf("    %s %s\n", blob.FormatHash(e.Hash, displayFormat), e.Name)
		}
		secs := share.ImportElapsed.Seconds()
		if secs > 0 {
			fmt.Printf("%gs, %s/s\n", secs, ui.HumanBytes(uint64(float64(share.TotalSize)/secs)))
		}
	}
	fmt.Println("to get this data, use")
	fmt.Println("sendmer receive", color.CyanString(share.Ticket.String()))

	<-ctx.Done()
	fmt.Println("shutting down")
	return share.Close()
}
