package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bruceblink/sendmer/cmd/sendmer/ui"
	"github.com/bruceblink/sendmer/internal/config"
	"github.com/bruceblink/sendmer/internal/event"
)

// resolveRelay picks the relay URL: disabled beats the flag, the flag
// beats the environment.
func resolveRelay(cfg *config.Config, relayFlag string, noRelay bool) string {
	if noRelay {
		return ""
	}
	if relayFlag != "" {
		return relayFlag
	}
	return cfg.RelayURL()
}

// downloadsDir picks the default destination: the user's Downloads folder
// when it exists, the current directory otherwise.
func downloadsDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		dl := filepath.Join(home, "Downloads")
		if fi, err := os.Stat(dl); err == nil && fi.IsDir() {
			return dl
		}
	}
	return "."
}

// newReceiveSink returns the progress bar sink unless --no-progress asked
// for quiet output, in which case events only reach the log.
func newReceiveSink(cmd *cobra.Command, verbose int) event.Emitter {
	noProgress, _ := cmd.Root().PersistentFlags().GetBool("no-progress")
	if noProgress {
		return event.LogSink{}
	}
	return ui.NewConsoleEmitter(os.Stderr, "[recv]", verbose > 0)
}
