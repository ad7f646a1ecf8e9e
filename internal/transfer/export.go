package transfer

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/bruceblink/sendmer/internal/blob"
	"github.com/bruceblink/sendmer/internal/pathname"
	"github.com/bruceblink/sendmer/internal/store"
	"github.com/bruceblink/sendmer/pkg/logger"
)

// exportCollection writes every entry of c under outDir in collection order.
// The first existing target aborts the whole export; nothing is overwritten
// and nothing is skipped silently.
func exportCollection(ctx context.Context, st *store.Store, c *blob.Collection, outDir string) error {
	checkFreeSpace(st, c, outDir)

	for _, entry := range c.Entries() {
		target, err := pathname.ExportPath(outDir, entry.Name)
		if err != nil {
			return err
		}
		if _, err := os.Lstat(target); err == nil {
			return &ExportConflictError{Target: target}
		}
		if err := exportOne(ctx, st, entry, target); err != nil {
			return err
		}
	}
	return nil
}

func exportOne(ctx context.Context, st *store.Store, entry blob.Entry, target string) error {
	for ev := range st.Export(ctx, store.ExportOptions{Hash: entry.Hash, Target: target}).Events() {
		if ev.Kind == store.ExportError {
			return &ExportError{Name: entry.Name, Err: ev.Err}
		}
	}
	return nil
}

// checkFreeSpace warns when the output volume looks too small for the
// collection payload. Advisory only; the export proceeds either way.
func checkFreeSpace(st *store.Store, c *blob.Collection, outDir string) {
	var payload uint64
	for _, entry := range c.Entries() {
		size, err := st.SizeOf(entry.Hash)
		if err != nil {
			return
		}
		payload += uint64(size)
	}
	usage, err := disk.Usage(outDir)
	if err != nil {
		return
	}
	if usage.Free < payload {
		logger.Log.Warn("Output volume may be too small for the transfer",
			"dir", outDir, "free", usage.Free, "payload", payload)
	}
}
