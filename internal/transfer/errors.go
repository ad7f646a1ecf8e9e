package transfer

import (
	"errors"
	"fmt"

	"github.com/bruceblink/sendmer/internal/store"
)

// ErrCancelled reports a user interrupt. It always wins the race against an
// in-flight operation and always triggers session cleanup.
var ErrCancelled = errors.New("operation cancelled")

// ShareDirBusyError reports a leftover session directory: a previous share
// from the same working directory is still running or did not clean up.
type ShareDirBusyError struct {
	Dir string
}

func (e *ShareDirBusyError) Error() string {
	return fmt.Sprintf("can not share twice from the same directory: %s", e.Dir)
}

// NetworkError is the typed fetch failure surfaced by the store's remote
// client. Kind distinguishes connectivity, protocol, and local faults.
type NetworkError = store.GetError

// ImportError wraps any failure while turning a path into a collection. No
// partial collection survives it.
type ImportError struct {
	Err error
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("import failed: %v", e.Err)
}

func (e *ImportError) Unwrap() error {
	return e.Err
}

// ExportConflictError reports a target path that already exists. The export
// stops at the first conflict; nothing is overwritten.
type ExportConflictError struct {
	Target string
}

func (e *ExportConflictError) Error() string {
	return fmt.Sprintf("target %s already exists", e.Target)
}

// ExportError wraps a mid-export fault for one collection entry.
type ExportError struct {
	Name string
	Err  error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("error exporting %s: %v", e.Name, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}
