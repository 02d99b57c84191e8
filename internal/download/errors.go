package download

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition marks a lifecycle operation the record's status does not allow.
	// It is logged and never surfaced to callers; the operation is a no-op.
	ErrInvalidTransition = errors.New("invalid transition")

	ErrInstallCancelled = errors.New("install cancelled")
	ErrNotFound         = errors.New("download not found")
	ErrAlreadyExists    = errors.New("download already exists")
	ErrNoFiles          = errors.New("no files to install")
	ErrShuttingDown     = errors.New("engine shutting down")
)

// LeafError is the terminal error of one file, as reported by the transport.
type LeafError struct {
	ID      string
	Name    string
	Message string
}

func (e *LeafError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}
