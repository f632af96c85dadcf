package pipeline

import (
	"errors"
	"fmt"
)

// SlotFailedError is the terminal failure of one slot. The run continues
// with other slots and collects these.
type SlotFailedError struct {
	Slot     uint64
	Attempts uint
	Err      error
}

func (e *SlotFailedError) Error() string {
	return fmt.Sprintf("slot %d failed after %d attempts: %v", e.Slot, e.Attempts, e.Err)
}

func (e *SlotFailedError) Unwrap() error {
	return e.Err
}

// ErrSlotFailed matches any *SlotFailedError with errors.Is.
var ErrSlotFailed = errors.New("slot failed")

// Is reports whether target is ErrSlotFailed.
func (e *SlotFailedError) Is(target error) bool {
	return target == ErrSlotFailed
}

// fetchError wraps a block source failure.
type fetchError struct{ err error }

func (e *fetchError) Error() string { return "fetch: " + e.err.Error() }
func (e *fetchError) Unwrap() error { return e.err }

// verifyError wraps a verification failure of a freshly written artifact.
type verifyError struct{ err error }

func (e *verifyError) Error() string { return "verify: " + e.err.Error() }
func (e *verifyError) Unwrap() error { return e.err }
