package dispatch

import (
	"errors"

	"github.com/MimeLyc/lottr/internal/batch"
)

// ErrCancelled marks batches stopped by run cancellation.
var ErrCancelled = errors.New("dispatch cancelled")

// State is a batch's position in its lifecycle.
type State string

const (
	StatePending     State = "pending"
	StateDispatched  State = "dispatched"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
	StateRetrying    State = "retrying"
	StateFailedFinal State = "failed_final"
	StateReinjected  State = "reinjected"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateReinjected || s == StateFailedFinal
}

// Result is the outcome of one batch.
type Result struct {
	Batch    batch.Batch
	State    State
	Segments []string // one per member, set when Succeeded
	Attempts int
	Err      error // last error, set when FailedFinal
}

// BatchID returns the batch sequence position.
func (r Result) BatchID() int {
	return r.Batch.ID
}

// Reason is a short label for a FailedFinal result.
func (r Result) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
