package hwenc

import (
	"errors"
	"fmt"
)

// Status is the result code shared by component operations and completed work.
// A Status is an error, so operations return it (usually wrapped) and callers
// test it with errors.Is.
type Status int32

const (
	StatusOK        Status = iota // success
	StatusBadState                // operation illegal in the current state
	StatusBadIndex                // parameter index unknown to this component
	StatusBadValue                // value outside the supported domain
	StatusNotFound                // resource absent, or work canceled by stop/flush
	StatusCorrupted               // internal invariant violated or fatal surface error
	StatusBlocking                // would block on a non-blocking call
	StatusNoMemory                // allocation failed
	StatusTimedOut                // deadline exceeded
	statusCount
)

// Common errors
var (
	ErrBadState  error = StatusBadState
	ErrBadIndex  error = StatusBadIndex
	ErrBadValue  error = StatusBadValue
	ErrNotFound  error = StatusNotFound
	ErrCorrupted error = StatusCorrupted
	ErrBlocking  error = StatusBlocking
	ErrNoMemory  error = StatusNoMemory
	ErrTimedOut  error = StatusTimedOut

	ErrComponentNotFound = fmt.Errorf("%w: no such component", ErrNotFound)
	ErrUnknownFrame      = fmt.Errorf("%w: unknown frame", ErrNotFound)
	ErrFrameLocked       = fmt.Errorf("%w: frame is locked", ErrBadState)
)

var statusNames = [statusCount]string{
	StatusOK:        "ok",
	StatusBadState:  "bad state",
	StatusBadIndex:  "bad index",
	StatusBadValue:  "bad value",
	StatusNotFound:  "not found",
	StatusCorrupted: "corrupted",
	StatusBlocking:  "would block",
	StatusNoMemory:  "no memory",
	StatusTimedOut:  "timed out",
}

func (s Status) String() string {
	if s < 0 || s >= statusCount {
		return fmt.Sprintf("status(%d)", int32(s))
	}
	return statusNames[s]
}

func (s Status) Error() string {
	return s.String()
}

// StatusOf extracts the Status carried by err.
// nil maps to StatusOK; errors without a Status map to StatusCorrupted.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return StatusCorrupted
}
