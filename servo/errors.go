package servo

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when the drive does not reach a state in time.
	ErrTimeout = errors.New("servo: timeout")
	// ErrStillFaulted is returned when fault reset retries are exhausted.
	ErrStillFaulted = errors.New("servo: still faulted")
	// ErrClosed is returned by every register operation after Close.
	ErrClosed = errors.New("servo: closed")
)

// IOError is a transport failure while accessing a register.
type IOError struct {
	Register string
	Subnode  uint8
	Op       string
	Err      error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("servo: %s %s (subnode %d): %v", e.Op, e.Register, e.Subnode, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
