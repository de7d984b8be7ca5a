package atsession

import "fmt"

// ATError is the final error line returned by the modem for a command:
// "+CME ERROR: 17", "+CMS ERROR: 321", or the bare "ERROR" (Code=="",
// Detail=="ERROR").
type ATError struct {
	Code   string
	Detail string
}

func (e *ATError) Error() string {
	if e.Code == "" {
		return "atsession: " + e.Detail
	}
	return fmt.Sprintf("atsession: %s: %s", e.Code, e.Detail)
}

// Sentinel errors returned by Session and Locker operations.
var (
	// ErrCommandTimeout is returned when no terminating line arrived
	// before a command's deadline.
	ErrCommandTimeout = fmt.Errorf("atsession: command timeout")
	// ErrClosed is returned by any operation on a closed Session or Locker.
	ErrClosed = fmt.Errorf("atsession: closed")
	// ErrAborted is returned when an abortable command times out and the
	// modem confirms the abort (a "+CME ERROR: Command aborted" line) via
	// the empty-ping flush protocol. ErrCommandTimeout is returned instead
	// when the timeout isn't confirmed this way, or the command wasn't
	// abortable to begin with.
	ErrAborted = fmt.Errorf("atsession: command aborted")
)
