// Package gpio describes the pin-level interface the cellular session
// machine drives for power, reset, and UART flow-control lines. No real
// backend ships here — GPIO line toggling is an external collaborator per
// spec — only the descriptor types, the Line/Bank interfaces a platform
// implements, and an in-memory fake for tests.
package gpio

import (
	"context"
	"time"
)

// Mode describes how a logical "assert"/"deassert" maps to an electrical
// level.
type Mode int

const (
	// ActiveHigh: asserted means driven high.
	ActiveHigh Mode = iota
	// ActiveLow: asserted means driven low (e.g. many modem power/reset
	// pins, and inverting level-shifter wrappers around them).
	ActiveLow
	// OpenDrain: asserted means driven low with the line otherwise left
	// floating/pulled up externally.
	OpenDrain
)

// Pin is a configuration-level pin descriptor: a physical line number and
// the polarity/drive convention it should be treated with.
type Pin struct {
	Number int
	Mode   Mode
}

// Line is one GPIO line as the session machine sees it: it can be driven,
// read back, and put into a high-impedance "released" state at teardown.
type Line interface {
	// Assert drives the line to its active level per the pin's Mode.
	Assert() error
	// Deassert drives the line to its inactive level.
	Deassert() error
	// Level reads the current logical level (true = asserted).
	Level() (bool, error)
	// Release configures the line as a floating input, relinquishing
	// ownership. Called exactly once, at teardown.
	Release() error
}

// Bank resolves configured Pin descriptors into live Lines. A platform
// implements Bank once, over whatever GPIO character-device or register
// access the target board exposes.
type Bank interface {
	Open(pin Pin) (Line, error)
}

// WaitQuiescent blocks until level() has read the same value continuously
// for at least settle, or ctx is canceled. This is the "wait for a stable
// level before considering a pin settled" step required at teardown.
func WaitQuiescent(ctx context.Context, line Line, settle time.Duration, poll time.Duration) error {
	last, err := line.Level()
	if err != nil {
		return err
	}
	stableSince := time.Now()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if time.Since(stableSince) >= settle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		level, err := line.Level()
		if err != nil {
			return err
		}
		if level != last {
			last = level
			stableSince = time.Now()
		}
	}
}
