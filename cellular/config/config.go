// Package config defines the recognized configuration surface of the
// cellular session machine and a functional-options builder for it, in
// the same style as the teacher's own config layering (defaults, then
// environment, then explicit overrides, composed left to right).
package config

import (
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/toitware/cellular/gpio"
)

// UARTPriority selects the OS-level scheduling priority the transport
// should request for UART interrupt/DMA handling.
type UARTPriority int

const (
	PriorityNormal UARTPriority = iota
	PriorityHigh
)

// RAT is a radio access technology, ordered by the caller's preference.
type RAT int

const (
	RATLTEM RAT = 1 // Cat-M1
	RATNBIoT RAT = 2
	RATGSM  RAT = 3
)

// Config is the recognized configuration contract of spec.md §6,
// populated by the session-machine caller before Open.
type Config struct {
	APN   string
	Bands []int
	RATs  []RAT

	UARTTx       gpio.Pin
	UARTRx       gpio.Pin
	UARTCTS      gpio.Pin
	UARTRTS      gpio.Pin
	UARTBaudRate []int
	UARTPriority UARTPriority

	Power gpio.Pin
	Reset gpio.Pin

	// PSMEnabled requests the vendor's Power-Saving Mode during
	// configuration (+CPSMS/+UPSV/+QCFG psm) and changes Close's teardown
	// path to enter PSM sleep instead of a full power-off when the session
	// registered over LTE.
	PSMEnabled bool
	// PSMPeriodicTAU is the requested periodic tracking-area-update
	// interval (3GPP TS 24.008 GPRS Timer 3 units), how long the modem may
	// sleep between mandatory re-registrations.
	PSMPeriodicTAU time.Duration
	// PSMActiveTime is the requested active time (GPRS Timer 2 units) the
	// modem stays reachable after each TAU before re-entering sleep.
	PSMActiveTime time.Duration

	LogLevel zapcore.Level
}

// Option mutates a Config under construction.
type Option func(*Config)

// WithDefaults seeds baseline values every driver instance needs even if
// the caller supplies nothing else: an empty APN, the vendor-recommended
// baud sweep order, and info-level logging.
func WithDefaults() Option {
	return func(c *Config) {
		c.APN = ""
		c.UARTBaudRate = []int{921600, 115200}
		c.UARTPriority = PriorityNormal
		c.LogLevel = zapcore.InfoLevel
	}
}

// WithAPN sets the packet-data access point name.
func WithAPN(apn string) Option { return func(c *Config) { c.APN = apn } }

// WithBands sets the ordered LTE band scan list.
func WithBands(bands ...int) Option { return func(c *Config) { c.Bands = bands } }

// WithRATs sets the ordered radio-access-technology preference.
func WithRATs(rats ...RAT) Option { return func(c *Config) { c.RATs = rats } }

// WithUART sets the four UART flow-control/data pin descriptors.
func WithUART(tx, rx, cts, rts gpio.Pin) Option {
	return func(c *Config) {
		c.UARTTx, c.UARTRx, c.UARTCTS, c.UARTRTS = tx, rx, cts, rts
	}
}

// WithBaudRates overrides the baud-discovery candidate list, preferred
// rate first.
func WithBaudRates(rates ...int) Option { return func(c *Config) { c.UARTBaudRate = rates } }

// WithUARTPriority sets the UART's scheduling priority.
func WithUARTPriority(p UARTPriority) Option { return func(c *Config) { c.UARTPriority = p } }

// WithPowerPin sets the modem's power-control pin.
func WithPowerPin(pin gpio.Pin) Option { return func(c *Config) { c.Power = pin } }

// WithResetPin sets the modem's reset pin.
func WithResetPin(pin gpio.Pin) Option { return func(c *Config) { c.Reset = pin } }

// WithLogLevel sets the zap logging level.
func WithLogLevel(level zapcore.Level) Option { return func(c *Config) { c.LogLevel = level } }

// WithPSM requests Power-Saving Mode with the given periodic TAU and
// active-time windows, applied during configuration and observed at
// Close to decide between PSM sleep and a full power-off.
func WithPSM(periodicTAU, activeTime time.Duration) Option {
	return func(c *Config) {
		c.PSMEnabled = true
		c.PSMPeriodicTAU = periodicTAU
		c.PSMActiveTime = activeTime
	}
}

// Build applies opts in order over a zero Config, later options
// overriding earlier ones — callers typically start with WithDefaults()
// followed by environment- or flag-sourced options.
func Build(opts ...Option) Config {
	var c Config
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
