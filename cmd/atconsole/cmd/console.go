package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/toitware/cellular/cellular"
	"github.com/toitware/cellular/cellular/config"
	"github.com/toitware/cellular/gpio"
	"github.com/toitware/cellular/transport"
	"github.com/toitware/cellular/hwvendor/quectel"
	"github.com/toitware/cellular/hwvendor/sequans"
	"github.com/toitware/cellular/hwvendor/ublox"
)

func newVendor(name string) (cellular.Vendor, error) {
	switch name {
	case "quectel":
		return quectel.New(), nil
	case "sequans":
		return sequans.New(nil), nil
	case "ublox":
		return ublox.New(), nil
	default:
		return nil, fmt.Errorf("unknown vendor %q (want quectel, sequans, or ublox)", name)
	}
}

func parseRATs(names []string) ([]config.RAT, error) {
	var out []config.RAT
	for _, n := range names {
		switch n {
		case "ltem":
			out = append(out, config.RATLTEM)
		case "nbiot":
			out = append(out, config.RATNBIoT)
		case "gsm":
			out = append(out, config.RATGSM)
		default:
			return nil, fmt.Errorf("unknown RAT %q (want ltem, nbiot, or gsm)", n)
		}
	}
	return out, nil
}

func parseLogLevel(name string) (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", name, err)
	}
	return lvl, nil
}

func newLogger(lvl zapcore.Level) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func runConsole(_ *cobra.Command, _ []string) error {
	lvl, err := parseLogLevel(logLevel)
	if err != nil {
		return err
	}
	log, err := newLogger(lvl)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	vendor, err := newVendor(vendorArg)
	if err != nil {
		return err
	}
	ratPrefs, err := parseRATs(rats)
	if err != nil {
		return err
	}

	cfg := config.Config{}
	for _, opt := range []config.Option{
		config.WithDefaults(),
		config.WithAPN(apn),
		config.WithBands(bands...),
		config.WithRATs(ratPrefs...),
	} {
		opt(&cfg)
	}
	cfg.Power = gpio.Pin{Number: powerPin, Mode: gpio.ActiveHigh}
	cfg.Reset = gpio.Pin{Number: resetPin, Mode: gpio.ActiveHigh}
	cfg.LogLevel = lvl

	dialer := transport.SerialDialer{PortName: portName, BaudRate: baudRate}
	// No real GPIO backend ships in this module (gpio.Bank is a
	// platform-supplied collaborator); the console drives power/reset
	// sequencing against an in-memory fake, which is enough to exercise
	// the AT session on boards where the modem is already powered.
	bank := gpio.NewFakeBank()

	machine := cellular.New(vendor, dialer, bank, cfg, cellular.WithLogger(log))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("opening modem", zap.String("port", portName), zap.String("vendor", vendorArg))
	if err := machine.Open(ctx); err != nil {
		return fmt.Errorf("open modem: %w", err)
	}
	defer machine.Close(context.Background())

	model := newConsoleModel(machine, log)
	program := tea.NewProgram(model, tea.WithAltScreen())
	_, err = program.Run()
	return err
}
