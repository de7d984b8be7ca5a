package cmd

import (
	"github.com/spf13/cobra"
)

var (
	portName  string
	baudRate  int
	vendorArg string

	apn       string
	bands     []int
	rats      []string
	powerPin  int
	resetPin  int
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "atconsole",
	Short: "Interactive AT command console for Quectel/Sequans/u-blox modems",
	Long: `atconsole brings up one cellular modem over a serial port and drops into
an interactive console for issuing raw AT commands and watching the modem's
state and signal-quality readings as they arrive.

Vendor support:
  --vendor quectel   Quectel BG96
  --vendor sequans   Sequans Monarch
  --vendor ublox     u-blox SARA-R4/R5

This tool drives GPIO power/reset sequencing through an in-memory fake: no
real GPIO backend ships in this module, so boards that need power/reset
pins toggled in hardware must supply their own gpio.Bank and link a
platform-specific build of this command.`,
	Version: "0.1.0",
	RunE:    runConsole,
}

func init() {
	rootCmd.Flags().StringVarP(&portName, "port", "p", "", "serial port device (required)")
	rootCmd.Flags().IntVarP(&baudRate, "baud", "b", 115200, "initial serial baud rate")
	rootCmd.Flags().StringVar(&vendorArg, "vendor", "", "modem vendor: quectel, sequans, or ublox (required)")

	rootCmd.Flags().StringVar(&apn, "apn", "", "packet-data access point name")
	rootCmd.Flags().IntSliceVar(&bands, "bands", nil, "LTE band scan list, e.g. --bands 3,20")
	rootCmd.Flags().StringSliceVar(&rats, "rats", nil, "radio access technology preference: ltem, nbiot, gsm")
	rootCmd.Flags().IntVar(&powerPin, "power-pin", 0, "power-enable GPIO line number")
	rootCmd.Flags().IntVar(&resetPin, "reset-pin", 1, "reset GPIO line number")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.MarkFlagRequired("port")
	rootCmd.MarkFlagRequired("vendor")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
