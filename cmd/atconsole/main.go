// Command atconsole brings up one modem and drops into an interactive AT
// console for bring-up and field debugging.
package main

import (
	"fmt"
	"os"

	"github.com/toitware/cellular/cmd/atconsole/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
