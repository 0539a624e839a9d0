// Command bhsgw runs the baggage handling gateway between the sortation controller and the
// conveyor PLCs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bhsgw",
		Short: "RFC1006 gateway between the sortation controller and conveyor PLCs",
		Long: `bhsgw keeps one RFC1006 (TPKT/COTP) session per conveyor PLC channel, routes scanned
bags to their sort destinations and downloads the airline and fallback tables on request.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newTriggerCmd())
	rootCmd.AddCommand(newCheckConfigCmd())

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
