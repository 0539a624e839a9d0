package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-bhs/tabledownload"
	"github.com/arloliu/go-bhs/trigger"
)

type triggerFlags struct {
	addr     string
	fallback bool
	channel  string
	timeout  time.Duration
}

func newTriggerCmd() *cobra.Command {
	flags := &triggerFlags{}

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Ask a running gateway to push a table",
		Long: `Connect to the trigger port of a running gateway and start a table download.

Without --fallback the airline table is pushed. Without --channel the table goes to
every channel.`,
		Example: `  # Push the airline table to every channel
  bhsgw trigger

  # Push the fallback table to one channel
  bhsgw trigger --fallback --channel ConveyorPlcChannel_01`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := trigger.Command{Kind: tabledownload.AirlineTable, Channel: flags.channel}
			if flags.fallback {
				c.Kind = tabledownload.FallbackTable
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			if err := trigger.Send(ctx, flags.addr, c); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK\n", c)

			return nil
		},
	}

	cmd.Flags().StringVar(&flags.addr, "addr", "127.0.0.1:6000", "Trigger server address")
	cmd.Flags().BoolVar(&flags.fallback, "fallback", false, "Push the fallback table instead of the airline table")
	cmd.Flags().StringVar(&flags.channel, "channel", "", "Channel name, every channel when empty")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 30*time.Second, "Time to wait for the gateway reply")

	return cmd
}
