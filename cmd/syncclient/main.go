package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "syncclient",
		Short:         "Sync this device's reading data with the verse sync server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.Version = Version
	cmd.PersistentFlags().String("config", "", "path to the client config file (default $VERSESYNC_CONFIG)")
	cmd.AddCommand(newRunCmd(), newSyncCmd(), newStatusCmd(), newSetCmd())
	return cmd
}
