package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/astromechza/roomsync/pkg/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:           "syncctl",
		Short:         "Connect to a sync server and inspect documents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			logger, err := logging.New(os.Stderr, logLevel, logging.FormatText)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	cmd.AddCommand(newConnectCmd(), newInspectCmd())
	return cmd
}
