package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
)

// rootOptions holds the flags every subcommand shares.
type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "pullctl",
		Short: "pullctl drives the pull side of document replication",
		Long:  "pullctl connects to a replication peer and pulls changes into a local SQLite-backed store.",
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "pullctl.yaml", "path to the YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newPullCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))

	return cmd
}

func (o *rootOptions) logLevel() zapcore.Level {
	if o.verbose {
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}
