// Command joinevents joins two text streams in fixed event-time windows and
// writes the joined lines to the configured sinks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configFile string
		logLevel   string
	)

	command := &cobra.Command{
		Use:           "joinevents",
		Short:         "Windowed co-group join of two text streams",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	command.PersistentFlags().StringVar(&configFile, "config", "", "Path to configuration file (yaml or json)")
	command.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	command.AddCommand(newRunCommand(&configFile, &logLevel))
	command.AddCommand(newValidateConfigCommand(&configFile))

	return command
}
