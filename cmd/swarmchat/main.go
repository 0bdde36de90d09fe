package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands.
func buildRoot() *cobra.Command {
	global := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "swarmchat",
		Short: "Sidecar host for the swarmchat worker",
		Long: `swarmchat runs and supervises a single sidecar worker process and
exposes start/stop/status control plus its output over HTTP.

Examples:
  swarmchat serve --config swarmchat.toml   # run the host daemon
  swarmchat start --wait                    # ask the daemon to start the sidecar
  swarmchat status --json
  swarmchat events --history 50`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&global.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&global.APIUrl, "api-url", "", "daemon API base URL (default derived from config)")
	root.PersistentFlags().DurationVar(&global.APITimeout, "api-timeout", 0, "per-request timeout (default 10s)")

	root.AddCommand(
		createServeCommand(global),
		createStartCommand(global),
		createStopCommand(global),
		createStatusCommand(global),
		createEventsCommand(global),
	)
	return root
}
