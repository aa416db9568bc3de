// Command omega runs the script execution supervisor.
//
// Subcommands:
//
//	serve          - run the HTTP API, supervisor and sandbox pool
//	run <file>     - execute one script to a terminal state and print it
//	migrate        - apply ledger schema migrations
//
// Configuration is read from --config, OMEGA_CONFIG, ./config.yaml or
// /etc/omega/config.yaml, with OMEGA_* environment overrides.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "omega",
		Short:         "Supervise LLM-generated scripts through sandboxed execution and repair",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file")

	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newMigrateCmd(opts),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
