// Package main provides callsim, a terminal simulator for the booking dialogue.
//
// It runs the dialogue engine in-process against an in-memory calendar and
// session store so call flows can be exercised without a telephony provider.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		logging.Default().Error("callsim failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	opts := &simOptions{}
	rootCmd := &cobra.Command{
		Use:          "callsim",
		Short:        "Simulate clinic booking calls in the terminal",
		SilenceUsage: true,
	}
	opts.bindFlags(rootCmd)
	rootCmd.AddCommand(buildChatCmd(opts), buildRunCmd(opts))
	return rootCmd
}
