// Command livevoice is a terminal client for real-time voice conversations
// with a hosted agent.
//
// Usage:
//
//	livevoice run       start a session and talk to the agent
//	livevoice devices   list audio devices
//
// Settings are read from .env and the environment, see package config.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "livevoice",
	Short:        "Real-time voice sessions with a hosted agent",
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(runCmd, devicesCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
