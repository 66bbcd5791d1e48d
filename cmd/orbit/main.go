package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:   "orbit",
	Short: "Real-time control channel for a remote agent",
	Long: `Orbit holds the authoritative state of one agent and keeps every
connected operator in sync over an authenticated websocket.

Operators can halt and resume the agent, approve commands and ask the
configured language model for help. Configuration is read from a JSON file
and ORBIT_* environment variables.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "orbit %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "orbit.json", "Configuration file (JSON)")
	rootCmd.AddCommand(versionCmd)
}
