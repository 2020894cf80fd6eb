package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "uby-relay",
	Short: "WebSocket relay for the dispatch desktop application",
	Long: `uby-relay keeps every running copy of the dispatch desktop application
in sync: clients authenticate over WebSocket (or the long-polling
fallback), and schedule, user, driver, and notification events are
relayed to the other connected operators in real time.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (default: ./uby-relay.yaml)")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
