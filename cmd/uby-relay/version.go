package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"uby/relay/internal/httpapi"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the relay version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("uby-relay %s (%s)\n", httpapi.Version, runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
