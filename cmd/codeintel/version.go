package main

import (
	"fmt"

	"codeintel/internal/version"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the server version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("codeintel version %s\n", version.Info())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
