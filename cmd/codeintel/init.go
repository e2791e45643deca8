package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"codeintel/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultConfig()
		if err := cfg.Save(rootFlag); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("Wrote default configuration under %s/.codeintel\n", rootFlag)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
