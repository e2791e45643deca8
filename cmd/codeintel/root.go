package main

import (
	"codeintel/internal/version"

	"github.com/spf13/cobra"
)

var (
	logFormatFlag string
	logLevelFlag  string
	rootFlag      string
)

var rootCmd = &cobra.Command{
	Use:   "codeintel",
	Short: "codeintel - precise code intelligence server",
	Long: `codeintel answers go-to-definition, find-references, and hover queries
over precomputed per-commit indexes. Indexes are uploaded as dumps, converted
in the background, and queried through an HTTP API with cross-repository
navigation through a shared package index.`,
	Version: version.Version,
}

func init() {
	rootCmd.SetVersionTemplate("codeintel version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&logFormatFlag, "log-format", "", "Log format: json or human")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, or error")
	rootCmd.PersistentFlags().StringVar(&rootFlag, "root", ".", "Directory holding the .codeintel configuration")
}
