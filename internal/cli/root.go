// Package cli wires the memory engine into a command line interface.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/aaron031291/grace-memory/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "grace-memory",
	Short: "Tiered memory engine with hash-chained audit trail",
	Long: "grace-memory stores memory nodes across volatile, immutable, and relational\n" +
		"tiers, scores incoming content through a sandboxed ingestion pipeline, and\n" +
		"records every mutation on a tamper-evident audit chain.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(verifyCmd)
}

// loadConfig resolves configuration from the --config flag or, when no
// file is given, from the environment alone.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadConfigFromFile(configPath)
	}
	return config.LoadConfig()
}
