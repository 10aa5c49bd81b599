package main

import (
	"fmt"
	"os"

	"github.com/cuemby/berth/pkg/errdefs"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", errdefs.Normalize(err).Message)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "berth",
	Short: "Berth - versioned backend instance manager",
	Long: `Berth keeps one backend service running inside Docker or containerd,
switches between released versions of its image and rolls back safely
when a switch fails.

Every version switch keeps the previous instance as a rollback target.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Berth version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Config file (default <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory")
	rootCmd.PersistentFlags().String("runtime", "", "Container runtime: docker or containerd")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Log as JSON")
	rootCmd.PersistentFlags().Bool("json", false, "Print results as JSON")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(activateCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(retentionCmd)
	rootCmd.AddCommand(portsCmd)
	rootCmd.AddCommand(inventoryCmd)
	rootCmd.AddCommand(volumeCmd)
	rootCmd.AddCommand(serveCmd)
}
