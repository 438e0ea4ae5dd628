package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "amphora",
	Short: "Amphora - Content-addressed versioned object storage",
	Long: `Amphora is a content-addressed object store with full version
history, fine-grained sharing, and two-phase quota accounting.

Objects are split into fixed-size blocks addressed by their hash, so
identical data is stored once regardless of how many objects or
versions reference it.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Amphora version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to YAML config file (defaults apply when empty)")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(quotaCmd)
	rootCmd.AddCommand(containerCmd)
	rootCmd.AddCommand(objectCmd)
}
