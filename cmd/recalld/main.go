// Recalld is a retrieval-augmented knowledge daemon: it indexes codebases and
// docs into Qdrant, serves semantic and hybrid search, and keeps typed agent
// memories and session context per project.
//
// Usage:
//
//	# Start the HTTP server
//	recalld serve
//
//	# Index a project tree without the server
//	recalld index --project demo --path .
//
//	# Run a retrieval quality evaluation against a running server
//	recalld eval --golden golden.json --out report.json
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:           "recalld",
	Short:         "Retrieval-augmented knowledge service",
	Version:       fmt.Sprintf("%s (%s)", version, gitCommit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(evalCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
