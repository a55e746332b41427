// Sessionragd serves session-isolated retrieval-augmented answers over
// HTTP or MCP stdio.
//
// Configuration is read from an optional YAML file and SESSIONRAG_*
// environment variables. See internal/config for the full list.
//
// Usage:
//
//	# HTTP API on localhost:8080
//	sessionragd serve
//
//	# MCP over stdio, for editor and agent integrations
//	sessionragd mcp --config ~/.config/sessionrag/config.yaml
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
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sessionragd",
	Short: "Session-isolated hybrid RAG engine",
	Long: `sessionragd indexes tabular and text documents per user session and
answers questions from them with cited evidence.

Each (user, session) pair gets its own index. Nothing indexed in one
session is ever visible to another.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		printVersion(cmd)
	},
}

func printVersion(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "sessionragd by Fyrsmith Labs\n")
	fmt.Fprintf(out, "Version:    %s\n", version)
	fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(out, "Build Date: %s\n", buildDate)
}
