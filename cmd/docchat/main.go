// Package main provides the CLI entry point for docchat, a terminal client
// for asking questions about a document served by a document-answering
// backend.
//
// # Basic Usage
//
// Ask a single question:
//
//	docchat ask --doc report.pdf "What is the abstract about?"
//
// Chat interactively while chunks stay in sync:
//
//	docchat chat --doc report.pdf
//
// Keep the chunk set synchronized and expose metrics:
//
//	docchat watch --doc report.pdf --metrics-addr :9090
//
// # Environment Variables
//
//   - DOCCHAT_CONFIG: Path to a YAML or JSON5 configuration file
//   - DOCCHAT_BACKEND_URL: Base URL of the backend (overrides the config file)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// globalOptions holds the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	backendURL string
	logLevel   string
	logFormat  string
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	opts := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:   "docchat",
		Short: "docchat - chat with a document",
		Long: `docchat asks questions about a loaded document, optionally scoped to pinned
chunks, and keeps the document's chunk set synchronized with the backend.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to YAML/JSON5 config file (or set DOCCHAT_CONFIG)")
	flags.StringVar(&opts.backendURL, "backend", "", "Backend base URL (overrides config)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format: json or text")

	rootCmd.AddCommand(
		buildAskCmd(opts),
		buildChunksCmd(opts),
		buildWatchCmd(opts),
		buildChatCmd(opts),
		buildHealthCmd(opts),
		buildConfigCmd(opts),
	)
	return rootCmd
}
