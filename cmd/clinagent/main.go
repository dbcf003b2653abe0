// Package main provides the CLI entry point for clinagent, a clinical
// research assistant that answers questions by calling literature, trial,
// genomics, device and document tools through an LLM.
//
// # Basic Usage
//
// Start the HTTP server:
//
//	clinagent serve --config clinagent.yaml
//
// Ask questions from a terminal:
//
//	clinagent chat --config clinagent.yaml
//
// Check a configuration file:
//
//	clinagent config validate --config clinagent.yaml
//
// # Environment Variables
//
// Configuration values may reference the environment as ${VAR}. The
// default config path can be set with CLINAGENT_CONFIG.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "clinagent.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clinagent",
		Short: "Clinical research agent",
		Long: `clinagent answers clinical research questions with an LLM that calls
tools for PubMed, ClinicalTrials.gov, genomic variants, medical devices and
reference documents.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildConfigCmd(),
		buildToolsCmd(),
		buildAuthCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// defaultConfigPath honours CLINAGENT_CONFIG.
func defaultConfigPath() string {
	if env := strings.TrimSpace(os.Getenv("CLINAGENT_CONFIG")); env != "" {
		return env
	}
	return defaultConfigName
}
