package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the HTTP server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the HTTP server.

The server streams answers to POST /query as Server-Sent Events, runs
POST /query/async in the background, and serves /healthz and /metrics.
SIGINT or SIGTERM drains in-flight requests and jobs before exiting.`,
		Example: `  # Start with the default config
  clinagent serve

  # Start with debug logging
  clinagent serve -c /etc/clinagent/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// buildChatCmd creates the interactive "chat" command.
func buildChatCmd() *cobra.Command {
	var (
		configPath string
		sessionKey string
		verbose    bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Ask questions from the terminal",
		Long: `Read questions from standard input and stream answers to standard output.

Each line is one question. The conversation is kept in the session named by
--session, so follow-up questions see earlier answers. Type /reset to clear
it and /exit to quit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, configPath, sessionKey, verbose)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVar(&sessionKey, "session", "default", "Conversation to continue")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show tool arguments and results")
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd.OutOrStdout())
		},
	}

	var configPath string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd.OutOrStdout(), configPath)
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")

	cmd.AddCommand(schemaCmd, validateCmd)
	return cmd
}

// buildToolsCmd creates the "tools" command group.
func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the tools offered to the model",
	}

	var (
		configPath string
		asJSON     bool
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List enabled tools and their parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsList(cmd.Context(), cmd.OutOrStdout(), configPath, asJSON)
		},
	}
	listCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (defaults apply when empty)")
	listCmd.Flags().BoolVar(&asJSON, "json", false, "Print descriptors as JSON")

	cmd.AddCommand(listCmd)
	return cmd
}

// buildAuthCmd creates the "auth" command group.
func buildAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage API credentials",
	}

	var (
		configPath string
		subject    string
		name       string
	)
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthToken(cmd.OutOrStdout(), configPath, subject, name)
		},
	}
	tokenCmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	tokenCmd.Flags().StringVar(&subject, "subject", "", "Token subject (required)")
	tokenCmd.Flags().StringVar(&name, "name", "", "Display name carried in the token")
	_ = tokenCmd.MarkFlagRequired("subject") //nolint:errcheck

	cmd.AddCommand(tokenCmd)
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "clinagent %s\n  commit: %s\n  built:  %s\n", version, commit, date)
		},
	}
}
