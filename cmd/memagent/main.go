// Package main provides the memagent CLI.
//
// memagent steps memory-bearing agents stored in a local SQLite database.
//
// # Basic Usage
//
// Create an agent from a YAML definition and talk to it:
//
//	memagent agent create -f agent.yaml
//	memagent step agent-1234 "What do you remember about me?"
//
// Send a message to every agent carrying a tag:
//
//	memagent broadcast --from agent-1234 --match-all worker "Status report"
//
// # Environment Variables
//
//   - MEMAGENT_CONFIG: path to the configuration file
//   - MEMAGENT_DB, MEMAGENT_PROVIDER, MEMAGENT_MODEL, MEMAGENT_MAX_STEPS,
//     MEMAGENT_LOG_LEVEL: override configuration values
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY: provider credentials
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := buildRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "memagent",
		Short:        "Step memory-bearing LLM agents",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("MEMAGENT_CONFIG"), "Path to YAML configuration file")

	rootCmd.AddCommand(
		buildStepCmd(),
		buildBroadcastCmd(),
		buildRulesCmd(),
		buildAgentCmd(),
		buildMemoryCmd(),
	)
	return rootCmd
}

var configPath string
