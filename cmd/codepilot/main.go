// Package main is the codepilot entry point. It serves the editor webview
// over websocket or over the host bridge on stdio.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kandev/codepilot/internal/common/logger"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logger.Default().Error("codepilot exited", zap.Error(err))
		_ = logger.Default().Sync()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "codepilot",
		Short:         "Editor host for streaming AI code edits as reviewable diffs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAuto(cmd, configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "directory containing config.yaml")

	root.AddCommand(
		newServeCmd(&configPath),
		newStdioCmd(&configPath),
		newConfigCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "codepilot", version)
		},
	}
}
