package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/jesmine0820/ielts-listening-question-generator/internal/workflow"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "ielts",
	Short:         "IELTS listening question generator client",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if termenv.EnvNoColor() {
			noColor = true
		}
		initStyles(!noColor)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(signupCmd, loginCmd, logoutCmd, whoamiCmd, resetPasswordCmd)
	rootCmd.AddCommand(specCmd, generateCmd, exportCmd, audioCmd)
	rootCmd.AddCommand(historyCmd, markCmd, previewCmd, catalogCmd)
	rootCmd.AddCommand(configCmd, mcpCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		printError("%s", workflow.Describe(err))
		stop()
		os.Exit(1)
	}
}
