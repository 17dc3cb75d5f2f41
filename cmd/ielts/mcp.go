package main

import (
	"context"
	"errors"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/jesmine0820/ielts-listening-question-generator/internal/api"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/audiojobs"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the question generator tools over MCP on stdio",
	Long: `Serve the question generator tools over MCP on stdio.

Queued audio jobs are resumed in the background while the server runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			ctx := cmd.Context()
			go audiojobs.NewWorker(a.tracker, 0).Run(ctx)

			mcpSrv := api.NewMCPServer(api.MCPDeps{
				History: a.history,
				Catalog: a.catalog,
				Jobs:    a.tracker,
				State:   a.store,
			})
			stdioSrv := server.NewStdioServer(mcpSrv)
			a.logger.Info("MCP server started (stdio transport)")
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	},
}
