package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve broker tools over MCP on stdin/stdout",
	Long: `Serve get_credential, session_info and lookup_entity as MCP tools over
stdio, for agents that launch credbroker as a subprocess. Logs go to stderr.

With an identity section configured, get_my_credential is also served and the
caller JWT is read from CREDBROKER_IDENTITY_TOKEN.`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		sc, err := setup()
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return newMCPServer(sc, "stdio").Start(ctx)
	},
}
