// credbroker: a credential broker and lease manager in front of a secret store.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "credbroker",
	Short: "Credential broker and lease manager for HashiCorp Vault.",
	Long: `credbroker keeps one authenticated Vault session, caches static and dynamic
credentials with per-kind freshness rules, and collapses concurrent requests
for the same credential into a single store call. It serves credentials over
HTTP and MCP and can keep configured credentials warm on a schedule.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.credbroker/config.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format: json or text")

	rootCmd.AddCommand(serveCmd, getCmd, sessionCmd, entityCmd, watchCmd, mcpCmd, dbCheckCmd, leasesCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
