package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/credbroker/internal/dbconn"
)

var dbCheckCmd = &cobra.Command{
	Use:   "db-check",
	Short: "Connect to the configured database with a dynamic credential",
	Long: `Open a PostgreSQL pool whose logins come from the database section's
dynamic role, run an identity query and print who the database sees.`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		sc, err := setup()
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		if sc.Config.Database == nil {
			return fmt.Errorf("no database section in config")
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		pool, err := dbconn.Open(ctx, dbconn.FromConfig(sc.Config.Database), sc.Broker, sc.Logger)
		if err != nil {
			return err
		}
		defer pool.Close()

		id, err := pool.Check(ctx)
		if err != nil {
			return err
		}
		return printJSON(id)
	},
}
