package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Log in and describe the broker's store session",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		sc, err := setup()
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		info, err := sc.Broker.Session(ctx)
		if err != nil {
			return err
		}
		return printJSON(info)
	},
}

var entityCmd = &cobra.Command{
	Use:   "entity <name>",
	Short: "Look up an identity entity by name",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		sc, err := setup()
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := sc.Broker.Entity(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(e)
	},
}
