package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/credbroker/internal/audit"
	"github.com/jkaninda/credbroker/internal/lease"
)

var (
	leasesKey        string
	leasesKind       string
	leasesLimit      int
	leasesPruneAfter time.Duration
)

var leasesCmd = &cobra.Command{
	Use:   "leases",
	Short: "List issued leases from the audit store",
	Args:  cobra.NoArgs,
	RunE:  runLeases,
}

func init() {
	leasesCmd.Flags().StringVar(&leasesKey, "key", "", "only leases for this key")
	leasesCmd.Flags().StringVar(&leasesKind, "kind", "", "only leases of this kind")
	leasesCmd.Flags().IntVar(&leasesLimit, "limit", 50, "maximum records")
	leasesCmd.Flags().DurationVar(&leasesPruneAfter, "prune-older-than", 0, "delete records issued before now minus this duration, then list")
}

func runLeases(_ *cobra.Command, _ []string) error {
	q := audit.Query{Key: leasesKey, Limit: leasesLimit}
	if leasesKind != "" {
		kind, err := lease.ParseKind(leasesKind)
		if err != nil {
			return err
		}
		q.Kind = kind
	}

	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Audit == nil {
		return fmt.Errorf("no audit section in config")
	}
	st, err := openAudit(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	if leasesPruneAfter > 0 {
		n, err := st.Prune(ctx, time.Now().Add(-leasesPruneAfter))
		if err != nil {
			return err
		}
		logger.Info("pruned lease records", slog.Int64("deleted", n))
	}

	records, err := st.Recent(ctx, q)
	if err != nil {
		return err
	}
	return printJSON(records)
}
