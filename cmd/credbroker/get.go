package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/credbroker/internal/broker"
	"github.com/jkaninda/credbroker/internal/lease"
)

var (
	getKind   string
	getReveal bool
	getField  string
)

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Fetch a credential once and print it",
	Long: `Fetch a credential through the broker and print it as JSON.
Sensitive fields are masked unless --reveal is set. --field prints a single
payload value unmasked, for use in scripts.`,
	Example: `  credbroker get users/alice/jira --kind versioned_static
  credbroker get orders-ro --kind dynamic --field password`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

func init() {
	getCmd.Flags().StringVarP(&getKind, "kind", "k", string(lease.VersionedStatic), "lease kind: versioned_static, time_bound_static, dynamic_leased")
	getCmd.Flags().BoolVar(&getReveal, "reveal", false, "print sensitive values unmasked")
	getCmd.Flags().StringVar(&getField, "field", "", "print only this payload field")
}

func runGet(_ *cobra.Command, args []string) error {
	kind, err := lease.ParseKind(getKind)
	if err != nil {
		return err
	}

	sc, err := setup()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cred, err := sc.Broker.Get(ctx, args[0], kind)
	if err != nil {
		return err
	}

	if getField != "" {
		v, ok := cred.Payload[getField]
		if !ok {
			fields := make([]string, 0, len(cred.Payload))
			for k := range cred.Payload {
				fields = append(fields, k)
			}
			sort.Strings(fields)
			return fmt.Errorf("field %q not in payload (have: %v)", getField, fields)
		}
		fmt.Println(v)
		return nil
	}

	if !getReveal {
		cred = cred.Redacted()
	}
	return printJSON(struct {
		*broker.Credential
		RemainingTTL int64 `json:"remaining_ttl_seconds"`
	}{cred, cred.RemainingSeconds()})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
